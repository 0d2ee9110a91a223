package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Skotchmaster/school_portal/internal/models"
)

func (r *GormRepo) CreateMessage(ctx context.Context, m *models.Message) error {
	return r.DB.WithContext(ctx).Create(m).Error
}

func (r *GormRepo) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

func (r *GormRepo) ListMessagesForRecipient(ctx context.Context, recipientID uuid.UUID, offset, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.DB.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// MarkMessageRead keeps the first read time when called twice.
func (r *GormRepo) MarkMessageRead(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.DB.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND read_at IS NULL", id).
		Update("read_at", utc(at)).Error
}

func (r *GormRepo) CreateStudent(ctx context.Context, s *models.Student) error {
	return r.DB.WithContext(ctx).Create(s).Error
}

func (r *GormRepo) GetStudent(ctx context.Context, id uuid.UUID) (*models.Student, error) {
	var s models.Student
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *GormRepo) ListStudentsForParent(ctx context.Context, parentID uuid.UUID) ([]models.Student, error) {
	var out []models.Student
	err := r.DB.WithContext(ctx).Where("parent_id = ?", parentID).Order("full_name").Find(&out).Error
	return out, err
}
