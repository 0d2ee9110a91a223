package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Skotchmaster/school_portal/internal/guard"
	"github.com/Skotchmaster/school_portal/internal/logging"
	"github.com/Skotchmaster/school_portal/internal/models"
	"github.com/Skotchmaster/school_portal/internal/repo"
	"github.com/Skotchmaster/school_portal/internal/tokens"
	"github.com/Skotchmaster/school_portal/internal/transport"
	"github.com/Skotchmaster/school_portal/internal/util"
)

// MessageService serves the in-app inbox. Staff send; only the recipient
// reads and marks.
type MessageService struct {
	Repo  *repo.GormRepo
	Guard *guard.Guard
	Now   func() time.Time
}

func (s *MessageService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *MessageService) Inbox(ctx context.Context, claims *tokens.Claims, page, size int) (*transport.Page[models.Message], error) {
	if err := s.Guard.Authorize(claims, guard.AnyAuthenticated()); err != nil {
		return nil, err
	}
	recipient, err := uuid.Parse(claims.SubjectID())
	if err != nil {
		return nil, guard.ErrUnauthorized
	}

	offset, limit := util.Calculate(page, size)
	msgs, err := s.Repo.ListMessagesForRecipient(ctx, recipient, offset, limit)
	if err != nil {
		logging.FromContext(ctx).Error("inbox_failed", "status", 500, "error", err)
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &transport.Page[models.Message]{Page: offset/limit + 1, Size: limit, Items: msgs}, nil
}

func (s *MessageService) Send(ctx context.Context, claims *tokens.Claims, req transport.SendMessageRequest) (*models.Message, error) {
	l := logging.FromContext(ctx).With("svc", "message.send")

	if err := s.Guard.AuthorizeRole(claims, models.RoleAdmin, models.RoleTeacher); err != nil {
		l.Warn("send_denied", "status", guard.StatusCode(err), "error", err)
		return nil, err
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if err := req.Validate(); err != nil {
		return nil, validationError(err)
	}

	sender, err := uuid.Parse(claims.SubjectID())
	if err != nil {
		return nil, guard.ErrUnauthorized
	}
	recipientID := uuid.MustParse(req.RecipientID)
	if _, err := s.Repo.GetUserByID(ctx, recipientID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	msg := &models.Message{
		SenderID:    sender,
		RecipientID: recipientID,
		Subject:     req.Subject,
		Body:        req.Body,
	}
	if err := s.Repo.CreateMessage(ctx, msg); err != nil {
		l.Error("send_failed", "status", 500, "error", err)
		return nil, err
	}
	l.Info("message_sent", "message_id", msg.ID, "recipient_id", recipientID)
	return msg, nil
}

// MarkRead is allowed for the recipient only; staff roles get no bypass.
func (s *MessageService) MarkRead(ctx context.Context, claims *tokens.Claims, messageID string) error {
	l := logging.FromContext(ctx).With("svc", "message.mark_read", "message_id", messageID)

	id, err := uuid.Parse(messageID)
	if err != nil {
		return ErrNotFound
	}
	msg, err := s.Repo.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	if err := s.Guard.AuthorizeOwnership(claims, msg.RecipientID.String()); err != nil {
		l.Warn("mark_read_denied", "status", guard.StatusCode(err), "error", err)
		return err
	}
	return s.Repo.MarkMessageRead(ctx, msg.ID, s.now())
}

type StudentService struct {
	Repo  *repo.GormRepo
	Guard *guard.Guard
}

// Get lets staff read any student, a parent read their own children and a
// student read their own record.
func (s *StudentService) Get(ctx context.Context, claims *tokens.Claims, studentID string) (*models.Student, error) {
	l := logging.FromContext(ctx).With("svc", "student.get", "student_id", studentID)

	if err := s.Guard.Authorize(claims, guard.AnyAuthenticated()); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(studentID)
	if err != nil {
		return nil, ErrNotFound
	}
	student, err := s.Repo.GetStudent(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	alternatives := []guard.Requirement{
		guard.RoleIn(models.RoleAdmin, models.RoleTeacher),
		guard.OwnerOf(student.UserID.String()),
	}
	if student.ParentID != nil {
		alternatives = append(alternatives, guard.OwnerOf(student.ParentID.String()))
	}
	if err := s.Guard.Authorize(claims, guard.AnyOf(alternatives...)); err != nil {
		l.Warn("student_denied", "status", guard.StatusCode(err), "role", claims.Role)
		return nil, err
	}
	return student, nil
}

// Children lists the students linked to the calling parent.
func (s *StudentService) Children(ctx context.Context, claims *tokens.Claims) ([]models.Student, error) {
	if err := s.Guard.Authorize(claims, guard.RoleIn(models.RoleParent)); err != nil {
		return nil, err
	}
	parentID, err := uuid.Parse(claims.SubjectID())
	if err != nil {
		return nil, guard.ErrUnauthorized
	}
	out, err := s.Repo.ListStudentsForParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Student{}
	}
	return out, nil
}

// Create registers a student profile for an existing account.
func (s *StudentService) Create(ctx context.Context, claims *tokens.Claims, req transport.CreateStudentRequest) (*models.Student, error) {
	l := logging.FromContext(ctx).With("svc", "student.create")

	if err := s.Guard.AuthorizeRole(claims, models.RoleAdmin); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, validationError(err)
	}

	userID := uuid.MustParse(req.UserID)
	if _, err := s.Repo.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	student := &models.Student{
		UserID:    userID,
		FullName:  strings.TrimSpace(req.FullName),
		ClassName: strings.TrimSpace(req.ClassName),
	}
	if req.ParentID != "" {
		parentID := uuid.MustParse(req.ParentID)
		parent, err := s.Repo.GetUserByID(ctx, parentID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		if parent.Role != models.RoleParent {
			return nil, validationError(errors.New("parent_id: account is not a parent"))
		}
		student.ParentID = &parentID
	}

	if err := s.Repo.CreateStudent(ctx, student); err != nil {
		if repo.IsUniqueViolation(err) {
			return nil, ErrConflict
		}
		l.Error("create_student_failed", "status", 500, "error", err)
		return nil, err
	}
	return student, nil
}
