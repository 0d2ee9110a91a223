package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"     json:"id"`
	Email        string    `gorm:"uniqueIndex;not null"     json:"email"`
	FullName     string    `gorm:"not null"                 json:"full_name"`
	PasswordHash string    `gorm:"not null"                 json:"-"`
	Role         Role      `gorm:"not null"                 json:"role"`
	Verified     bool      `gorm:"default:false"            json:"verified"`

	VerificationTokenHash *string    `gorm:"uniqueIndex" json:"-"`
	VerificationExpiresAt *time.Time `json:"-"`
	ResetTokenHash        *string    `gorm:"uniqueIndex" json:"-"`
	ResetExpiresAt        *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Student links a student account to the parent allowed to see it.
type Student struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"  json:"id"`
	UserID    uuid.UUID  `gorm:"type:uuid;uniqueIndex" json:"user_id"`
	ParentID  *uuid.UUID `gorm:"type:uuid;index"       json:"parent_id,omitempty"`
	FullName  string     `gorm:"not null"              json:"full_name"`
	ClassName string     `json:"class_name"`
	CreatedAt time.Time  `json:"created_at"`
}

func (s *Student) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

type Message struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SenderID    uuid.UUID  `gorm:"type:uuid;index"      json:"sender_id"`
	RecipientID uuid.UUID  `gorm:"type:uuid;index"      json:"recipient_id"`
	Subject     string     `gorm:"not null"             json:"subject"`
	Body        string     `gorm:"not null"             json:"body"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func All() []any {
	return []any{&User{}, &Student{}, &Message{}}
}

// OneTimeToken returns the stored digest and expiry for the given purpose.
func (u *User) OneTimeToken(purpose TokenPurpose) (*string, *time.Time) {
	switch purpose {
	case PurposeVerification:
		return u.VerificationTokenHash, u.VerificationExpiresAt
	case PurposeReset:
		return u.ResetTokenHash, u.ResetExpiresAt
	default:
		return nil, nil
	}
}
