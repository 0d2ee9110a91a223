package transport

import (
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/Skotchmaster/school_portal/internal/models"
)

// bcrypt ignores everything past 72 bytes.
const (
	minPasswordLen = 8
	maxPasswordLen = 72
)

var passwordRules = []validation.Rule{
	validation.Required,
	validation.Length(minPasswordLen, maxPasswordLen),
}

// SelfServiceRoles are the roles an account may pick at registration.
// Staff roles are granted by an admin.
var SelfServiceRoles = []models.Role{models.RoleStudent, models.RoleParent}

func validRole(allowed []models.Role) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		role, ok := models.ParseRole(s)
		if !ok {
			return errors.New("unknown role")
		}
		for _, r := range allowed {
			if r == role {
				return nil
			}
		}
		return errors.New("role not allowed")
	}
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.EmailFormat),
		validation.Field(&r.Password, passwordRules...),
		validation.Field(&r.FullName, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Role, validation.By(validRole(SelfServiceRoles))),
	)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required),
		validation.Field(&r.Password, validation.Required),
	)
}

type VerifyRequest struct {
	Token string `json:"token"`
}

func (r VerifyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Token, validation.Required),
	)
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

func (r ForgotPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.EmailFormat),
	)
}

type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (r ResetPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Token, validation.Required),
		validation.Field(&r.Password, passwordRules...),
	)
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (r ChangePasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CurrentPassword, validation.Required),
		validation.Field(&r.NewPassword,
			validation.Required,
			validation.Length(minPasswordLen, maxPasswordLen),
			validation.NotIn(r.CurrentPassword).Error("must differ from the current password"),
		),
	)
}

type SendMessageRequest struct {
	RecipientID string `json:"recipient_id"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

func (r SendMessageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RecipientID, validation.Required, is.UUID),
		validation.Field(&r.Subject, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Body, validation.Required, validation.Length(1, 10000)),
	)
}

type SetRoleRequest struct {
	Role string `json:"role"`
}

func (r SetRoleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Role, validation.Required, validation.By(validRole(models.AllRoles()))),
	)
}

// NormalizeEmail is applied before any lookup or insert.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type RegisterResult struct {
	UserID   string      `json:"id"`
	Email    string      `json:"email"`
	Role     models.Role `json:"role"`
	Verified bool        `json:"verified"`
}

type LoginResult struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	UserID      string      `json:"user_id"`
	Role        models.Role `json:"role"`
}

type Page[T any] struct {
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Total int64 `json:"total,omitempty"`
	Items []T   `json:"items"`
}

type CreateStudentRequest struct {
	UserID    string `json:"user_id"`
	ParentID  string `json:"parent_id"`
	FullName  string `json:"full_name"`
	ClassName string `json:"class_name"`
}

func (r CreateStudentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.Required, is.UUID),
		validation.Field(&r.ParentID, is.UUID),
		validation.Field(&r.FullName, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.ClassName, validation.Length(0, 50)),
	)
}
