package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Skotchmaster/school_portal/internal/audit"
	"github.com/Skotchmaster/school_portal/internal/events"
	"github.com/Skotchmaster/school_portal/internal/hash"
	"github.com/Skotchmaster/school_portal/internal/logging"
	"github.com/Skotchmaster/school_portal/internal/models"
	"github.com/Skotchmaster/school_portal/internal/ratelimit"
	"github.com/Skotchmaster/school_portal/internal/repo"
	"github.com/Skotchmaster/school_portal/internal/tokens"
	"github.com/Skotchmaster/school_portal/internal/transport"
)

const (
	DefaultResetTokenTTL        = time.Hour
	DefaultVerificationTokenTTL = 48 * time.Hour

	publishTimeout      = 5 * time.Second
	DefaultAuditTimeout = 2 * time.Second
)

// AuthService runs the account flows: registration and its confirmation,
// login, and the password reset and change flows.
type AuthService struct {
	Repo   *repo.GormRepo
	Hasher *hash.Hasher
	Issuer *tokens.Issuer

	Events  events.Publisher
	Audit   audit.Recorder
	Limiter ratelimit.Limiter

	SessionTTL           time.Duration
	ResetTokenTTL        time.Duration
	VerificationTokenTTL time.Duration
	// AuditTimeout bounds each audit write so a slow store cannot stall a login.
	AuditTimeout time.Duration
	// AdminEmail, when set, is registered with the admin role.
	AdminEmail string
	Now        func() time.Time

	oneTime *tokens.OneTimeVerifier

	dummyOnce sync.Once
	dummyHash string
}

func NewAuthService(r *repo.GormRepo, h *hash.Hasher, iss *tokens.Issuer) *AuthService {
	s := &AuthService{
		Repo:                 r,
		Hasher:               h,
		Issuer:               iss,
		Events:               events.Nop{},
		Audit:                audit.Nop{},
		Limiter:              ratelimit.Nop{},
		SessionTTL:           tokens.DefaultSessionTTL,
		ResetTokenTTL:        DefaultResetTokenTTL,
		VerificationTokenTTL: DefaultVerificationTokenTTL,
		AuditTimeout:         DefaultAuditTimeout,
		Now:                  time.Now,
	}
	s.oneTime = tokens.NewOneTimeVerifier(r, s.now)
	return s
}

func (s *AuthService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func validationError(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

func (s *AuthService) publish(ctx context.Context, l *slog.Logger, ev events.Event) {
	ev.OccurredAt = s.now().UTC()
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.Events.PublishEvent(ctx, ev.UserID, ev); err != nil {
		l.Error("kafka_publish_failed", "type", ev.Type, "error", err)
	}
}

func (s *AuthService) record(ctx context.Context, l *slog.Logger, e audit.Event) {
	e.At = s.now().UTC()
	e.RemoteIP = audit.RemoteIP(ctx)
	timeout := s.AuditTimeout
	if timeout <= 0 {
		timeout = DefaultAuditTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.Audit.Record(ctx, e); err != nil {
		l.Warn("audit_record_failed", "type", e.Type, "error", err)
	}
}

// issueOneTime stores a fresh token for purpose and returns the raw value,
// which only ever leaves the process inside an event.
func (s *AuthService) issueOneTime(ctx context.Context, userID uuid.UUID, purpose models.TokenPurpose, ttl time.Duration) (string, time.Time, error) {
	token, err := tokens.NewOneTimeToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := s.now().Add(ttl).UTC()
	if err := s.Repo.SetOneTimeToken(ctx, userID, purpose, tokens.HashOneTimeToken(token), expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (s *AuthService) Register(ctx context.Context, req transport.RegisterRequest) (*transport.RegisterResult, error) {
	l := logging.FromContext(ctx).With("svc", "auth.register")

	req.Email = transport.NormalizeEmail(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	if err := req.Validate(); err != nil {
		l.Warn("register_error", "status", 400, "error", err)
		return nil, validationError(err)
	}

	role := models.RoleStudent
	if req.Role != "" {
		role, _ = models.ParseRole(req.Role)
	}
	if s.AdminEmail != "" && req.Email == transport.NormalizeEmail(s.AdminEmail) {
		role = models.RoleAdmin
	}

	pwHash, err := s.Hasher.Hash(req.Password)
	if err != nil {
		l.Error("register_error", "status", 500, "reason", "cannot hash the password", "error", err)
		return nil, err
	}

	user := models.User{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: pwHash,
		Role:         role,
	}
	if err := s.Repo.CreateUserIfNotExists(ctx, &user); err != nil {
		if errors.Is(err, repo.ErrUserAlreadyExist) {
			l.Warn("register_error", "status", 409, "reason", "user already exist")
			return nil, ErrConflict
		}
		l.Error("register_error", "status", 500, "error", err)
		return nil, err
	}

	token, expiresAt, err := s.issueOneTime(ctx, user.ID, models.PurposeVerification, s.VerificationTokenTTL)
	if err != nil {
		l.Error("register_error", "status", 500, "reason", "cannot issue verification token", "error", err)
		return nil, err
	}

	s.publish(ctx, l, events.Event{
		Type:      events.TypeUserRegistered,
		UserID:    user.ID.String(),
		Email:     user.Email,
		Role:      user.Role.String(),
		Token:     token,
		ExpiresAt: &expiresAt,
	})
	s.record(ctx, l, audit.Event{
		Type:    events.TypeUserRegistered,
		Outcome: audit.OutcomeSuccess,
		UserID:  user.ID.String(),
		Email:   user.Email,
	})
	l.Info("user_registered", "user_id", user.ID, "role", user.Role)

	return &transport.RegisterResult{
		UserID:   user.ID.String(),
		Email:    user.Email,
		Role:     user.Role,
		Verified: user.Verified,
	}, nil
}

// burnHash keeps unknown-email logins roughly as slow as wrong-password ones.
func (s *AuthService) burnHash(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.Hasher.Hash("not-a-real-password")
	})
	s.Hasher.Verify(password, s.dummyHash)
}

func (s *AuthService) loginFailed(ctx context.Context, l *slog.Logger, key, email, userID, reason string) error {
	if err := s.Limiter.Fail(ctx, key); err != nil {
		l.Warn("ratelimit_error", "error", err)
	}
	l.Warn("login_failed", "status", 401, "reason", reason)
	s.record(ctx, l, audit.Event{
		Type:    events.TypeUserLoggedIn,
		Outcome: audit.OutcomeFailure,
		UserID:  userID,
		Email:   email,
		Reason:  reason,
	})
	return ErrInvalidCredentials
}

// Login never tells the caller whether the email exists or whether the
// account is still unverified.
func (s *AuthService) Login(ctx context.Context, req transport.LoginRequest) (*transport.LoginResult, error) {
	req.Email = transport.NormalizeEmail(req.Email)
	l := logging.FromContext(ctx).With("svc", "auth.login")

	if err := req.Validate(); err != nil {
		l.Warn("login_failed", "status", 400, "error", err)
		return nil, validationError(err)
	}

	key := ratelimit.LoginKey(req.Email)
	allowed, err := s.Limiter.Allow(ctx, key)
	if err != nil {
		l.Warn("ratelimit_error", "error", err)
		allowed = true
	}
	if !allowed {
		l.Warn("login_failed", "status", 429, "reason", "throttled")
		s.record(ctx, l, audit.Event{
			Type:    events.TypeUserLoggedIn,
			Outcome: audit.OutcomeFailure,
			Email:   req.Email,
			Reason:  "throttled",
		})
		return nil, ErrTooManyAttempts
	}

	user, err := s.Repo.FindUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.burnHash(req.Password)
			return nil, s.loginFailed(ctx, l, key, req.Email, "", "unknown email")
		}
		l.Error("login_failed", "status", 500, "error", err)
		return nil, err
	}

	if !s.Hasher.Verify(req.Password, user.PasswordHash) {
		return nil, s.loginFailed(ctx, l, key, req.Email, user.ID.String(), "wrong password")
	}
	if !user.Verified {
		l.Warn("login_failed", "status", 401, "reason", "unverified")
		s.record(ctx, l, audit.Event{
			Type:    events.TypeUserLoggedIn,
			Outcome: audit.OutcomeFailure,
			UserID:  user.ID.String(),
			Email:   user.Email,
			Reason:  "unverified",
		})
		return nil, ErrInvalidCredentials
	}

	if err := s.Limiter.Reset(ctx, key); err != nil {
		l.Warn("ratelimit_error", "error", err)
	}

	expiresAt := s.now().Add(s.SessionTTL).UTC()
	token, err := s.Issuer.IssueSession(tokens.Subject{ID: user.ID.String(), Role: user.Role}, s.SessionTTL)
	if err != nil {
		l.Error("login_failed", "status", 500, "reason", "cannot issue session", "error", err)
		return nil, err
	}

	s.publish(ctx, l, events.Event{
		Type:   events.TypeUserLoggedIn,
		UserID: user.ID.String(),
		Email:  user.Email,
		Role:   user.Role.String(),
	})
	s.record(ctx, l, audit.Event{
		Type:    events.TypeUserLoggedIn,
		Outcome: audit.OutcomeSuccess,
		UserID:  user.ID.String(),
		Email:   user.Email,
	})
	l.Info("login_successful", "user_id", user.ID)

	return &transport.LoginResult{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		UserID:      user.ID.String(),
		Role:        user.Role,
	}, nil
}

// checkOneTime verifies a raw token and collapses every verdict other than
// an infrastructure failure into tokens.ErrInvalidToken.
func (s *AuthService) checkOneTime(ctx context.Context, purpose models.TokenPurpose, token string) (*models.User, error) {
	user, err := s.oneTime.Verify(ctx, purpose, token)
	if err != nil {
		if errors.Is(err, tokens.ErrInvalidToken) {
			return nil, tokens.ErrInvalidToken
		}
		return nil, err
	}
	return user, nil
}

func (s *AuthService) VerifyAccount(ctx context.Context, req transport.VerifyRequest) error {
	l := logging.FromContext(ctx).With("svc", "auth.verify")

	if err := req.Validate(); err != nil {
		return validationError(err)
	}

	if _, err := s.checkOneTime(ctx, models.PurposeVerification, req.Token); err != nil {
		l.Warn("verify_failed", "error", err)
		return err
	}

	user, err := s.Repo.ConsumeVerification(ctx, tokens.HashOneTimeToken(req.Token), s.now())
	if err != nil {
		if errors.Is(err, repo.ErrTokenNotConsumable) {
			l.Warn("verify_failed", "reason", "token already consumed")
			return tokens.ErrInvalidToken
		}
		l.Error("verify_failed", "status", 500, "error", err)
		return err
	}

	s.publish(ctx, l, events.Event{
		Type:   events.TypeAccountVerified,
		UserID: user.ID.String(),
		Email:  user.Email,
		Role:   user.Role.String(),
	})
	s.record(ctx, l, audit.Event{
		Type:    events.TypeAccountVerified,
		Outcome: audit.OutcomeSuccess,
		UserID:  user.ID.String(),
		Email:   user.Email,
	})
	l.Info("account_verified", "user_id", user.ID)
	return nil
}

// RequestPasswordReset succeeds for unknown emails too.
func (s *AuthService) RequestPasswordReset(ctx context.Context, req transport.ForgotPasswordRequest) error {
	l := logging.FromContext(ctx).With("svc", "auth.forgot")

	req.Email = transport.NormalizeEmail(req.Email)
	if err := req.Validate(); err != nil {
		return validationError(err)
	}

	user, err := s.Repo.FindUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			l.Info("reset_requested_unknown_email")
			s.record(ctx, l, audit.Event{
				Type:    events.TypePasswordResetRequested,
				Outcome: audit.OutcomeFailure,
				Email:   req.Email,
				Reason:  "unknown email",
			})
			return nil
		}
		l.Error("reset_request_failed", "status", 500, "error", err)
		return err
	}

	token, expiresAt, err := s.issueOneTime(ctx, user.ID, models.PurposeReset, s.ResetTokenTTL)
	if err != nil {
		l.Error("reset_request_failed", "status", 500, "reason", "cannot issue reset token", "error", err)
		return err
	}

	s.publish(ctx, l, events.Event{
		Type:      events.TypePasswordResetRequested,
		UserID:    user.ID.String(),
		Email:     user.Email,
		Token:     token,
		ExpiresAt: &expiresAt,
	})
	s.record(ctx, l, audit.Event{
		Type:    events.TypePasswordResetRequested,
		Outcome: audit.OutcomeSuccess,
		UserID:  user.ID.String(),
		Email:   user.Email,
	})
	return nil
}

// ResetPassword consumes the reset token and stores the new hash in one
// atomic step; a token can set a password at most once.
func (s *AuthService) ResetPassword(ctx context.Context, req transport.ResetPasswordRequest) error {
	l := logging.FromContext(ctx).With("svc", "auth.reset")

	if err := req.Validate(); err != nil {
		return validationError(err)
	}

	if _, err := s.checkOneTime(ctx, models.PurposeReset, req.Token); err != nil {
		l.Warn("reset_failed", "error", err)
		return err
	}

	pwHash, err := s.Hasher.Hash(req.Password)
	if err != nil {
		l.Error("reset_failed", "status", 500, "reason", "cannot hash the password", "error", err)
		return err
	}

	user, err := s.Repo.ConsumeReset(ctx, tokens.HashOneTimeToken(req.Token), s.now(), pwHash)
	if err != nil {
		if errors.Is(err, repo.ErrTokenNotConsumable) {
			l.Warn("reset_failed", "reason", "token already consumed")
			return tokens.ErrInvalidToken
		}
		l.Error("reset_failed", "status", 500, "error", err)
		return err
	}

	if err := s.Limiter.Reset(ctx, ratelimit.LoginKey(user.Email)); err != nil {
		l.Warn("ratelimit_error", "error", err)
	}

	s.publish(ctx, l, events.Event{
		Type:   events.TypePasswordReset,
		UserID: user.ID.String(),
		Email:  user.Email,
	})
	s.record(ctx, l, audit.Event{
		Type:    events.TypePasswordReset,
		Outcome: audit.OutcomeSuccess,
		UserID:  user.ID.String(),
		Email:   user.Email,
	})
	l.Info("password_reset", "user_id", user.ID)
	return nil
}

func (s *AuthService) ChangePassword(ctx context.Context, userID string, req transport.ChangePasswordRequest) error {
	l := logging.FromContext(ctx).With("svc", "auth.change_password", "user_id", userID)

	if err := req.Validate(); err != nil {
		return validationError(err)
	}

	user, err := s.user(ctx, userID)
	if err != nil {
		return err
	}

	if !s.Hasher.Verify(req.CurrentPassword, user.PasswordHash) {
		l.Warn("change_password_failed", "status", 401, "reason", "wrong current password")
		s.record(ctx, l, audit.Event{
			Type:    events.TypePasswordChanged,
			Outcome: audit.OutcomeFailure,
			UserID:  user.ID.String(),
			Email:   user.Email,
			Reason:  "wrong current password",
		})
		return ErrInvalidCredentials
	}

	pwHash, err := s.Hasher.Hash(req.NewPassword)
	if err != nil {
		return err
	}
	if err := s.Repo.UpdatePasswordHash(ctx, user.ID, pwHash); err != nil {
		l.Error("change_password_failed", "status", 500, "error", err)
		return err
	}

	s.publish(ctx, l, events.Event{
		Type:   events.TypePasswordChanged,
		UserID: user.ID.String(),
		Email:  user.Email,
	})
	s.record(ctx, l, audit.Event{
		Type:    events.TypePasswordChanged,
		Outcome: audit.OutcomeSuccess,
		UserID:  user.ID.String(),
		Email:   user.Email,
	})
	return nil
}

// Me returns the account behind a session subject.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.User, error) {
	return s.user(ctx, userID)
}

func (s *AuthService) SetRole(ctx context.Context, userID string, req transport.SetRoleRequest) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "auth.set_role", "user_id", userID)

	if err := req.Validate(); err != nil {
		return nil, validationError(err)
	}
	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	role, _ := models.ParseRole(req.Role)
	if err := s.Repo.SetRole(ctx, user.ID, role); err != nil {
		l.Error("set_role_failed", "status", 500, "error", err)
		return nil, err
	}
	l.Info("role_changed", "from", user.Role, "to", role)
	user.Role = role
	return user, nil
}

func (s *AuthService) user(ctx context.Context, userID string) (*models.User, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, ErrNotFound
	}
	user, err := s.Repo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}
