package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/school_portal/internal/audit"
	"github.com/Skotchmaster/school_portal/internal/events"
	"github.com/Skotchmaster/school_portal/internal/guard"
	"github.com/Skotchmaster/school_portal/internal/models"
	"github.com/Skotchmaster/school_portal/internal/tokens"
	"github.com/Skotchmaster/school_portal/internal/transport"
)

func login(env *testEnv, email, password string) (*transport.LoginResult, error) {
	return env.auth.Login(context.Background(), transport.LoginRequest{Email: email, Password: password})
}

func TestAuthService_RegisterVerifyLogin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.auth.Register(ctx, transport.RegisterRequest{
		Email:    "  Ann@School.Test ",
		Password: "correct horse",
		FullName: "Ann Lee",
		Role:     "parent",
	})
	require.NoError(t, err)
	assert.Equal(t, "ann@school.test", res.Email)
	assert.Equal(t, models.RoleParent, res.Role)
	assert.False(t, res.Verified)

	ev, ok := env.events.last(events.TypeUserRegistered)
	require.True(t, ok)
	assert.NotEmpty(t, ev.Token)
	require.NotNil(t, ev.ExpiresAt)
	assert.WithinDuration(t, env.clock.Now().Add(DefaultVerificationTokenTTL), *ev.ExpiresAt, time.Second)

	stored, err := env.repo.FindUserByEmail(ctx, "ann@school.test")
	require.NoError(t, err)
	require.NotNil(t, stored.VerificationTokenHash)
	assert.Equal(t, tokens.HashOneTimeToken(ev.Token), *stored.VerificationTokenHash)
	assert.NotEqual(t, "correct horse", stored.PasswordHash)

	_, err = login(env, "ann@school.test", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "unverified accounts cannot log in")

	require.NoError(t, env.auth.VerifyAccount(ctx, transport.VerifyRequest{Token: ev.Token}))
	assert.ErrorIs(t, env.auth.VerifyAccount(ctx, transport.VerifyRequest{Token: ev.Token}), tokens.ErrInvalidToken)

	session, err := login(env, "ANN@school.test", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", session.TokenType)
	assert.Equal(t, models.RoleParent, session.Role)

	claims, err := env.issuer.VerifySession(session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.UserID, claims.SubjectID())
	assert.Equal(t, models.RoleParent, claims.Role)
	assert.WithinDuration(t, env.clock.Now().Add(tokens.DefaultSessionTTL), claims.ExpiresAt.Time, time.Second)

	assert.Equal(t, 1, env.events.count(events.TypeAccountVerified))
	assert.Equal(t, 1, env.events.count(events.TypeUserLoggedIn))
}

func TestAuthService_Register_Conflict(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	req := transport.RegisterRequest{Email: "dup@school.test", Password: "password-1", FullName: "Dup"}
	_, err := env.auth.Register(ctx, req)
	require.NoError(t, err)

	req.Email = "DUP@school.test"
	_, err = env.auth.Register(ctx, req)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, env.events.count(events.TypeUserRegistered))
}

func TestAuthService_Register_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  transport.RegisterRequest
	}{
		{"empty email", transport.RegisterRequest{Password: "password-1", FullName: "A"}},
		{"short password", transport.RegisterRequest{Email: "a@school.test", Password: "short", FullName: "A"}},
		{"admin role", transport.RegisterRequest{Email: "a@school.test", Password: "password-1", FullName: "A", Role: "admin"}},
		{"teacher role", transport.RegisterRequest{Email: "a@school.test", Password: "password-1", FullName: "A", Role: "teacher"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Register(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestAuthService_Register_DefaultsAndAdminEmail(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.auth.AdminEmail = "Head@School.Test"

	res, err := env.auth.Register(ctx, transport.RegisterRequest{Email: "pupil@school.test", Password: "password-1", FullName: "Pupil"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleStudent, res.Role)

	res, err = env.auth.Register(ctx, transport.RegisterRequest{Email: "head@school.test", Password: "password-1", FullName: "Head"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, res.Role)
}

func TestAuthService_Register_NoSelfServiceStaff(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	parent := env.registerVerified(t, "parent@school.test", models.RoleParent)
	kid := env.registerVerified(t, "kid@school.test", models.RoleStudent)
	st := &models.Student{UserID: kid.ID, ParentID: &parent.ID, FullName: "Kid", ClassName: "3A"}
	require.NoError(t, env.repo.CreateStudent(ctx, st))

	_, err := env.auth.Register(ctx, transport.RegisterRequest{
		Email: "stranger@elsewhere.test", Password: "password-1", FullName: "Stranger", Role: "teacher",
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 2, env.events.count(events.TypeUserRegistered))

	stranger := env.registerVerified(t, "stranger@elsewhere.test", models.RoleStudent)
	got, err := env.students.Get(ctx, claimsFor(stranger), st.ID.String())
	assert.ErrorIs(t, err, guard.ErrForbidden)
	assert.Nil(t, got)
}

func TestAuthService_Login_NoOracle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.registerVerified(t, "known@school.test", models.RoleTeacher)

	_, unknownErr := login(env, "unknown@school.test", "initial-password")
	_, wrongErr := login(env, "known@school.test", "wrong-password")

	require.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	require.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())

	_, err := login(env, "", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAuthService_Login_Throttled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.registerVerified(t, "slow@school.test", models.RoleStudent)

	for range 3 {
		_, err := login(env, "slow@school.test", "wrong-password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := login(env, "slow@school.test", "initial-password")
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	env.clock.Advance(15 * time.Minute)
	_, err = login(env, "slow@school.test", "initial-password")
	require.NoError(t, err)

	_, failures, err := env.audit.Search(context.Background(), audit.Query{Type: events.TypeUserLoggedIn, Size: 100})
	require.NoError(t, err)
	reasons := map[string]int{}
	for _, e := range failures {
		if e.Outcome == audit.OutcomeFailure {
			reasons[e.Reason]++
		}
	}
	assert.Equal(t, 3, reasons["wrong password"])
	assert.Equal(t, 1, reasons["throttled"])
}

func TestAuthService_Login_SuccessResetsFailures(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.registerVerified(t, "reset@school.test", models.RoleStudent)

	for range 2 {
		_, _ = login(env, "reset@school.test", "wrong-password")
	}
	_, err := login(env, "reset@school.test", "initial-password")
	require.NoError(t, err)

	for range 2 {
		_, _ = login(env, "reset@school.test", "wrong-password")
	}
	_, err = login(env, "reset@school.test", "initial-password")
	assert.NoError(t, err)
}

func TestAuthService_PasswordResetFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "forgot@school.test", models.RoleParent)

	require.NoError(t, env.auth.RequestPasswordReset(ctx, transport.ForgotPasswordRequest{Email: "nobody@school.test"}))
	assert.Zero(t, env.events.count(events.TypePasswordResetRequested))

	require.NoError(t, env.auth.RequestPasswordReset(ctx, transport.ForgotPasswordRequest{Email: "Forgot@School.test"}))
	ev, ok := env.events.last(events.TypePasswordResetRequested)
	require.True(t, ok)
	require.NotNil(t, ev.ExpiresAt)
	assert.WithinDuration(t, env.clock.Now().Add(DefaultResetTokenTTL), *ev.ExpiresAt, time.Second)

	require.NoError(t, env.auth.ResetPassword(ctx, transport.ResetPasswordRequest{Token: ev.Token, Password: "brand-new-password"}))

	err := env.auth.ResetPassword(ctx, transport.ResetPasswordRequest{Token: ev.Token, Password: "another-password"})
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)

	_, err = login(env, "forgot@school.test", "initial-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = login(env, "forgot@school.test", "brand-new-password")
	assert.NoError(t, err)
}

func TestAuthService_ResetTokenExpires(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "late@school.test", models.RoleStudent)

	require.NoError(t, env.auth.RequestPasswordReset(ctx, transport.ForgotPasswordRequest{Email: "late@school.test"}))
	ev, _ := env.events.last(events.TypePasswordResetRequested)

	env.clock.Advance(DefaultResetTokenTTL)
	err := env.auth.ResetPassword(ctx, transport.ResetPasswordRequest{Token: ev.Token, Password: "too-late-password"})
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)

	_, err = login(env, "late@school.test", "initial-password")
	assert.NoError(t, err)
}

func TestAuthService_TokensArePurposeBound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.auth.Register(ctx, transport.RegisterRequest{Email: "new@school.test", Password: "password-1", FullName: "New"})
	require.NoError(t, err)
	ev, _ := env.events.last(events.TypeUserRegistered)

	err = env.auth.ResetPassword(ctx, transport.ResetPasswordRequest{Token: ev.Token, Password: "hijacked-password"})
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)

	assert.ErrorIs(t, env.auth.VerifyAccount(ctx, transport.VerifyRequest{Token: "not-a-token"}), tokens.ErrInvalidToken)
	assert.ErrorIs(t, env.auth.VerifyAccount(ctx, transport.VerifyRequest{}), ErrValidation)
}

func TestAuthService_ConcurrentResetOnlyOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "race@school.test", models.RoleStudent)

	require.NoError(t, env.auth.RequestPasswordReset(ctx, transport.ForgotPasswordRequest{Email: "race@school.test"}))
	ev, _ := env.events.last(events.TypePasswordResetRequested)

	var wins, invalid atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.auth.ResetPassword(ctx, transport.ResetPasswordRequest{Token: ev.Token, Password: "racing-password"})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, tokens.ErrInvalidToken):
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 7, invalid.Load())
	assert.Equal(t, 1, env.events.count(events.TypePasswordReset))
}

func TestAuthService_ChangePassword(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.registerVerified(t, "change@school.test", models.RoleTeacher)

	err := env.auth.ChangePassword(ctx, user.ID.String(), transport.ChangePasswordRequest{CurrentPassword: "wrong-password", NewPassword: "next-password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = env.auth.ChangePassword(ctx, user.ID.String(), transport.ChangePasswordRequest{CurrentPassword: "initial-password", NewPassword: "initial-password"})
	assert.ErrorIs(t, err, ErrValidation)

	err = env.auth.ChangePassword(ctx, uuid.NewString(), transport.ChangePasswordRequest{CurrentPassword: "initial-password", NewPassword: "next-password"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, env.auth.ChangePassword(ctx, user.ID.String(), transport.ChangePasswordRequest{CurrentPassword: "initial-password", NewPassword: "next-password"}))
	_, err = login(env, "change@school.test", "next-password")
	assert.NoError(t, err)
	assert.Equal(t, 1, env.events.count(events.TypePasswordChanged))
}

func TestAuthService_MeAndSetRole(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.registerVerified(t, "promote@school.test", models.RoleStudent)

	me, err := env.auth.Me(ctx, user.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "promote@school.test", me.Email)
	assert.True(t, me.Verified)

	_, err = env.auth.Me(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := env.auth.SetRole(ctx, user.ID.String(), transport.SetRoleRequest{Role: "teacher"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleTeacher, updated.Role)

	_, err = env.auth.SetRole(ctx, user.ID.String(), transport.SetRoleRequest{Role: "root"})
	assert.ErrorIs(t, err, ErrValidation)

	session, err := login(env, "promote@school.test", "initial-password")
	require.NoError(t, err)
	assert.Equal(t, models.RoleTeacher, session.Role)
}

type stalledRecorder struct {
	calls atomic.Int32
	err   atomic.Value
}

func (r *stalledRecorder) Record(ctx context.Context, _ audit.Event) error {
	r.calls.Add(1)
	<-ctx.Done()
	r.err.Store(ctx.Err())
	return ctx.Err()
}

func TestAuthService_AuditWriteIsBounded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.registerVerified(t, "slow@school.test", models.RoleStudent)

	rec := &stalledRecorder{}
	env.auth.Audit = rec
	env.auth.AuditTimeout = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := login(env, "slow@school.test", "initial-password")
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("login blocked on the audit store")
	}
	assert.EqualValues(t, 1, rec.calls.Load())
	assert.ErrorIs(t, rec.err.Load().(error), context.DeadlineExceeded)
}

func TestAuthService_AuditCarriesRemoteIP(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := audit.WithRemoteIP(context.Background(), "192.0.2.10")

	_, err := env.auth.Login(ctx, transport.LoginRequest{Email: "ghost@school.test", Password: "whatever"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, got, err := env.audit.Search(ctx, audit.Query{Type: events.TypeUserLoggedIn})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "192.0.2.10", got[0].RemoteIP)
	assert.Equal(t, "unknown email", got[0].Reason)
}
