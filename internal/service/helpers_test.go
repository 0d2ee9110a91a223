package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Skotchmaster/school_portal/internal/audit"
	"github.com/Skotchmaster/school_portal/internal/events"
	"github.com/Skotchmaster/school_portal/internal/guard"
	"github.com/Skotchmaster/school_portal/internal/hash"
	"github.com/Skotchmaster/school_portal/internal/models"
	"github.com/Skotchmaster/school_portal/internal/ratelimit"
	"github.com/Skotchmaster/school_portal/internal/repo"
	"github.com/Skotchmaster/school_portal/internal/storetest"
	"github.com/Skotchmaster/school_portal/internal/tokens"
	"github.com/Skotchmaster/school_portal/internal/transport"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) PublishEvent(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// last returns the most recent event of the given type.
func (p *recordingPublisher) last(typ string) (events.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == typ {
			return p.events[i], true
		}
	}
	return events.Event{}, false
}

func (p *recordingPublisher) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type testEnv struct {
	repo     *repo.GormRepo
	clock    *testClock
	issuer   *tokens.Issuer
	guard    *guard.Guard
	auth     *AuthService
	messages *MessageService
	students *StudentService
	events   *recordingPublisher
	audit    *audit.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	r := repo.New(storetest.InitTestDB(t))
	clock := &testClock{t: time.Now().UTC().Truncate(time.Second)}
	iss, err := tokens.NewIssuer([]byte("service-test-secret"), tokens.WithClock(clock.Now))
	require.NoError(t, err)

	pub := &recordingPublisher{}
	mem := audit.NewMemory()

	auth := NewAuthService(r, hash.New(bcrypt.MinCost), iss)
	auth.Now = clock.Now
	auth.Events = pub
	auth.Audit = mem
	auth.Limiter = ratelimit.NewMemory(3, 15*time.Minute, clock.Now)

	g := guard.New(iss)
	return &testEnv{
		repo:     r,
		clock:    clock,
		issuer:   iss,
		guard:    g,
		auth:     auth,
		messages: &MessageService{Repo: r, Guard: g, Now: clock.Now},
		students: &StudentService{Repo: r, Guard: g},
		events:   pub,
		audit:    mem,
	}
}

// registerVerified creates an account and confirms it with the token taken
// from the registration event.
func (e *testEnv) registerVerified(t *testing.T, email string, role models.Role) *models.User {
	t.Helper()
	ctx := context.Background()

	requested := role.String()
	switch role {
	case models.RoleAdmin:
		e.auth.AdminEmail = email
		requested = ""
	case models.RoleTeacher:
		requested = ""
	}
	res, err := e.auth.Register(ctx, transport.RegisterRequest{
		Email:    email,
		Password: "initial-password",
		FullName: "Test " + role.String(),
		Role:     requested,
	})
	require.NoError(t, err)

	ev, ok := e.events.last(events.TypeUserRegistered)
	require.True(t, ok)
	require.Equal(t, res.UserID, ev.UserID)
	require.NoError(t, e.auth.VerifyAccount(ctx, transport.VerifyRequest{Token: ev.Token}))

	if res.Role != role {
		_, err = e.auth.SetRole(ctx, res.UserID, transport.SetRoleRequest{Role: role.String()})
		require.NoError(t, err)
	}

	user, err := e.repo.FindUserByEmail(ctx, res.Email)
	require.NoError(t, err)
	require.Equal(t, role, user.Role)
	return user
}

func claimsFor(u *models.User) *tokens.Claims {
	c := &tokens.Claims{Role: u.Role}
	c.Subject = u.ID.String()
	return c
}
