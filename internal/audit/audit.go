// Package audit keeps a searchable trail of authentication outcomes.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/Skotchmaster/school_portal/internal/util"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Event struct {
	Type     string    `json:"type"`
	Outcome  string    `json:"outcome"`
	UserID   string    `json:"user_id,omitempty"`
	Email    string    `json:"email,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	RemoteIP string    `json:"remote_ip,omitempty"`
	At       time.Time `json:"at"`
}

type Query struct {
	UserID string
	Type   string
	Page   int
	Size   int
}

type Recorder interface {
	Record(ctx context.Context, e Event) error
}

type Searcher interface {
	Search(ctx context.Context, q Query) (int64, []Event, error)
}

type Store interface {
	Recorder
	Searcher
}

// Memory is an in-process Store, newest events first on search.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Search(_ context.Context, q Query) (int64, []Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		matches = append(matches, e)
	}

	from, size := util.Calculate(q.Page, q.Size)
	total := int64(len(matches))
	if from >= len(matches) {
		return total, []Event{}, nil
	}
	end := min(from+size, len(matches))
	return total, matches[from:end], nil
}

type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
func (Nop) Search(context.Context, Query) (int64, []Event, error) {
	return 0, []Event{}, nil
}

type remoteIPKey struct{}

// WithRemoteIP attaches the client address so that events recorded further
// down the call chain carry it.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, remoteIPKey{}, ip)
}

func RemoteIP(ctx context.Context) string {
	ip, _ := ctx.Value(remoteIPKey{}).(string)
	return ip
}
