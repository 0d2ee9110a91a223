// Package ratelimit counts failed logins per key inside a fixed window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 15 * time.Minute
	keyPrefix          = "login_fail:"
)

// Limiter decides whether another login attempt for a key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Fail(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// LoginKey normalizes an email so that case and padding do not open a
// fresh window.
func LoginKey(email string) string {
	return keyPrefix + strings.ToLower(strings.TrimSpace(email))
}

func normalize(max int, window time.Duration) (int, time.Duration) {
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return max, window
}

type Redis struct {
	rdb    *redis.Client
	max    int
	window time.Duration
}

func NewRedis(rdb *redis.Client, maxAttempts int, window time.Duration) *Redis {
	maxAttempts, window = normalize(maxAttempts, window)
	return &Redis{rdb: rdb, max: maxAttempts, window: window}
}

func (l *Redis) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("ratelimit: get: %w", err)
	}
	return n < l.max, nil
}

// Fail counts one failure. INCR and EXPIRE NX run in one MULTI so a counter
// never exists without a TTL. The window starts at the first failure and is
// not extended by later ones.
func (l *Redis) Fail(ctx context.Context, key string) error {
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ratelimit: fail: %w", err)
	}
	return nil
}

func (l *Redis) Reset(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ratelimit: del: %w", err)
	}
	return nil
}

type entry struct {
	count int
	until time.Time
}

// Memory is a single-process Limiter.
type Memory struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	entries map[string]entry
}

func NewMemory(maxAttempts int, window time.Duration, now func() time.Time) *Memory {
	maxAttempts, window = normalize(maxAttempts, window)
	if now == nil {
		now = time.Now
	}
	return &Memory{max: maxAttempts, window: window, now: now, entries: map[string]entry{}}
}

func (l *Memory) current(key string) entry {
	e, ok := l.entries[key]
	if ok && !l.now().Before(e.until) {
		delete(l.entries, key)
		return entry{}
	}
	return e
}

func (l *Memory) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current(key).count < l.max, nil
}

func (l *Memory) Fail(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.current(key)
	if e.count == 0 {
		e.until = l.now().Add(l.window)
	}
	e.count++
	l.entries[key] = e
	return nil
}

func (l *Memory) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

type Nop struct{}

func (Nop) Allow(context.Context, string) (bool, error) { return true, nil }
func (Nop) Fail(context.Context, string) error          { return nil }
func (Nop) Reset(context.Context, string) error         { return nil }
