// Package lock provides short-lived exclusive claims keyed by string, used to
// keep a queue entry in at most one orchestration pass at a time.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"orbit/internal/domain"
)

// ErrHeld means another owner holds the key.
var ErrHeld = errors.New("lock held by another owner")

// Lease is a held claim. Release is safe to call more than once.
type Lease struct {
	Key   string
	Token string

	once    sync.Once
	release func(ctx context.Context) error
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	var err error
	l.once.Do(func() { err = l.release(ctx) })
	return err
}

type Locker interface {
	// TryLock claims key for ttl or returns ErrHeld.
	TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// EntryKey is the claim key of a queue entry.
func EntryKey(entryID string) string { return "orbit:claim:entry:" + entryID }

// Memory is an in-process Locker with expiring claims.
type Memory struct {
	mu   sync.Mutex
	held map[string]memClaim
	now  domain.Clock
}

type memClaim struct {
	token   string
	expires time.Time
}

func NewMemory(now domain.Clock) *Memory {
	return &Memory{held: map[string]memClaim{}, now: now}
}

func (m *Memory) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, domain.Invalid("ttl", "must be positive")
	}
	now := m.now.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.held[key]; ok && now.Before(c.expires) {
		return nil, ErrHeld
	}
	token := domain.NewID()
	m.held[key] = memClaim{token: token, expires: now.Add(ttl)}
	return &Lease{Key: key, Token: token, release: func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.held[key]; ok && c.token == token {
			delete(m.held, key)
		}
		return nil
	}}, nil
}
