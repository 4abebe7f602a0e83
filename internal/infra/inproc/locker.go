package inproc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobelix-api/internal/domain/ports/adapter"
)

var _ adapter.Locker = (*Locker)(nil)

type held struct {
	token   string
	expires time.Time
}

// Locker is a process-local lock table with per-key expiry. Expired locks
// that were never released are dropped by Sweep.
type Locker struct {
	mu    sync.Mutex
	locks map[string]held
	now   func() time.Time
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]held), now: time.Now}
}

func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (string, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.locks[key]; ok && now.Before(h.expires) {
		return "", adapter.ErrLockNotAcquired
	}
	token := uuid.NewString()
	l.locks[key] = held{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (l *Locker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.locks[key]; ok && h.token == token {
		delete(l.locks, key)
	}
	return nil
}

// Sweep removes expired locks and returns how many were dropped.
func (l *Locker) Sweep(_ context.Context) (int, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, h := range l.locks {
		if !now.Before(h.expires) {
			delete(l.locks, k)
			n++
		}
	}
	return n, nil
}
