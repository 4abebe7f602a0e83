package adapter

import (
	"context"
	"errors"
	"time"
)

var ErrLockNotAcquired = errors.New("lock not acquired")

// Locker serializes work on a key across processes.
type Locker interface {
	// TryLock returns a token to pass to Unlock, or ErrLockNotAcquired.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}
