// Package inproc holds single-process stand-ins for the Redis-backed
// limiter and locker, used when no Redis is configured.
package inproc

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobelix-api/internal/domain/ports/adapter"
)

var _ adapter.Limiter = (*Limiter)(nil)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key. Buckets idle for longer than
// idleTTL are dropped by Sweep.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	every   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

// NewLimiter allows perWindow events per window with bursts up to perWindow.
func NewLimiter(perWindow int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		every:   rate.Limit(float64(perWindow) / window.Seconds()),
		burst:   perWindow,
		idleTTL: 2 * window,
		now:     time.Now,
	}
}

func (l *Limiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1), nil
}

// Sweep removes idle buckets and returns how many were dropped.
func (l *Limiter) Sweep(_ context.Context) (int, error) {
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n, nil
}
