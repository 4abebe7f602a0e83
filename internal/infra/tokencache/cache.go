// Package tokencache memoizes successful API token lookups for a bounded time
// in process memory. It backs token resolution when Redis is not configured.
//
// One Cache is built at process start and handed to whoever resolves tokens;
// a sched.Sweeper calls Sweep periodically so expired entries do not pile up
// between lookups.
package tokencache

import (
	"context"
	"sync"
	"time"

	"jobelix-api/internal/infra/metrics"
)

const metricName = "api_token"

type entry struct {
	userID  string
	expires time.Time
}

type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the user id cached for a token hash.
func (c *Cache) Get(_ context.Context, hash string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[hash]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		metrics.IncCacheRequest(metricName, "miss")
		return "", false
	}
	metrics.IncCacheRequest(metricName, "hit")
	return e.userID, true
}

func (c *Cache) Set(_ context.Context, hash, userID string) {
	c.mu.Lock()
	c.entries[hash] = entry{userID: userID, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops a hash, e.g. after the token was revoked.
func (c *Cache) Invalidate(_ context.Context, hash string) {
	c.mu.Lock()
	delete(c.entries, hash)
	c.mu.Unlock()
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache) Sweep(_ context.Context) (int, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		metrics.AddCacheEvictions(metricName, n)
	}
	return n, nil
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
