//go:build !integration

package redis

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// kvRedis implements the key/value subset of RedisClient.
type kvRedis struct {
	RedisClient
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newKVRedis() *kvRedis {
	return &kvRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *kvRedis) Get(ctx context.Context, key string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *kvRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value.(string)
	m.ttls[key] = expiration
	return nil
}

func (m *kvRedis) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func silentLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

func TestTokenCache_GetSetInvalidate(t *testing.T) {
	ctx := context.Background()
	kv := newKVRedis()
	c := NewTokenCache(kv, 5*time.Minute, silentLogger())

	if _, ok := c.Get(ctx, "h1"); ok {
		t.Fatal("empty cache must miss")
	}

	c.Set(ctx, "h1", "user-1")
	if got := kv.ttls[TokenCacheKey("h1")]; got != 5*time.Minute {
		t.Errorf("ttl not passed to redis: %v", got)
	}
	userID, ok := c.Get(ctx, "h1")
	if !ok || userID != "user-1" {
		t.Errorf("expected user-1 hit, got %q %v", userID, ok)
	}

	if err := c.Invalidate(ctx, "h1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := c.Get(ctx, "h1"); ok {
		t.Error("invalidated hash must miss")
	}
}

func TestTokenCache_RedisErrorsReadAsMiss(t *testing.T) {
	ctx := context.Background()
	kv := newKVRedis()
	kv.values[TokenCacheKey("h1")] = "user-1"
	kv.getErr = errors.New("connection refused")
	kv.setErr = errors.New("connection refused")
	c := NewTokenCache(kv, time.Minute, silentLogger())

	if _, ok := c.Get(ctx, "h1"); ok {
		t.Error("read failure must be reported as a miss")
	}
	c.Set(ctx, "h2", "user-2")
	if _, stored := kv.values[TokenCacheKey("h2")]; stored {
		t.Error("failed write must not be stored")
	}
}
