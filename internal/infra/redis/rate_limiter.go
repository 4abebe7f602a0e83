package redis

import (
	"context"
	"fmt"
	"time"

	"jobelix-api/internal/domain/ports/adapter"
)

var _ adapter.Limiter = (*RateLimiter)(nil)

// RateLimiter is a fixed-window counter: INCR, and EXPIRE on the first hit.
type RateLimiter struct {
	client RedisClient
	prefix string
	limit  int
	window time.Duration
}

func NewRateLimiter(client RedisClient, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := RateLimitKey(r.prefix, key)
	count, err := r.client.Incr(ctx, k)
	if err != nil {
		return false, err
	}

	if count == 1 {
		if err := r.client.Expire(ctx, k, r.window); err != nil {
			return false, err
		}
	}

	return count <= int64(r.limit), nil
}

func RateLimitKey(prefix, key string) string {
	return fmt.Sprintf("rate_limit:%s:%s", prefix, key)
}
