package redis

import (
	"context"
	"errors"
	"time"

	"jobelix-api/internal/infra/logging"
	"jobelix-api/internal/infra/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const tokenCacheMetric = "api_token"

// TokenCache shares resolved API token owners across replicas. Keys expire
// through Redis TTLs, so it needs no sweeping. A Redis error reads as a miss
// and the caller falls through to Postgres.
type TokenCache struct {
	client RedisClient
	ttl    time.Duration
	log    *zerolog.Logger
}

func NewTokenCache(client RedisClient, ttl time.Duration, logger *zerolog.Logger) *TokenCache {
	return &TokenCache{client: client, ttl: ttl, log: logger}
}

func TokenCacheKey(hash string) string { return "api_token:" + hash }

func (c *TokenCache) Get(ctx context.Context, hash string) (string, bool) {
	userID, err := c.client.Get(ctx, TokenCacheKey(hash))
	if err != nil || userID == "" {
		if err != nil && !errors.Is(err, redis.Nil) {
			logging.With(ctx, c.log).Warn().Err(err).Msg("token cache read failed")
		}
		metrics.IncCacheRequest(tokenCacheMetric, "miss")
		return "", false
	}
	metrics.IncCacheRequest(tokenCacheMetric, "hit")
	return userID, true
}

func (c *TokenCache) Set(ctx context.Context, hash, userID string) {
	if err := c.client.Set(ctx, TokenCacheKey(hash), userID, c.ttl); err != nil {
		logging.With(ctx, c.log).Warn().Err(err).Msg("token cache write failed")
	}
}

// Invalidate drops a hash, e.g. after the token was revoked.
func (c *TokenCache) Invalidate(ctx context.Context, hash string) error {
	return c.client.Del(ctx, TokenCacheKey(hash))
}
