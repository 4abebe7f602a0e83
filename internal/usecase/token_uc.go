package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"jobelix-api/internal/domain"
	"jobelix-api/internal/domain/model"
	"jobelix-api/internal/domain/ports/adapter"
	"jobelix-api/internal/domain/ports/repository"
	"jobelix-api/internal/infra/logging"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ TokenUseCase = (*tokenUC)(nil)

// TokenUseCase maps the automation process's bearer token to its owner.
type TokenUseCase interface {
	Resolve(ctx context.Context, token string) (userID string, err error)
}

// TokenCache is satisfied by tokencache.Cache and, when Redis is
// configured, by redis.TokenCache. Cache failures read as misses.
type TokenCache interface {
	Get(ctx context.Context, hash string) (string, bool)
	Set(ctx context.Context, hash, userID string)
}

type tokenUC struct {
	tokens repository.ApiTokenRepository
	cache  TokenCache
	bg     adapter.TaskSubmitter
	log    *zerolog.Logger
}

// NewTokenUseCase builds the validator. cache and bg may be nil; without bg
// last_used_at is written inline.
func NewTokenUseCase(tokens repository.ApiTokenRepository, cache TokenCache, bg adapter.TaskSubmitter, logger *zerolog.Logger) *tokenUC {
	return &tokenUC{tokens: tokens, cache: cache, bg: bg, log: logger}
}

// Resolve returns domain.ErrUnauthorized for empty, unknown or revoked tokens.
func (u *tokenUC) Resolve(ctx context.Context, token string) (string, error) {
	defer logging.TraceDuration(u.log, "TokenUC.Resolve")()

	token = strings.TrimSpace(token)
	if token == "" {
		return "", domain.ErrUnauthorized
	}
	hash := model.HashToken(token)
	if u.cache != nil {
		if userID, ok := u.cache.Get(ctx, hash); ok {
			return userID, nil
		}
	}

	userID, err := u.tokens.FindUserIDByTokenHash(ctx, repository.NoTX, hash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.ErrUnauthorized
		}
		return "", err
	}
	if u.cache != nil {
		u.cache.Set(ctx, hash, userID)
	}
	u.touch(ctx, hash)
	return userID, nil
}

// touch records last use. It only runs on cache misses, so last_used_at
// is accurate to within the cache TTL.
func (u *tokenUC) touch(ctx context.Context, hash string) {
	at := time.Now().UTC()
	l := logging.With(ctx, u.log)
	if u.bg == nil {
		if err := u.tokens.TouchLastUsed(ctx, repository.NoTX, hash, at); err != nil {
			l.Warn().Err(err).Msg("failed to touch api token last_used_at")
		}
		return
	}
	err := u.bg.Submit(func(ctx context.Context) error {
		return u.tokens.TouchLastUsed(ctx, repository.NoTX, hash, at)
	})
	if err != nil {
		l.Debug().Err(err).Msg("last_used_at update skipped")
	}
}
