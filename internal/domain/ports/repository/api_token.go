package repository

import (
	"context"
	"time"
)

type ApiTokenRepository interface {
	// FindUserIDByTokenHash returns domain.ErrNotFound for unknown or revoked tokens.
	FindUserIDByTokenHash(ctx context.Context, tx Tx, hash string) (string, error)
	TouchLastUsed(ctx context.Context, tx Tx, hash string, at time.Time) error
}
