package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"jobelix-api/internal/domain/model"
	"jobelix-api/internal/domain/ports/repository"
)

var _ repository.ApiTokenRepository = (*apiTokenRepo)(nil)

type apiTokenRepo struct{ pool *pgxpool.Pool }

func NewApiTokenRepo(pool *pgxpool.Pool) *apiTokenRepo {
	return &apiTokenRepo{pool: pool}
}

func (r *apiTokenRepo) FindUserIDByTokenHash(ctx context.Context, tx repository.Tx, hash string) (string, error) {
	const q = `SELECT user_id FROM api_tokens WHERE token_hash=$1 AND revoked_at IS NULL LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, hash)
	if err != nil {
		return "", err
	}
	var userID string
	if err := row.Scan(&userID); err != nil {
		return "", mapScanErr(err)
	}
	return userID, nil
}

func (r *apiTokenRepo) TouchLastUsed(ctx context.Context, tx repository.Tx, hash string, at time.Time) error {
	const q = `UPDATE api_tokens SET last_used_at=$2 WHERE token_hash=$1;`
	_, err := execSQL(ctx, r.pool, tx, q, hash, at)
	return mapWriteErr(err)
}

// Save inserts a token row; used by seeding and tests.
func (r *apiTokenRepo) Save(ctx context.Context, tx repository.Tx, t *model.ApiToken) error {
	const q = `
INSERT INTO api_tokens (id, user_id, token_hash, created_at, last_used_at, revoked_at)
VALUES ($1, $2, $3, $4, $5, $6);`
	_, err := execSQL(ctx, r.pool, tx, q, t.ID, t.UserID, t.TokenHash, t.CreatedAt, t.LastUsedAt, t.RevokedAt)
	return mapWriteErr(err)
}

// Revoke marks a live token revoked and reports whether a row changed.
func (r *apiTokenRepo) Revoke(ctx context.Context, tx repository.Tx, hash string, at time.Time) (bool, error) {
	const q = `UPDATE api_tokens SET revoked_at=$2 WHERE token_hash=$1 AND revoked_at IS NULL;`
	cmd, err := execSQL(ctx, r.pool, tx, q, hash, at)
	if err != nil {
		return false, mapWriteErr(err)
	}
	return cmd.RowsAffected() == 1, nil
}
