package repository

import (
	"context"
	"time"

	"jobelix-api/internal/domain/model"
)

// BotSessionRepository persists bot sessions. Every method is scoped to the
// owning user; a session owned by someone else behaves exactly like a missing one.
type BotSessionRepository interface {
	Create(ctx context.Context, tx Tx, s *model.BotSession) error
	FindByIDForUser(ctx context.Context, tx Tx, id, userID string) (*model.BotSession, error)
	// FindActiveByUser returns the newest starting/running session or domain.ErrNotFound.
	FindActiveByUser(ctx context.Context, tx Tx, userID string) (*model.BotSession, error)

	// The transition methods below update the row only while it is not terminal
	// and report whether a row was changed. ApplyHeartbeat reports it as the
	// status the row had before the update, or "" when nothing changed.
	ApplyHeartbeat(ctx context.Context, tx Tx, id, userID string, u model.HeartbeatUpdate) (model.BotSessionStatus, error)
	MarkFinished(ctx context.Context, tx Tx, id, userID string, u model.CompletionUpdate) (bool, error)
	MarkStopped(ctx context.Context, tx Tx, id, userID string, at time.Time, reason string) (bool, error)

	// FindLatestSince returns nil, nil when the user has no session newer than since.
	FindLatestSince(ctx context.Context, tx Tx, userID string, since time.Time) (*model.BotSession, error)
	SumTotals(ctx context.Context, tx Tx, userID string, statuses []model.BotSessionStatus) (model.HistoricalTotals, error)
}
