package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jobelix-api/internal/domain"
	"jobelix-api/internal/domain/model"
	"jobelix-api/internal/domain/ports/adapter"
	"jobelix-api/internal/domain/ports/repository"
	"jobelix-api/internal/infra/logging"
	"jobelix-api/internal/infra/metrics"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
)

// Compile-time check
var _ BotSessionUseCase = (*botSessionUC)(nil)

// historicalStatuses are the statuses summed into lifetime totals.
// Failed runs are left out. That matches what the product shipped with, but
// it may not be intended: a failed run still found and applied to jobs.
// Pending product sign-off before changing.
var historicalStatuses = []model.BotSessionStatus{model.BotSessionCompleted, model.BotSessionStopped}

const launchLockTTL = 10 * time.Second

type HeartbeatInput struct {
	SessionID string
	Activity  *string
	Details   json.RawMessage
	Stats     model.SessionStats
}

type CompleteInput struct {
	SessionID    string
	Success      bool
	ErrorMessage *string
	ErrorDetails json.RawMessage
	Stats        model.SessionStats
}

type StatusResult struct {
	Session          *model.BotSession
	HistoricalTotals model.HistoricalTotals
}

// BotSessionUseCase drives the bot session lifecycle:
//
//	starting -> running (heartbeat)
//	starting|running -> completed|failed (complete) | stopped (stop)
//
// Terminal sessions never change again. Every transition is a single
// conditional update; when it does not apply, the row is read back only to
// explain why.
type BotSessionUseCase interface {
	Launch(ctx context.Context, userID string) (*model.BotSession, error)
	Heartbeat(ctx context.Context, userID string, in HeartbeatInput) error
	Complete(ctx context.Context, userID string, in CompleteInput) error
	// Stop reports alreadyStopped=true when the session was stopped before this call.
	Stop(ctx context.Context, userID, sessionID string) (alreadyStopped bool, err error)
	GetStatus(ctx context.Context, userID string) (*StatusResult, error)
}

type botSessionUC struct {
	sessions     repository.BotSessionRepository
	tm           repository.TransactionManager
	locker       adapter.Locker
	recentWindow time.Duration
	log          *zerolog.Logger
}

func NewBotSessionUseCase(
	sessions repository.BotSessionRepository,
	tm repository.TransactionManager,
	locker adapter.Locker,
	recentWindow time.Duration,
	logger *zerolog.Logger,
) *botSessionUC {
	if recentWindow <= 0 {
		recentWindow = 24 * time.Hour
	}
	return &botSessionUC{
		sessions:     sessions,
		tm:           tm,
		locker:       locker,
		recentWindow: recentWindow,
		log:          logger,
	}
}

func (u *botSessionUC) Launch(ctx context.Context, userID string) (*model.BotSession, error) {
	defer logging.TraceDuration(u.log, "BotSessionUC.Launch")()
	if userID == "" {
		return nil, domain.ErrInvalidArgument
	}

	key := "bot_launch:" + userID
	token, err := u.locker.TryLock(ctx, key, launchLockTTL)
	if err != nil {
		if errors.Is(err, adapter.ErrLockNotAcquired) {
			metrics.IncBotSessionConflict("launch", "active")
			return nil, domain.ErrActiveSessionExists
		}
		return nil, fmt.Errorf("acquire launch lock: %w", err)
	}
	defer func() {
		if err := u.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			logging.With(ctx, u.log).Warn().Err(err).Msg("failed to release launch lock")
		}
	}()

	var created *model.BotSession
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		active, err := u.sessions.FindActiveByUser(ctx, tx, userID)
		if err == nil && active != nil {
			return domain.ErrActiveSessionExists
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		s := model.NewBotSession(userID, time.Now().UTC())
		if err := u.sessions.Create(ctx, tx, s); err != nil {
			return err
		}
		created = s
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrActiveSessionExists) {
			metrics.IncBotSessionConflict("launch", "active")
		}
		return nil, err
	}

	metrics.IncBotSessionTransition(string(model.BotSessionStarting))
	logging.With(logging.WithSessID(ctx, created.ID), u.log).Info().Msg("bot session launched")
	return created, nil
}

func (u *botSessionUC) Heartbeat(ctx context.Context, userID string, in HeartbeatInput) error {
	defer logging.TraceDuration(u.log, "BotSessionUC.Heartbeat")()
	if userID == "" || in.SessionID == "" {
		return domain.ErrInvalidArgument
	}

	prev, err := u.sessions.ApplyHeartbeat(ctx, repository.NoTX, in.SessionID, userID, model.HeartbeatUpdate{
		At:       time.Now().UTC(),
		Activity: in.Activity,
		Details:  in.Details,
		Stats:    in.Stats,
	})
	if err != nil {
		return err
	}
	if prev == "" {
		return u.explainRejected(ctx, "heartbeat", userID, in.SessionID)
	}
	metrics.IncBotHeartbeat()
	if prev == model.BotSessionStarting {
		metrics.IncBotSessionTransition(string(model.BotSessionRunning))
	}
	return nil
}

func (u *botSessionUC) Complete(ctx context.Context, userID string, in CompleteInput) error {
	defer logging.TraceDuration(u.log, "BotSessionUC.Complete")()
	if userID == "" || in.SessionID == "" {
		return domain.ErrInvalidArgument
	}

	upd := model.CompletionUpdate{
		At:     time.Now().UTC(),
		Status: model.BotSessionCompleted,
		Stats:  in.Stats,
	}
	if !in.Success {
		upd.Status = model.BotSessionFailed
		upd.ErrorMessage = in.ErrorMessage
		upd.ErrorDetails = in.ErrorDetails
	}

	applied, err := u.sessions.MarkFinished(ctx, repository.NoTX, in.SessionID, userID, upd)
	if err != nil {
		return err
	}
	if !applied {
		return u.explainRejected(ctx, "complete", userID, in.SessionID)
	}

	metrics.IncBotSessionTransition(string(upd.Status))
	logging.With(logging.WithSessID(ctx, in.SessionID), u.log).Info().
		Str("status", string(upd.Status)).Msg("bot session finished")
	return nil
}

func (u *botSessionUC) Stop(ctx context.Context, userID, sessionID string) (bool, error) {
	defer logging.TraceDuration(u.log, "BotSessionUC.Stop")()
	if userID == "" || sessionID == "" {
		return false, domain.ErrInvalidArgument
	}

	applied, err := u.sessions.MarkStopped(ctx, repository.NoTX, sessionID, userID, time.Now().UTC(), model.StoppedByUserMessage)
	if err != nil {
		return false, err
	}
	if applied {
		metrics.IncBotSessionTransition(string(model.BotSessionStopped))
		logging.With(logging.WithSessID(ctx, sessionID), u.log).Info().Msg("bot session stopped by user")
		return false, nil
	}

	s, err := u.sessions.FindByIDForUser(ctx, repository.NoTX, sessionID, userID)
	if err != nil {
		return false, err
	}
	switch s.Status {
	case model.BotSessionStopped:
		return true, nil
	case model.BotSessionCompleted, model.BotSessionFailed:
		metrics.IncBotSessionConflict("stop", "finished")
		return false, domain.ErrSessionFinished
	}
	return false, fmt.Errorf("%w: stop not applied to %s session", domain.ErrOperationFailed, s.Status)
}

func (u *botSessionUC) GetStatus(ctx context.Context, userID string) (*StatusResult, error) {
	defer logging.TraceDuration(u.log, "BotSessionUC.GetStatus")()
	if userID == "" {
		return nil, domain.ErrInvalidArgument
	}

	since := time.Now().UTC().Add(-u.recentWindow)
	latest, err := u.sessions.FindLatestSince(ctx, repository.NoTX, userID, since)
	if err != nil {
		return nil, err
	}
	totals, err := u.sessions.SumTotals(ctx, repository.NoTX, userID, historicalStatuses)
	if err != nil {
		return nil, err
	}
	return &StatusResult{Session: latest, HistoricalTotals: totals}, nil
}

// explainRejected turns a transition that matched no row into the reason
// the caller should act on.
func (u *botSessionUC) explainRejected(ctx context.Context, op, userID, sessionID string) error {
	s, err := u.sessions.FindByIDForUser(ctx, repository.NoTX, sessionID, userID)
	if err != nil {
		return err
	}
	switch s.Status {
	case model.BotSessionStopped:
		metrics.IncBotSessionConflict(op, "stopped")
		return domain.ErrSessionStopped
	case model.BotSessionCompleted, model.BotSessionFailed:
		metrics.IncBotSessionConflict(op, "completed")
		return domain.ErrSessionCompleted
	}
	return fmt.Errorf("%w: %s not applied to %s session", domain.ErrOperationFailed, op, s.Status)
}
