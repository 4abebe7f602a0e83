package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"jobelix-api/internal/domain/model"
	"jobelix-api/internal/domain/ports/repository"
)

var _ repository.BotSessionRepository = (*botSessionRepo)(nil)

type botSessionRepo struct{ pool *pgxpool.Pool }

func NewBotSessionRepo(pool *pgxpool.Pool) *botSessionRepo {
	return &botSessionRepo{pool: pool}
}

const botSessionColumns = `id, user_id, status, current_activity, activity_details::text,
  jobs_found, jobs_applied, jobs_failed, credits_used,
  created_at, last_heartbeat_at, completed_at, error_message, error_details::text`

func (r *botSessionRepo) Create(ctx context.Context, tx repository.Tx, s *model.BotSession) error {
	const q = `
INSERT INTO bot_sessions (id, user_id, status, current_activity, activity_details,
  jobs_found, jobs_applied, jobs_failed, credits_used, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10);`

	_, err := execSQL(ctx, r.pool, tx, q,
		s.ID, s.UserID, string(s.Status), s.CurrentActivity, jsonParam(s.ActivityDetails),
		s.JobsFound, s.JobsApplied, s.JobsFailed, s.CreditsUsed, s.CreatedAt)
	return mapWriteErr(err)
}

func (r *botSessionRepo) FindByIDForUser(ctx context.Context, tx repository.Tx, id, userID string) (*model.BotSession, error) {
	q := `SELECT ` + botSessionColumns + ` FROM bot_sessions WHERE id=$1 AND user_id=$2`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	row, err := pickRow(ctx, r.pool, tx, q+";", id, userID)
	if err != nil {
		return nil, err
	}
	return scanBotSession(row)
}

func (r *botSessionRepo) FindActiveByUser(ctx context.Context, tx repository.Tx, userID string) (*model.BotSession, error) {
	const q = `SELECT ` + botSessionColumns + ` FROM bot_sessions
WHERE user_id=$1 AND status IN ('starting','running')
ORDER BY created_at DESC LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, userID)
	if err != nil {
		return nil, err
	}
	return scanBotSession(row)
}

func (r *botSessionRepo) ApplyHeartbeat(ctx context.Context, tx repository.Tx, id, userID string, u model.HeartbeatUpdate) (model.BotSessionStatus, error) {
	// prev locks the row, so the status it returns is the one being replaced.
	const q = `
WITH prev AS (
    SELECT id, status FROM bot_sessions
     WHERE id = $1 AND user_id = $2
       AND status <> ALL($10)
       FOR UPDATE
)
UPDATE bot_sessions b
   SET status = 'running',
       last_heartbeat_at = $3,
       current_activity = COALESCE($4, b.current_activity),
       activity_details = COALESCE($5::jsonb, b.activity_details),
       jobs_found = COALESCE($6, b.jobs_found),
       jobs_applied = COALESCE($7, b.jobs_applied),
       jobs_failed = COALESCE($8, b.jobs_failed),
       credits_used = COALESCE($9, b.credits_used)
  FROM prev
 WHERE b.id = prev.id
RETURNING prev.status;`

	row, err := pickRow(ctx, r.pool, tx, q, id, userID, u.At, u.Activity, jsonParam(u.Details),
		u.Stats.JobsFound, u.Stats.JobsApplied, u.Stats.JobsFailed, u.Stats.CreditsUsed,
		statusStrings(model.TerminalStatuses))
	if err != nil {
		return "", err
	}
	var prev string
	if err := row.Scan(&prev); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", mapWriteErr(err)
	}
	return model.BotSessionStatus(prev), nil
}

func (r *botSessionRepo) MarkFinished(ctx context.Context, tx repository.Tx, id, userID string, u model.CompletionUpdate) (bool, error) {
	const q = `
UPDATE bot_sessions
   SET status = $3,
       completed_at = $4,
       last_heartbeat_at = $4,
       error_message = COALESCE($5, error_message),
       error_details = COALESCE($6::jsonb, error_details),
       jobs_found = COALESCE($7, jobs_found),
       jobs_applied = COALESCE($8, jobs_applied),
       jobs_failed = COALESCE($9, jobs_failed),
       credits_used = COALESCE($10, credits_used)
 WHERE id = $1 AND user_id = $2
   AND status <> ALL($11);`

	cmd, err := execSQL(ctx, r.pool, tx, q, id, userID, string(u.Status), u.At, u.ErrorMessage, jsonParam(u.ErrorDetails),
		u.Stats.JobsFound, u.Stats.JobsApplied, u.Stats.JobsFailed, u.Stats.CreditsUsed,
		statusStrings(model.TerminalStatuses))
	if err != nil {
		return false, mapWriteErr(err)
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *botSessionRepo) MarkStopped(ctx context.Context, tx repository.Tx, id, userID string, at time.Time, reason string) (bool, error) {
	const q = `
UPDATE bot_sessions
   SET status = 'stopped', completed_at = $3, error_message = $4
 WHERE id = $1 AND user_id = $2
   AND status <> ALL($5);`

	cmd, err := execSQL(ctx, r.pool, tx, q, id, userID, at, reason, statusStrings(model.TerminalStatuses))
	if err != nil {
		return false, mapWriteErr(err)
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *botSessionRepo) FindLatestSince(ctx context.Context, tx repository.Tx, userID string, since time.Time) (*model.BotSession, error) {
	const q = `SELECT ` + botSessionColumns + ` FROM bot_sessions
WHERE user_id=$1 AND created_at >= $2
ORDER BY created_at DESC LIMIT 1;`
	rows, err := queryRows(ctx, r.pool, tx, q, userID, since)
	if err != nil {
		return nil, mapWriteErr(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, mapScanErr(err)
		}
		return nil, nil
	}
	return scanBotSession(rows)
}

func (r *botSessionRepo) SumTotals(ctx context.Context, tx repository.Tx, userID string, statuses []model.BotSessionStatus) (model.HistoricalTotals, error) {
	const q = `
SELECT COALESCE(SUM(jobs_found),0), COALESCE(SUM(jobs_applied),0),
       COALESCE(SUM(jobs_failed),0), COALESCE(SUM(credits_used),0)
  FROM bot_sessions
 WHERE user_id=$1 AND status = ANY($2);`

	var t model.HistoricalTotals
	row, err := pickRow(ctx, r.pool, tx, q, userID, statusStrings(statuses))
	if err != nil {
		return t, err
	}
	if err := row.Scan(&t.JobsFound, &t.JobsApplied, &t.JobsFailed, &t.CreditsUsed); err != nil {
		return model.HistoricalTotals{}, mapScanErr(err)
	}
	return t, nil
}

func scanBotSession(row pgx.Row) (*model.BotSession, error) {
	var (
		s              model.BotSession
		status         string
		details, errDt *string
	)
	err := row.Scan(&s.ID, &s.UserID, &status, &s.CurrentActivity, &details,
		&s.JobsFound, &s.JobsApplied, &s.JobsFailed, &s.CreditsUsed,
		&s.CreatedAt, &s.LastHeartbeatAt, &s.CompletedAt, &s.ErrorMessage, &errDt)
	if err != nil {
		return nil, mapScanErr(err)
	}
	s.Status = model.BotSessionStatus(status)
	s.ActivityDetails = rawJSON(details)
	s.ErrorDetails = rawJSON(errDt)
	return &s, nil
}

func statusStrings(in []model.BotSessionStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func jsonParam(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func rawJSON(s *string) json.RawMessage {
	if s == nil {
		return nil
	}
	return json.RawMessage(*s)
}
