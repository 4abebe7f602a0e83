package sched

import (
	"context"
	"time"

	"jobelix-api/internal/infra/metrics"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

// PoolStatter is satisfied by *pgxpool.Pool.
type PoolStatter interface {
	Stat() *pgxpool.Stat
}

// PoolStatsWorker publishes connection pool gauges.
type PoolStatsWorker struct {
	interval time.Duration
	pool     PoolStatter
	log      *zerolog.Logger
}

func NewPoolStatsWorker(interval time.Duration, pool PoolStatter, logger *zerolog.Logger) *PoolStatsWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	compLog := logger.With().Str("component", "PoolStatsWorker").Logger()
	return &PoolStatsWorker{interval: interval, pool: pool, log: &compLog}
}

func (w *PoolStatsWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting pool stats worker")
	w.report()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping pool stats worker")
			return ctx.Err()
		case <-ticker.C:
			w.report()
		}
	}
}

func (w *PoolStatsWorker) report() {
	st := w.pool.Stat()
	metrics.SetDBPoolStats(st.MaxConns(), st.TotalConns(), st.IdleConns(), st.AcquiredConns())
}
