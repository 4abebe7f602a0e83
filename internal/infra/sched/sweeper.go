package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweepable is anything holding expiring in-memory state: the token
// cache, the in-process rate limiters and the in-process launch locker.
type Sweepable interface {
	Sweep(ctx context.Context) (int, error)
}

// SweepWorker periodically evicts expired entries from its targets.
type SweepWorker struct {
	interval time.Duration
	targets  map[string]Sweepable
	log      *zerolog.Logger
}

func NewSweepWorker(interval time.Duration, targets map[string]Sweepable, logger *zerolog.Logger) *SweepWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	compLog := logger.With().Str("component", "SweepWorker").Logger()
	return &SweepWorker{
		interval: interval,
		targets:  targets,
		log:      &compLog,
	}
}

func (w *SweepWorker) Run(ctx context.Context) error {
	w.log.Info().Int("targets", len(w.targets)).Msg("Starting sweep worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping sweep worker")
			return ctx.Err()
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs every target once and returns the total evicted.
func (w *SweepWorker) SweepOnce(ctx context.Context) int {
	total := 0
	for name, t := range w.targets {
		n, err := t.Sweep(ctx)
		if err != nil {
			w.log.Error().Err(err).Str("target", name).Msg("sweep failed")
			continue
		}
		if n > 0 {
			w.log.Debug().Str("target", name).Int("count", n).Msg("expired entries evicted")
		}
		total += n
	}
	return total
}
