package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quantlab/alphaflow/internal/postgres"
)

// Janitor sweeps tasks stranded mid-flight by a dead process: SCHEDULED
// reservations that were never dispatched and RUNNING rows nobody will
// settle. Swept rows go back to PENDING for the schedulers to pick up
// again.
type Janitor struct {
	store    postgres.TaskStore
	logger   *slog.Logger
	schedule cron.Schedule
	stale    time.Duration
}

// NewJanitor parses spec as a standard 5-field cron expression and
// sweeps stale rows older than staleAfter on that cadence.
func NewJanitor(store postgres.TaskStore, spec string, staleAfter time.Duration, logger *slog.Logger) (*Janitor, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("engine: invalid janitor schedule %q: %w", spec, err)
	}
	return &Janitor{
		store:    store,
		logger:   logger,
		schedule: schedule,
		stale:    staleAfter,
	}, nil
}

// Run sweeps on the configured cadence until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		next := j.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}

		if err := j.Sweep(ctx); err != nil {
			j.logger.Error("sweep failed", slog.String("error", err.Error()))
		}
	}
}

// Sweep requeues stale rows once.
func (j *Janitor) Sweep(ctx context.Context) error {
	n, err := j.store.SweepStale(ctx, j.stale)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("requeued stale tasks", slog.Int("count", n))
	}
	return nil
}
