package scheduler

import (
	"context"
	"log/slog"
	"time"

	"carsync/internal/domain"
)

// SyncStarter triggers one supervisor invocation. In production this
// is the retry coordinator, so every scheduled sweep gets the same
// classification and backoff policy as a manual trigger.
type SyncStarter interface {
	StartSync(ctx context.Context, params domain.SyncParams) (*domain.SyncResult, error)
}

type Scheduler struct {
	starter            SyncStarter
	interval           time.Duration
	incrementalMinutes int
	logger             *slog.Logger
}

func NewScheduler(starter SyncStarter, interval time.Duration, incrementalMinutes int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		starter:            starter,
		interval:           interval,
		incrementalMinutes: incrementalMinutes,
		logger:             logger.With("component", "scheduler"),
	}
}

// Start runs a full sweep immediately, then incremental sweeps on the
// ticker until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)

	s.runSweep(ctx, domain.SyncParams{Type: domain.SyncFull})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runSweep(ctx, domain.SyncParams{
				Type:    domain.SyncIncremental,
				Minutes: s.incrementalMinutes,
			})
		}
	}
}

// runSweep drives one logical sweep to completion, re-invoking with
// the checkpointed page whenever an invocation stops on its execution
// budget.
func (s *Scheduler) runSweep(ctx context.Context, params domain.SyncParams) {
	for {
		result, err := s.starter.StartSync(ctx, params)
		if err != nil {
			s.logger.Error("sweep failed", "type", params.Type, "error", err)
			return
		}

		if result.Reason != domain.ReasonExecutionTimeLimit {
			s.logger.Info("sweep completed",
				"sync_id", result.SyncID,
				"type", params.Type,
				"cars_processed", result.CarsProcessed,
				"archived", result.ArchivedLotsProcessed,
				"errors", result.ErrorsCount,
			)
			return
		}

		if ctx.Err() != nil {
			return
		}
		s.logger.Info("sweep hit execution budget, resuming",
			"sync_id", result.SyncID,
			"from_page", result.NextPage,
		)
		params.Resume = true
		params.FromPage = result.NextPage
	}
}
