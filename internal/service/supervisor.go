package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"carsync/internal/config"
	"carsync/internal/domain"
)

// Supervisor drives one sync job end to end within the wall-clock
// budget of a single invocation, checkpointing progress so a scheduler
// can resume an interrupted sweep.
type Supervisor struct {
	feed      FeedSource
	listings  ListingStore
	jobs      SyncJobStore
	lifecycle LifecycleManager
	clock     Clock
	logger    *slog.Logger
	cfg       config.SyncConfig
}

func NewSupervisor(
	feed FeedSource,
	listings ListingStore,
	jobs SyncJobStore,
	lifecycle LifecycleManager,
	clock Clock,
	logger *slog.Logger,
	cfg config.SyncConfig,
) *Supervisor {
	return &Supervisor{
		feed:      feed,
		listings:  listings,
		jobs:      jobs,
		lifecycle: lifecycle,
		clock:     clock,
		logger:    logger.With("component", "supervisor"),
		cfg:       cfg,
	}
}

// Run executes one sweep invocation. A failed sweep never removes or
// corrupts cached data; the cache degrades to stale, not empty.
func (s *Supervisor) Run(ctx context.Context, params domain.SyncParams) (*domain.SyncResult, error) {
	start := s.clock.Now()

	stale, err := s.jobs.FailStale(ctx, start.Add(-s.cfg.StaleJobAfter))
	if err != nil {
		s.emit(domain.ReasonDependencyInitFailed, start, 0, 0)
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	if stale > 0 {
		s.logger.Warn("failed stale running jobs", "count", stale)
	}

	running, err := s.jobs.GetRunning(ctx)
	if err != nil {
		s.emit(domain.ReasonDependencyInitFailed, start, 0, 0)
		return nil, fmt.Errorf("check running job: %w", err)
	}
	if running != nil {
		return nil, fmt.Errorf("job %d: %w", running.ID, domain.ErrSyncAlreadyRunning)
	}

	job, err := s.jobs.Create(ctx, params.Type)
	if err != nil {
		// The database-level guard can still lose the race after the
		// check above; that is the single-flight refusal, not a fault.
		if errors.Is(err, domain.ErrSyncAlreadyRunning) {
			return nil, err
		}
		s.emit(domain.ReasonDependencyInitFailed, start, 0, 0)
		return nil, fmt.Errorf("create sync job: %w", err)
	}

	s.logger.Info("sweep started",
		"sync_id", job.ID,
		"type", params.Type,
		"resume", params.Resume,
		"from_page", params.FromPage,
	)

	result, err := s.runSweep(ctx, job, params, start)
	if err != nil {
		msg := err.Error()
		job.Status = domain.SyncFailed
		job.ErrorMessage = &msg
		if ferr := s.jobs.Finalize(ctx, job); ferr != nil {
			s.logger.Error("failed to finalize failed job", "sync_id", job.ID, "error", ferr)
		}
		s.emit(domain.ReasonTopLevelFailure, start, job.RecordsProcessed, job.ErrorsCount)
		return nil, err
	}
	return result, nil
}

func (s *Supervisor) runSweep(ctx context.Context, job *domain.SyncJob, params domain.SyncParams, start time.Time) (*domain.SyncResult, error) {
	sinceMinutes := 0
	if params.Type == domain.SyncIncremental {
		sinceMinutes = params.Minutes
		if sinceMinutes == 0 {
			sinceMinutes = s.cfg.IncrementalMinutes
		}
	}

	firstPage := 1
	if params.Resume && params.FromPage > 1 {
		firstPage = params.FromPage
	}

	// Page-one probe establishes the page count for this sweep.
	probe, err := s.feed.FetchPage(ctx, firstPage, sinceMinutes)
	if err != nil {
		return nil, fmt.Errorf("probe page %d: %w", firstPage, err)
	}
	lastPage := probe.LastPage
	job.TotalPages = lastPage

	sw := newSweepState()
	s.processRecords(ctx, probe.Records, sw)
	job.CurrentPage = firstPage
	s.checkpoint(ctx, job, sw)

	reason := domain.ReasonNaturalCompletion
	timeLimited := false

	for groupStart := firstPage + 1; groupStart <= lastPage; groupStart += s.cfg.PageConcurrency {
		// The budget check declines new work; in-flight requests are
		// never forcibly cancelled.
		if s.clock.Now().Sub(start) >= s.cfg.MaxExecution {
			timeLimited = true
			reason = domain.ReasonExecutionTimeLimit
			s.logger.Warn("execution budget exhausted, checkpointing",
				"sync_id", job.ID,
				"current_page", job.CurrentPage,
				"last_page", lastPage,
			)
			break
		}

		groupEnd := min(groupStart+s.cfg.PageConcurrency-1, lastPage)

		g, gctx := errgroup.WithContext(ctx)
		for page := groupStart; page <= groupEnd; page++ {
			page := page
			g.Go(func() error {
				fp, err := s.feed.FetchPage(gctx, page, sinceMinutes)
				if err != nil {
					// Page-level failure isolation: record and move on.
					s.logger.Error("page failed after retries", "page", page, "error", err)
					sw.addPageError(fmt.Sprintf("page %d: %v", page, err))
					return nil
				}
				s.processRecords(gctx, fp.Records, sw)
				return nil
			})
		}
		_ = g.Wait()

		job.CurrentPage = groupEnd
		s.checkpoint(ctx, job, sw)

		if sw.pageErrorCount() > s.cfg.PageErrorCap {
			return nil, fmt.Errorf("page errors (%d) exceed cap (%d)", sw.pageErrorCount(), s.cfg.PageErrorCap)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if !timeLimited && firstPage > 1 {
		// A resumed invocation that finished its page segment without
		// covering the whole sweep.
		reason = domain.ReasonBatchComplete
	}

	// Reconciliation needs the full seen-set of an entire feed pass, so
	// it is gated on a sweep that started at page 1 and was not cut off
	// by the budget. Partial and resumed invocations skip it.
	job.SweepComplete = !timeLimited && firstPage == 1
	failedPages := sw.pageErrorCount()
	if params.Type == domain.SyncFull && job.SweepComplete {
		archived, err := s.lifecycle.ReconcileSweep(ctx, sw.seenIDs(), s.clock.Now())
		if err != nil {
			s.logger.Error("reconciliation failed", "sync_id", job.ID, "error", err)
			sw.addPageError(fmt.Sprintf("reconcile: %v", err))
		} else {
			job.ArchivedLotsProcessed += int(archived)
		}

		promoted, err := s.lifecycle.PromoteGraceToRemoved(ctx, s.clock.Now())
		if err != nil {
			s.logger.Error("grace promotion failed", "sync_id", job.ID, "error", err)
		} else {
			job.ArchivedLotsProcessed += promoted
		}
	}

	records, cars, errsCount := sw.totals()

	// A page lost after client retries is counted by its estimated
	// record share so the finalized counts reflect the gap, and its
	// message lands on the job row.
	perPage := len(probe.Records)
	if perPage == 0 {
		perPage = 1
	}
	lost := failedPages * perPage
	errsCount += lost

	if msgs := sw.pageErrorList(); len(msgs) > 0 {
		msg := strings.Join(msgs, "; ")
		job.ErrorMessage = &msg
	}

	job.RecordsProcessed = records
	job.CarsProcessed = cars
	job.ErrorsCount = errsCount

	errorRate := 0.0
	if total := records + lost; total > 0 {
		errorRate = float64(errsCount) / float64(total)
	}

	job.Status = domain.SyncCompleted
	if errsCount > 0 && errorRate >= s.cfg.ErrorRateThreshold {
		job.Status = domain.SyncCompletedWithErrors
	}

	if err := s.jobs.Finalize(ctx, job); err != nil {
		return nil, fmt.Errorf("finalize job: %w", err)
	}

	s.emit(reason, start, records, errsCount)

	result := &domain.SyncResult{
		Success:               true,
		SyncID:                job.ID,
		Reason:                reason,
		CarsProcessed:         cars,
		ArchivedLotsProcessed: job.ArchivedLotsProcessed,
		ErrorsCount:           errsCount,
		SuccessRate:           1 - errorRate,
		CompletedAt:           *job.CompletedAt,
		Elapsed:               s.clock.Now().Sub(start),
	}
	if timeLimited {
		result.NextPage = job.CurrentPage + 1
	}
	return result, nil
}

func (s *Supervisor) checkpoint(ctx context.Context, job *domain.SyncJob, sw *sweepState) {
	records, cars, errsCount := sw.totals()
	job.RecordsProcessed = records
	job.CarsProcessed = cars
	job.ErrorsCount = errsCount

	// Checkpoint failures are logged, not fatal: the sweep itself is
	// still making progress, only resumability degrades.
	if err := s.jobs.UpdateProgress(ctx, job); err != nil {
		s.logger.Error("failed to checkpoint progress", "sync_id", job.ID, "error", err)
	}
}

// emit publishes the structured shutdown event. Observability only.
func (s *Supervisor) emit(reason domain.ShutdownReason, start time.Time, records, errsCount int) {
	s.logger.Info("sweep shutdown",
		"reason", reason,
		"elapsed", s.clock.Now().Sub(start),
		"records_processed", records,
		"errors", errsCount,
	)
}
