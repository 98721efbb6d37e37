package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"carsync/internal/config"
	"carsync/internal/domain"
	"carsync/internal/service/mocks"
	"carsync/internal/source/auctionfeed"
)

// fakeClock replays a fixed sequence of instants, repeating the last
// one, so budget checks are deterministic.
type fakeClock struct {
	mu    sync.Mutex
	times []time.Time
	idx   int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx < len(c.times) {
		t := c.times[c.idx]
		c.idx++
		return t
	}
	return c.times[len(c.times)-1]
}

func constantClock(t time.Time) *fakeClock {
	return &fakeClock{times: []time.Time{t}}
}

type SupervisorTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	feed      *mocks.MockFeedSource
	listings  *mocks.MockListingStore
	jobs      *mocks.MockSyncJobStore
	lifecycle *mocks.MockLifecycleManager

	cfg    config.SyncConfig
	logger *slog.Logger
	base   time.Time
}

func (s *SupervisorTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.feed = mocks.NewMockFeedSource(s.ctrl)
	s.listings = mocks.NewMockListingStore(s.ctrl)
	s.jobs = mocks.NewMockSyncJobStore(s.ctrl)
	s.lifecycle = mocks.NewMockLifecycleManager(s.ctrl)

	s.cfg = config.SyncConfig{
		PageConcurrency:    2,
		BatchSize:          100,
		MaxExecution:       8 * time.Minute,
		PageErrorCap:       20,
		ErrorRateThreshold: 0.05,
		MinValidityRatio:   0.95,
		GraceWindow:        24 * time.Hour,
		StaleJobAfter:      time.Hour,
	}

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.base = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
}

func (s *SupervisorTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestSupervisorTestSuite(t *testing.T) {
	suite.Run(t, new(SupervisorTestSuite))
}

func (s *SupervisorTestSuite) newSupervisor(clock Clock) *Supervisor {
	return NewSupervisor(s.feed, s.listings, s.jobs, s.lifecycle, clock, s.logger, s.cfg)
}

// expectStart wires the watchdog, single-flight check, and job
// creation for a sweep that is allowed to start.
func (s *SupervisorTestSuite) expectStart(syncType domain.SyncType) *domain.SyncJob {
	job := &domain.SyncJob{ID: 7, SyncType: syncType, Status: domain.SyncRunning}
	s.jobs.EXPECT().FailStale(gomock.Any(), gomock.Any()).Return(int64(0), nil)
	s.jobs.EXPECT().GetRunning(gomock.Any()).Return(nil, nil)
	s.jobs.EXPECT().Create(gomock.Any(), syncType).Return(job, nil)
	s.jobs.EXPECT().UpdateProgress(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	return job
}

func rawCar(id int64) auctionfeed.RawCar {
	return auctionfeed.RawCar{
		ID:           &id,
		Manufacturer: &auctionfeed.NamedRef{Name: "Tesla"},
		Model:        &auctionfeed.NamedRef{Name: "Model 3"},
		Year:         auctionfeed.FlexNumber{Raw: "2021", Set: true},
	}
}

func invalidCar() auctionfeed.RawCar {
	return auctionfeed.RawCar{
		Manufacturer: &auctionfeed.NamedRef{Name: "Tesla"},
	}
}

func page(lastPage int, cars ...auctionfeed.RawCar) *auctionfeed.FeedPage {
	return &auctionfeed.FeedPage{
		Records:       cars,
		HasMore:       lastPage > 1,
		LastPage:      lastPage,
		TotalEstimate: lastPage * len(cars),
	}
}

func (s *SupervisorTestSuite) TestRun_SingleFlight() {
	ctx := context.Background()

	s.jobs.EXPECT().FailStale(gomock.Any(), gomock.Any()).Return(int64(0), nil)
	s.jobs.EXPECT().GetRunning(gomock.Any()).Return(&domain.SyncJob{ID: 3, Status: domain.SyncRunning}, nil)

	result, err := s.newSupervisor(constantClock(s.base)).Run(ctx, domain.SyncParams{Type: domain.SyncFull})

	s.ErrorIs(err, domain.ErrSyncAlreadyRunning)
	s.Nil(result)
}

func (s *SupervisorTestSuite) TestRun_SingleFlightLostCreateRace() {
	ctx := context.Background()

	// two invocations can both pass the running-job check; the store's
	// unique running index refuses the second insert
	s.jobs.EXPECT().FailStale(gomock.Any(), gomock.Any()).Return(int64(0), nil)
	s.jobs.EXPECT().GetRunning(gomock.Any()).Return(nil, nil)
	s.jobs.EXPECT().Create(gomock.Any(), domain.SyncFull).
		Return(nil, fmt.Errorf("create job: %w", domain.ErrSyncAlreadyRunning))

	result, err := s.newSupervisor(constantClock(s.base)).Run(ctx, domain.SyncParams{Type: domain.SyncFull})

	s.ErrorIs(err, domain.ErrSyncAlreadyRunning)
	s.Nil(result)
}

func (s *SupervisorTestSuite) TestRun_FullSweepReconcilesAndCompletes() {
	ctx := context.Background()
	job := s.expectStart(domain.SyncFull)

	s.feed.EXPECT().FetchPage(gomock.Any(), 1, 0).Return(page(2, rawCar(1), rawCar(2)), nil)
	s.feed.EXPECT().FetchPage(gomock.Any(), 2, 0).Return(page(2, rawCar(3)), nil)

	s.listings.EXPECT().UpsertBatch(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	var seen []int64
	s.lifecycle.EXPECT().ReconcileSweep(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, ids []int64, _ time.Time) (int64, error) {
			seen = ids
			return 1, nil
		},
	)
	s.lifecycle.EXPECT().PromoteGraceToRemoved(gomock.Any(), gomock.Any()).Return(2, nil)

	s.jobs.EXPECT().Finalize(gomock.Any(), job).DoAndReturn(
		func(_ context.Context, j *domain.SyncJob) error {
			now := s.base
			j.CompletedAt = &now
			return nil
		},
	)

	result, err := s.newSupervisor(constantClock(s.base)).Run(ctx, domain.SyncParams{Type: domain.SyncFull})

	s.NoError(err)
	s.True(result.Success)
	s.Equal(domain.ReasonNaturalCompletion, result.Reason)
	s.Equal(int64(7), result.SyncID)
	s.Equal(3, result.CarsProcessed)
	s.Equal(3, result.ArchivedLotsProcessed)
	s.Equal(0, result.ErrorsCount)
	s.InDelta(1.0, result.SuccessRate, 0.001)
	s.Zero(result.NextPage)

	s.Equal(domain.SyncCompleted, job.Status)
	s.True(job.SweepComplete)
	s.Equal(2, job.TotalPages)

	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	s.Equal([]int64{1, 2, 3}, seen)
}

func (s *SupervisorTestSuite) TestRun_IncrementalNeverReconciles() {
	ctx := context.Background()
	job := s.expectStart(domain.SyncIncremental)

	// incremental window is forwarded to the feed client
	s.feed.EXPECT().FetchPage(gomock.Any(), 1, 45).Return(page(1, rawCar(1)), nil)
	s.listings.EXPECT().UpsertBatch(gomock.Any(), gomock.Any()).Return(nil)
	s.jobs.EXPECT().Finalize(gomock.Any(), job).DoAndReturn(
		func(_ context.Context, j *domain.SyncJob) error {
			now := s.base
			j.CompletedAt = &now
			return nil
		},
	)

	result, err := s.newSupervisor(constantClock(s.base)).Run(ctx, domain.SyncParams{
		Type:    domain.SyncIncremental,
		Minutes: 45,
	})

	s.NoError(err)
	s.Equal(domain.SyncCompleted, job.Status)
	s.True(result.Success)
}

func (s *SupervisorTestSuite) TestRun_TimeBudgetCheckpointsForResume() {
	ctx := context.Background()
	job := s.expectStart(domain.SyncFull)

	s.feed.EXPECT().FetchPage(gomock.Any(), 1, 0).Return(page(5, rawCar(1)), nil)
	s.listings.EXPECT().UpsertBatch(gomock.Any(), gomock.Any()).Return(nil)
	// no further pages: the budget check fires before the first group

	s.jobs.EXPECT().Finalize(gomock.Any(), job).DoAndReturn(
		func(_ context.Context, j *domain.SyncJob) error {
			now := s.base.Add(9 * time.Minute)
			j.CompletedAt = &now
			return nil
		},
	)

	// start, batch timestamp, then past-budget for the group check
	clock := &fakeClock{times: []time.Time{
		s.base,
		s.base,
		s.base.Add(9 * time.Minute),
	}}

	result, err := s.newSupervisor(clock).Run(ctx, domain.SyncParams{Type: domain.SyncFull})

	s.NoError(err)
	s.Equal(domain.ReasonExecutionTimeLimit, result.Reason)
	s.Equal(2, result.NextPage)
	s.False(job.SweepComplete)
	s.Equal(domain.SyncCompleted, job.Status)
	s.Equal(1, job.CurrentPage)
}

func (s *SupervisorTestSuite) TestRun_ResumeStartsFromCheckpoint() {
	ctx := context.Background()
	job := s.expectStart(domain.SyncFull)

	s.feed.EXPECT().FetchPage(gomock.Any(), 4, 0).Return(page(4, rawCar(9)), nil)
	s.listings.EXPECT().UpsertBatch(gomock.Any(), gomock.Any()).Return(nil)
	s.jobs.EXPECT().Finalize(gomock.Any(), job).DoAndReturn(
		func(_ context.Context, j *domain.SyncJob) error {
			now := s.base
			j.CompletedAt = &now
			return nil
		},
	)

	// a resumed invocation never saw pages 1..3, so it must not
	// reconcile even though it reached the last page
	result, err := s.newSupervisor(constantClock(s.base)).Run(ctx, domain.SyncParams{
		Type:     domain.SyncFull,
		Resume:   true,
		FromPage: 4,
	})

	s.NoError(err)
	s.True(result.Success)
	s.Equal(domain.ReasonBatchComplete, result.Reason)
	s.False(job.SweepComplete)
}

func (s *SupervisorTestSuite) TestRun_PageErrorCapAbortsSweep() {
	ctx := context.Background()
	s.cfg.PageErrorCap = 1
	job := s.expectStart(domain.SyncFull)

	s.feed.EXPECT().FetchPage(gomock.Any(), 1, 0).Return(page(3, rawCar(1)), nil)
	s.listings.EXPECT().UpsertBatch(gomock.Any(), gomock.Any()).Return(nil)
	s.feed.EXPECT().FetchPage(gomock.Any(), 2, 0).Return(nil, auctionfeed.ErrRateLimitExceeded)
	s.feed.EXPECT().FetchPage(gomock.Any(), 3, 0).Return(nil, auctionfeed.ErrFeedTimeout)

	s.jobs.EXPECT().Finalize(gomock.Any(), job).Return(nil)

	result, err := s.newSupervisor(constantClock(s.base)).Run(ctx, domain.SyncParams{Type: domain.SyncFull})

	s.Error(err)
	s.Nil(result)
	s.Contains(err.Error(), "exceed cap")
	s.Equal(domain.SyncFailed, job.Status)
	s.NotNil(job.ErrorMessage)
}

func (s *SupervisorTestSuite) TestRun_PageFailureIsolation() {
	ctx := context.Background()
	job := s.expectStart(domain.SyncFull)

	s.feed.EXPECT().FetchPage(gomock.Any(), 1, 0).Return(page(3, rawCar(1)), nil)
	s.feed.EXPECT().FetchPage(gomock.Any(), 2, 0).Return(nil, auctionfeed.ErrFeedTimeout)
	s.feed.EXPECT().FetchPage(gomock.Any(), 3, 0).Return(page(3, rawCar(3)), nil)

	s.listings.EXPECT().UpsertBatch(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	s.lifecycle.EXPECT().ReconcileSweep(gomock.Any(), gomock.Any(), gomock.Any()).Return(int64(0), nil)
	s.lifecycle.EXPECT().PromoteGraceToRemoved(gomock.Any(), gomock.Any()).Return(0, nil)

	s.jobs.EXPECT().Finalize(gomock.Any(), job).DoAndReturn(
		func(_ context.Context, j *domain.SyncJob) error {
			now := s.base
			j.CompletedAt = &now
			return nil
		},
	)

	result, err := s.newSupervisor(constantClock(s.base)).Run(ctx, domain.SyncParams{Type: domain.SyncFull})

	s.NoError(err)
	s.True(result.Success)
	s.Equal(2, result.CarsProcessed)

	// the lost page is aggregated into the finalized job: its record
	// share counts as errors and its message lands on the row
	s.Equal(1, result.ErrorsCount)
	s.Equal(domain.SyncCompletedWithErrors, job.Status)
	s.Require().NotNil(job.ErrorMessage)
	s.Contains(*job.ErrorMessage, "page 2")
	s.InDelta(1.0/3.0, 1-result.SuccessRate, 0.001)
}

func (s *SupervisorTestSuite) TestRun_BatchUpsertFailureIsolated() {
	ctx := context.Background()
	job := s.expectStart(domain.SyncFull)

	s.feed.EXPECT().FetchPage(gomock.Any(), 1, 0).Return(page(1, rawCar(1), rawCar(2)), nil)
	s.listings.EXPECT().UpsertBatch(gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))

	s.lifecycle.EXPECT().ReconcileSweep(gomock.Any(), gomock.Any(), gomock.Any()).Return(int64(0), nil)
	s.lifecycle.EXPECT().PromoteGraceToRemoved(gomock.Any(), gomock.Any()).Return(0, nil)

	s.jobs.EXPECT().Finalize(gomock.Any(), job).DoAndReturn(
		func(_ context.Context, j *domain.SyncJob) error {
			now := s.base
			j.CompletedAt = &now
			return nil
		},
	)

	result, err := s.newSupervisor(constantClock(s.base)).Run(ctx, domain.SyncParams{Type: domain.SyncFull})

	s.NoError(err)
	s.Equal(domain.SyncCompletedWithErrors, job.Status)
	s.Equal(0, result.CarsProcessed)
	s.Equal(2, result.ErrorsCount)
}

func (s *SupervisorTestSuite) TestRun_ValidationErrorsCounted() {
	ctx := context.Background()
	job := s.expectStart(domain.SyncFull)

	s.feed.EXPECT().FetchPage(gomock.Any(), 1, 0).
		Return(page(1, rawCar(1), rawCar(2), rawCar(3), rawCar(4), invalidCar()), nil)

	s.listings.EXPECT().UpsertBatch(gomock.Any(), gomock.Len(4)).Return(nil)

	s.lifecycle.EXPECT().ReconcileSweep(gomock.Any(), gomock.Any(), gomock.Any()).Return(int64(0), nil)
	s.lifecycle.EXPECT().PromoteGraceToRemoved(gomock.Any(), gomock.Any()).Return(0, nil)

	s.jobs.EXPECT().Finalize(gomock.Any(), job).DoAndReturn(
		func(_ context.Context, j *domain.SyncJob) error {
			now := s.base
			j.CompletedAt = &now
			return nil
		},
	)

	result, err := s.newSupervisor(constantClock(s.base)).Run(ctx, domain.SyncParams{Type: domain.SyncFull})

	s.NoError(err)
	s.Equal(4, result.CarsProcessed)
	s.Equal(1, result.ErrorsCount)
	// 1 of 5 invalid: error rate 0.2 crosses the threshold
	s.Equal(domain.SyncCompletedWithErrors, job.Status)
	s.InDelta(0.8, result.SuccessRate, 0.001)
}

func (s *SupervisorTestSuite) TestRun_DependencyFailureIsFatal() {
	ctx := context.Background()

	s.jobs.EXPECT().FailStale(gomock.Any(), gomock.Any()).Return(int64(0), errors.New("dial tcp: connection refused"))

	result, err := s.newSupervisor(constantClock(s.base)).Run(ctx, domain.SyncParams{Type: domain.SyncFull})

	s.Error(err)
	s.Nil(result)
}
