package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"carsync/internal/domain"
	"carsync/internal/source/auctionfeed"
)

type FeedSource interface {
	FetchPage(ctx context.Context, page, sinceMinutes int) (*auctionfeed.FeedPage, error)
}

type ListingStore interface {
	UpsertBatch(ctx context.Context, listings []domain.Listing) error
}

type SyncJobStore interface {
	Create(ctx context.Context, syncType domain.SyncType) (*domain.SyncJob, error)
	GetRunning(ctx context.Context) (*domain.SyncJob, error)
	FailStale(ctx context.Context, cutoff time.Time) (int64, error)
	UpdateProgress(ctx context.Context, job *domain.SyncJob) error
	Finalize(ctx context.Context, job *domain.SyncJob) error
}

type LifecycleManager interface {
	ReconcileSweep(ctx context.Context, seen []int64, now time.Time) (int64, error)
	PromoteGraceToRemoved(ctx context.Context, now time.Time) (int, error)
}

// Clock abstracts wall-clock reads so the execution budget and the
// staleness watchdog are deterministic in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}
