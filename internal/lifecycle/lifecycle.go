// Package lifecycle owns the archival state machine for listings:
// active -> archived with a sold grace window -> removed. Catalog
// collaborators must use Visible instead of re-deriving visibility.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"carsync/internal/domain"
)

type ListingStore interface {
	ArchiveMissing(ctx context.Context, seen []int64, archivedAt time.Time) (int64, error)
	PromoteGrace(ctx context.Context, cutoff time.Time) ([]domain.RemovedListing, error)
	Deactivate(ctx context.Context, ids []int64, status string) ([]domain.RemovedListing, error)
}

type CleanupStore interface {
	Enqueue(ctx context.Context, entries []domain.CleanupQueueEntry) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// RemovalPublisher notifies downstream consumers that listings left
// the visible set. Optional; nil disables publishing.
type RemovalPublisher interface {
	PublishRemovals(ctx context.Context, status string, removed []domain.RemovedListing) error
}

// Manager drives archival transitions. Every transition into a removed
// status enqueues cleanup entries in the same transaction.
type Manager struct {
	listings  ListingStore
	cleanup   CleanupStore
	txManager TransactionManager
	publisher RemovalPublisher
	grace     time.Duration
	logger    *slog.Logger
}

func NewManager(
	listings ListingStore,
	cleanup CleanupStore,
	txManager TransactionManager,
	publisher RemovalPublisher,
	grace time.Duration,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		listings:  listings,
		cleanup:   cleanup,
		txManager: txManager,
		publisher: publisher,
		grace:     grace,
		logger:    logger.With("component", "lifecycle"),
	}
}

// ReconcileSweep archives, with reason sold at now, every active
// listing that a completed full sweep did not observe. Incremental
// sweeps must not call this: records outside the incremental window
// are absent by construction, not sold.
func (m *Manager) ReconcileSweep(ctx context.Context, seen []int64, now time.Time) (int64, error) {
	archived, err := m.listings.ArchiveMissing(ctx, seen, now.UTC())
	if err != nil {
		return 0, err
	}
	if archived > 0 {
		m.logger.Info("archived listings missing from sweep", "count", archived)
	}
	return archived, nil
}

// PromoteGraceToRemoved deactivates sold-archived listings whose grace
// window has fully elapsed at now. The boundary is exclusive: a listing
// archived exactly grace ago is removed.
func (m *Manager) PromoteGraceToRemoved(ctx context.Context, now time.Time) (int, error) {
	return m.remove(ctx, domain.StatusRemovedAfterSold, func(txCtx context.Context) ([]domain.RemovedListing, error) {
		return m.listings.PromoteGrace(txCtx, now.Add(-m.grace))
	})
}

// ImmediateRemoval skips the grace window for explicitly flagged
// listings.
func (m *Manager) ImmediateRemoval(ctx context.Context, ids []int64) (int, error) {
	return m.remove(ctx, domain.StatusImmediatelyRemoved, func(txCtx context.Context) ([]domain.RemovedListing, error) {
		return m.listings.Deactivate(txCtx, ids, domain.StatusImmediatelyRemoved)
	})
}

// BulkDelete is the administrative removal path. Only currently-active
// ids are deactivated, so overlapping calls never double-count.
func (m *Manager) BulkDelete(ctx context.Context, ids []int64, reason string) (int, error) {
	return m.remove(ctx, reason, func(txCtx context.Context) ([]domain.RemovedListing, error) {
		return m.listings.Deactivate(txCtx, ids, reason)
	})
}

func (m *Manager) remove(ctx context.Context, status string, apply func(context.Context) ([]domain.RemovedListing, error)) (int, error) {
	var removed []domain.RemovedListing

	err := m.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		removed, err = apply(txCtx)
		if err != nil {
			return err
		}
		return m.cleanup.Enqueue(txCtx, cleanupEntries(removed))
	})
	if err != nil {
		return 0, err
	}

	if len(removed) > 0 {
		m.logger.Info("listings removed", "status", status, "count", len(removed))
		if m.publisher != nil {
			if err := m.publisher.PublishRemovals(ctx, status, removed); err != nil {
				m.logger.Error("failed to publish removals", "error", err)
			}
		}
	}

	return len(removed), nil
}

func cleanupEntries(removed []domain.RemovedListing) []domain.CleanupQueueEntry {
	entries := make([]domain.CleanupQueueEntry, 0, len(removed))
	now := time.Now().UTC()
	for _, r := range removed {
		entries = append(entries, domain.CleanupQueueEntry{
			CarID:     r.ExternalID,
			ImageURLs: r.ImageURLs,
			QueuedAt:  now,
			Status:    "pending",
		})
	}
	return entries
}

// Visible is the catalog visibility contract: active, not in a removed
// status, and either unarchived or still inside the sold grace window.
func Visible(l *domain.Listing, now time.Time, grace time.Duration) bool {
	if !l.IsActive {
		return false
	}
	switch l.Status {
	case domain.StatusRemovedAfterSold, domain.StatusImmediatelyRemoved, domain.StatusAdminBulkDelete:
		return false
	}
	if !l.IsArchived || l.ArchivedAt == nil {
		return true
	}
	if l.ArchiveReason == nil || *l.ArchiveReason != domain.ArchiveReasonSold {
		return false
	}
	return now.Sub(*l.ArchivedAt) < grace
}
