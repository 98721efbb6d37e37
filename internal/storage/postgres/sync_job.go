package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"carsync/internal/domain"
)

// uniqueViolation is the Postgres error code raised by the partial
// unique index on running jobs.
const uniqueViolation = "23505"

type SyncJobStore struct {
	db *sqlx.DB
}

func NewSyncJobStore(db *sqlx.DB) *SyncJobStore {
	return &SyncJobStore{db: db}
}

// Create opens a new running job row. The partial unique index on
// running jobs makes this the authoritative single-flight check: two
// racing invocations that both saw no running job still cannot both
// insert one.
func (s *SyncJobStore) Create(ctx context.Context, syncType domain.SyncType) (*domain.SyncJob, error) {
	now := time.Now().UTC()
	job := &domain.SyncJob{
		SyncType:       syncType,
		Status:         domain.SyncRunning,
		StartedAt:      now,
		LastActivityAt: now,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sync_jobs (sync_type, status, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		job.SyncType, job.Status, job.StartedAt, job.LastActivityAt,
	).Scan(&job.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("create job: %w", domain.ErrSyncAlreadyRunning)
		}
		return nil, err
	}
	return job, nil
}

// GetRunning returns the currently running job, or nil when there is
// none.
func (s *SyncJobStore) GetRunning(ctx context.Context) (*domain.SyncJob, error) {
	var job domain.SyncJob
	err := s.db.GetContext(ctx, &job, `
		SELECT id, sync_type, status, started_at, completed_at, current_page,
			total_pages, records_processed, cars_processed, archived_lots_processed,
			errors_count, error_message, last_activity_at, sweep_complete
		FROM sync_jobs
		WHERE status = $1
		ORDER BY started_at DESC
		LIMIT 1`,
		domain.SyncRunning,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FailStale is the watchdog: running jobs with no activity since
// cutoff are marked failed so they stop blocking the single-flight
// guard.
func (s *SyncJobStore) FailStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = $1, error_message = 'stale: no activity', completed_at = NOW()
		WHERE status = $2 AND last_activity_at < $3`,
		domain.SyncFailed, domain.SyncRunning, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateProgress checkpoints the job after a page group; this row is
// what a resumed invocation picks up from.
func (s *SyncJobStore) UpdateProgress(ctx context.Context, job *domain.SyncJob) error {
	job.LastActivityAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET current_page = $1, total_pages = $2, records_processed = $3,
			cars_processed = $4, errors_count = $5, last_activity_at = $6
		WHERE id = $7`,
		job.CurrentPage, job.TotalPages, job.RecordsProcessed,
		job.CarsProcessed, job.ErrorsCount, job.LastActivityAt, job.ID,
	)
	return err
}

// Finalize closes the job exactly once with its terminal status and
// aggregate counts.
func (s *SyncJobStore) Finalize(ctx context.Context, job *domain.SyncJob) error {
	now := time.Now().UTC()
	job.CompletedAt = &now
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = $1, completed_at = $2, current_page = $3, total_pages = $4,
			records_processed = $5, cars_processed = $6, archived_lots_processed = $7,
			errors_count = $8, error_message = $9, sweep_complete = $10,
			last_activity_at = $2
		WHERE id = $11`,
		job.Status, job.CompletedAt, job.CurrentPage, job.TotalPages,
		job.RecordsProcessed, job.CarsProcessed, job.ArchivedLotsProcessed,
		job.ErrorsCount, job.ErrorMessage, job.SweepComplete, job.ID,
	)
	return err
}
