package domain

import (
	"errors"
	"time"
)

// ErrSyncAlreadyRunning is the single-flight guard: a sweep refused
// because another job is running. Callers translate it to a 409; it is
// not retried and nothing is queued.
var ErrSyncAlreadyRunning = errors.New("sync already running")

type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

type SyncStatus string

const (
	SyncRunning             SyncStatus = "running"
	SyncCompleted           SyncStatus = "completed"
	SyncCompletedWithErrors SyncStatus = "completed_with_errors"
	SyncFailed              SyncStatus = "failed"
)

// ShutdownReason explains why a sweep invocation ended. It is carried
// on the completion event for observability, never for control flow.
type ShutdownReason string

const (
	ReasonNaturalCompletion    ShutdownReason = "natural_completion"
	ReasonExecutionTimeLimit   ShutdownReason = "execution_time_limit"
	ReasonBatchComplete        ShutdownReason = "batch_complete"
	ReasonMissingConfig        ShutdownReason = "missing_config"
	ReasonDependencyInitFailed ShutdownReason = "dependency_init_failed"
	ReasonTopLevelFailure      ShutdownReason = "top_level_failure"
)

// SyncJob is one sweep attempt. At most one job may be running at a
// time; a watchdog fails jobs with no activity for over an hour.
type SyncJob struct {
	ID                    int64      `db:"id"`
	SyncType              SyncType   `db:"sync_type"`
	Status                SyncStatus `db:"status"`
	StartedAt             time.Time  `db:"started_at"`
	CompletedAt           *time.Time `db:"completed_at"`
	CurrentPage           int        `db:"current_page"`
	TotalPages            int        `db:"total_pages"`
	RecordsProcessed      int        `db:"records_processed"`
	CarsProcessed         int        `db:"cars_processed"`
	ArchivedLotsProcessed int        `db:"archived_lots_processed"`
	ErrorsCount           int        `db:"errors_count"`
	ErrorMessage          *string    `db:"error_message"`
	LastActivityAt        time.Time  `db:"last_activity_at"`
	SweepComplete         bool       `db:"sweep_complete"`
}

// SyncParams are the invocation parameters a scheduler or UI trigger
// passes to the supervisor.
type SyncParams struct {
	Type     SyncType
	Minutes  int // incremental window, "updated within N minutes"
	Resume   bool
	FromPage int
}

// SyncResult summarizes one supervisor invocation for the caller.
type SyncResult struct {
	Success               bool
	SyncID                int64
	Reason                ShutdownReason
	CarsProcessed         int
	ArchivedLotsProcessed int
	ErrorsCount           int
	SuccessRate           float64
	NextPage              int // page to resume from when Reason is execution_time_limit
	CompletedAt           time.Time
	Elapsed               time.Duration
}
