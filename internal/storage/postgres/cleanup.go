package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"carsync/internal/domain"
)

// CleanupQueueStore owns the pending-cleanup table drained by the
// external asset-cleanup collaborator.
type CleanupQueueStore struct {
	db *sqlx.DB
}

func NewCleanupQueueStore(db *sqlx.DB) *CleanupQueueStore {
	return &CleanupQueueStore{db: db}
}

func (s *CleanupQueueStore) Enqueue(ctx context.Context, entries []domain.CleanupQueueEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO cleanup_queue (car_id, image_urls, queued_at, status) VALUES ")
	args := make([]interface{}, 0, len(entries)*4)

	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", i*4+1, i*4+2, i*4+3, i*4+4)
		args = append(args, e.CarID, pq.Array(e.ImageURLs), e.QueuedAt, e.Status)
	}

	exec := GetExecutor(ctx, s.db)
	_, err := exec.ExecContext(ctx, sb.String(), args...)
	return err
}

// Pending returns queued entries that have not been picked up yet.
func (s *CleanupQueueStore) Pending(ctx context.Context, limit int) ([]domain.CleanupQueueEntry, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT car_id, image_urls, queued_at, status
		FROM cleanup_queue
		WHERE status = 'pending'
		ORDER BY queued_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.CleanupQueueEntry
	for rows.Next() {
		var e domain.CleanupQueueEntry
		var urls pq.StringArray
		if err := rows.Scan(&e.CarID, &urls, &e.QueuedAt, &e.Status); err != nil {
			return nil, err
		}
		e.ImageURLs = urls
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
