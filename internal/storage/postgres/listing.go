package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"carsync/internal/domain"
)

// listingColumns are the tracked fields an upsert replaces wholesale.
// There are no partial-row updates.
const listingColumns = `external_id, make, model, year, price, mileage, title, vin,
	color, fuel, transmission, lot_number, image_url, images, condition,
	is_live, keys_available, status, is_active, content_hash, last_synced_at`

type ListingStore struct {
	db *sqlx.DB
}

func NewListingStore(db *sqlx.DB) *ListingStore {
	return &ListingStore{db: db}
}

// UpsertBatch writes a batch keyed by external_id. Re-writing identical
// content is a no-op in effect; changed content overwrites every
// tracked field. Archival fields are not touched here so that a
// re-observed listing keeps its archival history until reconciliation
// decides otherwise.
func (s *ListingStore) UpsertBatch(ctx context.Context, listings []domain.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO listings (")
	sb.WriteString(listingColumns)
	sb.WriteString(") VALUES ")

	const fieldsPerRow = 21
	args := make([]interface{}, 0, len(listings)*fieldsPerRow)

	for i, l := range listings {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for f := 0; f < fieldsPerRow; f++ {
			if f > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*fieldsPerRow+f+1)
		}
		sb.WriteString(")")

		args = append(args,
			l.ExternalID, l.Make, l.Model, l.Year, l.Price, l.Mileage,
			l.Title, l.VIN, l.Color, l.Fuel, l.Transmission, l.LotNumber,
			l.ImageURL, pq.Array(l.Images), l.Condition, l.IsLive,
			l.KeysAvailable, l.Status, l.IsActive, l.ContentHash, l.LastSyncedAt,
		)
	}

	sb.WriteString(` ON CONFLICT (external_id) DO UPDATE SET
		make = EXCLUDED.make,
		model = EXCLUDED.model,
		year = EXCLUDED.year,
		price = EXCLUDED.price,
		mileage = EXCLUDED.mileage,
		title = EXCLUDED.title,
		vin = EXCLUDED.vin,
		color = EXCLUDED.color,
		fuel = EXCLUDED.fuel,
		transmission = EXCLUDED.transmission,
		lot_number = EXCLUDED.lot_number,
		image_url = EXCLUDED.image_url,
		images = EXCLUDED.images,
		condition = EXCLUDED.condition,
		is_live = EXCLUDED.is_live,
		keys_available = EXCLUDED.keys_available,
		status = EXCLUDED.status,
		content_hash = EXCLUDED.content_hash,
		last_synced_at = EXCLUDED.last_synced_at,
		updated_at = NOW()`)

	exec := GetExecutor(ctx, s.db)
	_, err := exec.ExecContext(ctx, sb.String(), args...)
	return err
}

// ActiveExternalIDs returns the ids of all listings still considered
// active and unarchived; reconciliation diffs these against the ids
// seen in the current full sweep.
func (s *ListingStore) ActiveExternalIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		"SELECT external_id FROM listings WHERE is_active = true AND is_archived = false")
	return ids, err
}

// ArchiveMissing puts every active, unarchived listing that is absent
// from seen into the sold grace window. Returns how many were archived.
func (s *ListingStore) ArchiveMissing(ctx context.Context, seen []int64, archivedAt time.Time) (int64, error) {
	exec := GetExecutor(ctx, s.db)
	res, err := exec.ExecContext(ctx, `
		UPDATE listings
		SET is_archived = true, archive_reason = $1, archived_at = $2, updated_at = NOW()
		WHERE is_active = true AND is_archived = false AND NOT (external_id = ANY($3))`,
		domain.ArchiveReasonSold, archivedAt, pq.Array(seen),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PromoteGrace deactivates sold-archived listings whose grace window
// expired at or before cutoff.
func (s *ListingStore) PromoteGrace(ctx context.Context, cutoff time.Time) ([]domain.RemovedListing, error) {
	exec := GetExecutor(ctx, s.db)
	rows, err := exec.QueryxContext(ctx, `
		UPDATE listings
		SET is_active = false, status = $1, updated_at = NOW()
		WHERE archive_reason = $2 AND is_active = true AND archived_at <= $3
		RETURNING external_id, images`,
		domain.StatusRemovedAfterSold, domain.ArchiveReasonSold, cutoff,
	)
	if err != nil {
		return nil, err
	}
	return scanRemoved(rows)
}

// Deactivate force-removes the given listings with the supplied
// status. Only currently-active rows are touched, which makes repeated
// calls idempotent and keeps the returned count exact.
func (s *ListingStore) Deactivate(ctx context.Context, ids []int64, status string) ([]domain.RemovedListing, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	exec := GetExecutor(ctx, s.db)
	rows, err := exec.QueryxContext(ctx, `
		UPDATE listings
		SET is_active = false, status = $1, updated_at = NOW()
		WHERE external_id = ANY($2) AND is_active = true
		RETURNING external_id, images`,
		status, pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	return scanRemoved(rows)
}

// Get loads one listing by external id; sql.ErrNoRows when absent.
func (s *ListingStore) Get(ctx context.Context, externalID int64) (*domain.Listing, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT external_id, make, model, year, price, mileage, title, vin,
			color, fuel, transmission, lot_number, image_url, images, condition,
			is_live, keys_available, status, is_active, is_archived,
			archived_at, archive_reason, content_hash, last_synced_at
		FROM listings WHERE external_id = $1`, externalID)

	var l domain.Listing
	var images pq.StringArray
	err := row.Scan(
		&l.ExternalID, &l.Make, &l.Model, &l.Year, &l.Price, &l.Mileage,
		&l.Title, &l.VIN, &l.Color, &l.Fuel, &l.Transmission, &l.LotNumber,
		&l.ImageURL, &images, &l.Condition, &l.IsLive, &l.KeysAvailable,
		&l.Status, &l.IsActive, &l.IsArchived, &l.ArchivedAt, &l.ArchiveReason,
		&l.ContentHash, &l.LastSyncedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Images = images
	return &l, nil
}

func scanRemoved(rows *sqlx.Rows) ([]domain.RemovedListing, error) {
	defer rows.Close()

	var removed []domain.RemovedListing
	for rows.Next() {
		var r domain.RemovedListing
		var images pq.StringArray
		if err := rows.Scan(&r.ExternalID, &images); err != nil {
			return nil, err
		}
		r.ImageURLs = images
		removed = append(removed, r)
	}
	return removed, rows.Err()
}
