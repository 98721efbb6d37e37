package domain

import "time"

// Listing statuses. Active listings are the only ones catalog
// collaborators may show; the removed statuses are terminal.
const (
	StatusActive             = "active"
	StatusSold               = "sold"
	StatusPending            = "pending"
	StatusRemovedAfterSold   = "removed_after_sold"
	StatusImmediatelyRemoved = "immediately_removed_after_sold"
	StatusAdminBulkDelete    = "admin_bulk_delete"
)

// ArchiveReasonSold marks listings archived because they disappeared
// from a full feed sweep.
const ArchiveReasonSold = "sold"

// Condition is the normalized vehicle condition reported by the feed.
type Condition string

const (
	ConditionExcellent Condition = "excellent"
	ConditionGood      Condition = "good"
	ConditionFair      Condition = "fair"
	ConditionPoor      Condition = "poor"
	ConditionSalvage   Condition = "salvage"
)

// ParseCondition maps a raw feed condition onto the enum, defaulting
// to good for unknown values.
func ParseCondition(raw string) Condition {
	switch Condition(raw) {
	case ConditionExcellent, ConditionGood, ConditionFair, ConditionPoor, ConditionSalvage:
		return Condition(raw)
	default:
		return ConditionGood
	}
}

// Listing is the canonical internal representation of one external
// auction listing. ExternalID is the natural key across sweeps.
type Listing struct {
	ExternalID    int64      `db:"external_id"`
	Make          string     `db:"make"`
	Model         string     `db:"model"`
	Year          int        `db:"year"`
	Price         int64      `db:"price"`
	Mileage       int        `db:"mileage"`
	Title         string     `db:"title"`
	VIN           string     `db:"vin"`
	Color         string     `db:"color"`
	Fuel          string     `db:"fuel"`
	Transmission  string     `db:"transmission"`
	LotNumber     string     `db:"lot_number"`
	ImageURL      string     `db:"image_url"`
	Images        []string   `db:"-"`
	Condition     Condition  `db:"condition"`
	IsLive        bool       `db:"is_live"`
	KeysAvailable bool       `db:"keys_available"`
	Status        string     `db:"status"`
	IsActive      bool       `db:"is_active"`
	IsArchived    bool       `db:"is_archived"`
	ArchivedAt    *time.Time `db:"archived_at"`
	ArchiveReason *string    `db:"archive_reason"`
	ContentHash   string     `db:"content_hash"`
	LastSyncedAt  time.Time  `db:"last_synced_at"`
}

// RemovedListing identifies a listing that just left the visible set,
// with the image urls the cleanup collaborator needs.
type RemovedListing struct {
	ExternalID int64    `json:"external_id"`
	ImageURLs  []string `json:"image_urls,omitempty"`
}

// CleanupQueueEntry is produced whenever a listing transitions into a
// removed status; an external asset-cleanup collaborator drains it.
type CleanupQueueEntry struct {
	CarID     int64     `db:"car_id"`
	ImageURLs []string  `db:"-"`
	QueuedAt  time.Time `db:"queued_at"`
	Status    string    `db:"status"`
}
