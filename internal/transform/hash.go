package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"carsync/internal/domain"
)

// ContentHash computes a stable hash of a listing's business content.
// Volatile bookkeeping (last_synced_at, archival timestamps, the hash
// itself) is excluded so that an unchanged feed record always hashes
// the same across sweeps. The hash is an optimization signal only;
// upserts stay correct even with a stale hash.
func ContentHash(l *domain.Listing) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%d|%d|%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%t|%t|%s",
		l.ExternalID,
		l.Make,
		l.Model,
		l.Year,
		l.Price,
		l.Mileage,
		l.Title,
		l.VIN,
		l.Color,
		l.Fuel,
		l.Transmission,
		l.LotNumber,
		l.ImageURL,
		strings.Join(l.Images, ","),
		l.Condition,
		l.IsLive,
		l.KeysAvailable,
		l.Status,
	)
	return hex.EncodeToString(h.Sum(nil))
}
