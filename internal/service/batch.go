package service

import (
	"context"
	"sync"

	"carsync/internal/domain"
	"carsync/internal/source/auctionfeed"
	"carsync/internal/transform"
)

// sweepState aggregates results across concurrently processed pages.
// Page order across the fan-out is irrelevant: upserts are keyed by
// external_id, so out-of-order arrival converges to the same rows.
type sweepState struct {
	mu         sync.Mutex
	records    int
	cars       int
	errors     int
	pageErrors []string
	seen       []int64
}

func newSweepState() *sweepState {
	return &sweepState{}
}

func (sw *sweepState) addPageError(msg string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.pageErrors = append(sw.pageErrors, msg)
}

func (sw *sweepState) pageErrorCount() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.pageErrors)
}

func (sw *sweepState) pageErrorList() []string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	out := make([]string, len(sw.pageErrors))
	copy(out, sw.pageErrors)
	return out
}

func (sw *sweepState) seenIDs() []int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	out := make([]int64, len(sw.seen))
	copy(out, sw.seen)
	return out
}

func (sw *sweepState) totals() (records, cars, errsCount int) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.records, sw.cars, sw.errors
}

// processRecords runs one page's raw records through the validator and
// the batch upsert engine, in bounded batches. Record order within a
// page is preserved into the upsert.
func (s *Supervisor) processRecords(ctx context.Context, raws []auctionfeed.RawCar, sw *sweepState) {
	for start := 0; start < len(raws); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(raws))
		s.processBatch(ctx, raws[start:end], sw)
	}
}

func (s *Supervisor) processBatch(ctx context.Context, batch []auctionfeed.RawCar, sw *sweepState) {
	now := s.clock.Now().UTC()

	valid := make([]domain.Listing, 0, len(batch))
	var seen []int64
	invalid := 0

	for _, raw := range batch {
		// A record the feed identifies was observed this sweep even if
		// it fails validation; reconciliation must not archive it.
		if raw.ID != nil {
			seen = append(seen, *raw.ID)
		}

		listing, errs := transform.Transform(raw, now)
		if len(errs) > 0 {
			invalid++
			s.logger.Debug("record rejected", "errors", errs)
			continue
		}
		valid = append(valid, *listing)
	}

	// Low validity is a data-quality signal, not an abort: partial
	// inventory beats no inventory for a catalog.
	if len(batch) > 0 {
		ratio := float64(len(valid)) / float64(len(batch))
		if ratio < s.cfg.MinValidityRatio {
			s.logger.Warn("batch validity below threshold",
				"ratio", ratio,
				"threshold", s.cfg.MinValidityRatio,
				"batch_size", len(batch),
			)
		}
	}

	written := len(valid)
	batchErrors := invalid
	if written > 0 {
		if err := s.listings.UpsertBatch(ctx, valid); err != nil {
			// Batch-level isolation: this batch is lost, the sweep
			// continues.
			s.logger.Error("batch upsert failed", "batch_size", written, "error", err)
			batchErrors += written
			written = 0
		}
	}

	sw.mu.Lock()
	sw.records += len(batch)
	sw.cars += written
	sw.errors += batchErrors
	sw.seen = append(sw.seen, seen...)
	sw.mu.Unlock()
}
