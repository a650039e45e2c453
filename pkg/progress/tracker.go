package progress

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/vulnscan/pkg/batch"
	"github.com/Sternrassler/vulnscan/pkg/clock"
)

// Tracker records batch outcomes for one scan. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	state   BatchState
	units   []batch.WorkUnit
	settled map[int]bool

	clock  clock.Clock
	ledger Ledger
	logger zerolog.Logger
}

// NewTracker creates a tracker for a fresh scan over units. ledger may be nil.
func NewTracker(scanID string, units []batch.WorkUnit, cfg batch.Config, clk clock.Clock, ledger Ledger, logger zerolog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	now := clk.Now().UTC()

	t := &Tracker{
		state: BatchState{
			ScanID:     scanID,
			TotalUnits: len(units),
			Strategy:   string(cfg.Strategy),
			BatchSize:  cfg.DefaultBatchSize,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		units:   units,
		settled: make(map[int]bool),
		clock:   clk,
		ledger:  ledger,
		logger:  logger,
	}
	t.estimateTotal()

	return t
}

// Resume positions the tracker after offset settled units and
// completedBatches batches. When prior is non-nil its statistics and
// creation time are carried over.
func (t *Tracker) Resume(prior *BatchState, offset, completedBatches int) error {
	if offset < 0 || offset > len(t.units) {
		return fmt.Errorf("resume offset %d outside work list of %d units", offset, len(t.units))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prior != nil {
		p := prior.Clone()
		t.state.Statistics = p.Statistics
		t.state.CreatedAt = p.CreatedAt
		t.state.LastCheckpointBatch = p.LastCheckpointBatch
	}

	t.settled = make(map[int]bool, offset)
	for i := 0; i < offset; i++ {
		t.settled[i] = true
	}
	t.state.CompletedUnits = offset
	t.state.CurrentBatch = completedBatches
	t.state.UpdatedAt = t.clock.Now().UTC()
	t.estimateTotal()

	return nil
}

// Record applies the outcomes of one batch. The in-memory state is always
// updated; the returned error only reports a failed ledger write.
func (t *Tracker) Record(ctx context.Context, result *batch.BatchResult) error {
	t.mu.Lock()

	st := &t.state.Statistics
	for _, o := range result.Outcomes {
		st.Attempts += o.Attempts
		if o.Attempts > 1 {
			st.Retries += o.Attempts - 1
		}

		switch o.Status {
		case batch.StatusSucceeded:
			st.Succeeded++
		case batch.StatusFailed:
			st.Failed++
			st.FailedUnits = append(st.FailedUnits, o.Unit.ID)
		case batch.StatusSkipped:
			st.Skipped++
			continue
		}
		st.UnitTime += o.Duration
		t.settled[o.Unit.Ordinal] = true
	}
	st.BatchDurations = append(st.BatchDurations, result.Elapsed)

	for t.settled[t.state.CompletedUnits] {
		t.state.CompletedUnits++
	}

	t.state.CurrentBatch = result.Number
	if n := len(result.Outcomes); n > 0 {
		t.state.BatchSize = n
	}
	t.state.UpdatedAt = t.clock.Now().UTC()
	t.estimateTotal()

	state := t.state
	t.mu.Unlock()

	t.logger.Info().
		Str("scan_id", state.ScanID).
		Int("batch", state.CurrentBatch).
		Int("completed_units", state.CompletedUnits).
		Int("total_units", state.TotalUnits).
		Int("failed", state.Statistics.Failed).
		Msg("Progress recorded")

	if t.ledger == nil {
		return nil
	}
	if err := t.ledger.RecordOutcomes(ctx, state.ScanID, result.Number, result.Outcomes); err != nil {
		return fmt.Errorf("record outcomes of batch %d: %w", result.Number, err)
	}
	return nil
}

// MarkCheckpoint notes that a checkpoint was written after batch.
func (t *Tracker) MarkCheckpoint(batchNumber int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.LastCheckpointBatch = batchNumber
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() BatchState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

// CompletedIDs returns the ids of the settled prefix, in work-list order.
func (t *Tracker) CompletedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, t.state.CompletedUnits)
	for i := range ids {
		ids[i] = t.units[i].ID
	}
	return ids
}

// Remaining returns the units after the settled prefix.
func (t *Tracker) Remaining() []batch.WorkUnit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.units[t.state.CompletedUnits:])
}

// estimateTotal must be called with t.mu held.
func (t *Tracker) estimateTotal() {
	size := max(t.state.BatchSize, 1)
	remaining := t.state.RemainingUnits()
	t.state.TotalBatches = t.state.CurrentBatch + (remaining+size-1)/size
}
