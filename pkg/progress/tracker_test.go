package progress

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/vulnscan/pkg/batch"
	"github.com/Sternrassler/vulnscan/pkg/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func workList(n int) []batch.WorkUnit {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("npm:pkg-%d@1.0.0", i)
	}
	return batch.NewWorkList(ids)
}

func outcome(u batch.WorkUnit, status batch.UnitStatus, attempts int) batch.UnitOutcome {
	return batch.UnitOutcome{Unit: u, Status: status, Attempts: attempts, Duration: time.Second}
}

func newTracker(t *testing.T, units []batch.WorkUnit, ledger Ledger) *Tracker {
	t.Helper()
	return NewTracker("scan-1", units, batch.DefaultConfig(), clock.NewManual(epoch), ledger, zerolog.Nop())
}

func TestTracker_RecordAdvancesPrefix(t *testing.T) {
	units := workList(23)
	tr := newTracker(t, units, nil)

	state := tr.Snapshot()
	assert.Equal(t, 3, state.TotalBatches)
	assert.Equal(t, 23, state.TotalUnits)

	var outcomes []batch.UnitOutcome
	for _, u := range units[:10] {
		outcomes = append(outcomes, outcome(u, batch.StatusSucceeded, 1))
	}
	outcomes[3] = outcome(units[3], batch.StatusFailed, 4)

	require.NoError(t, tr.Record(context.Background(), &batch.BatchResult{Number: 1, Outcomes: outcomes, Elapsed: 10 * time.Second}))

	state = tr.Snapshot()
	assert.Equal(t, 1, state.CurrentBatch)
	assert.Equal(t, 10, state.CompletedUnits)
	assert.Equal(t, 9, state.Statistics.Succeeded)
	assert.Equal(t, 1, state.Statistics.Failed)
	assert.Equal(t, 3, state.Statistics.Retries)
	assert.Equal(t, 13, state.Statistics.Attempts)
	assert.Equal(t, []string{units[3].ID}, state.Statistics.FailedUnits)
	assert.Equal(t, 3, state.TotalBatches)
	assert.Equal(t, time.Second, state.PerUnit())
	assert.Equal(t, 13*time.Second, state.EstimatedRemaining())

	assert.Len(t, tr.CompletedIDs(), 10)
	assert.Equal(t, units[10:], tr.Remaining())
}

func TestTracker_SkippedUnitsStopThePrefix(t *testing.T) {
	units := workList(5)
	tr := newTracker(t, units, nil)

	result := &batch.BatchResult{Number: 1, Outcomes: []batch.UnitOutcome{
		outcome(units[0], batch.StatusSucceeded, 1),
		outcome(units[1], batch.StatusSkipped, 1),
		outcome(units[2], batch.StatusSucceeded, 1),
	}}
	require.NoError(t, tr.Record(context.Background(), result))

	state := tr.Snapshot()
	assert.Equal(t, 1, state.CompletedUnits)
	assert.Equal(t, 1, state.Statistics.Skipped)
	assert.Equal(t, []string{units[0].ID}, tr.CompletedIDs())

	// Re-running the skipped unit closes the gap up to the next unsettled unit.
	require.NoError(t, tr.Record(context.Background(), &batch.BatchResult{Number: 2, Outcomes: []batch.UnitOutcome{
		outcome(units[1], batch.StatusSucceeded, 1),
	}}))
	assert.Equal(t, 3, tr.Snapshot().CompletedUnits)
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	units := workList(2)
	tr := newTracker(t, units, nil)
	require.NoError(t, tr.Record(context.Background(), &batch.BatchResult{Number: 1, Outcomes: []batch.UnitOutcome{
		outcome(units[0], batch.StatusFailed, 1),
	}}))

	snap := tr.Snapshot()
	snap.Statistics.FailedUnits[0] = "mutated"
	assert.Equal(t, units[0].ID, tr.Snapshot().Statistics.FailedUnits[0])
}

func TestTracker_Resume(t *testing.T) {
	units := workList(23)
	tr := newTracker(t, units, nil)

	prior := &BatchState{
		ScanID:              "scan-1",
		CreatedAt:           epoch.Add(-time.Hour),
		LastCheckpointBatch: 2,
		Statistics:          Statistics{Succeeded: 20, BatchDurations: []time.Duration{time.Minute, time.Minute}},
	}
	require.NoError(t, tr.Resume(prior, 20, 2))

	state := tr.Snapshot()
	assert.Equal(t, 20, state.CompletedUnits)
	assert.Equal(t, 2, state.CurrentBatch)
	assert.Equal(t, 3, state.TotalBatches)
	assert.Equal(t, 20, state.Statistics.Succeeded)
	assert.Equal(t, epoch.Add(-time.Hour), state.CreatedAt)
	assert.Equal(t, units[20:], tr.Remaining())

	assert.Error(t, tr.Resume(nil, 24, 0))
}

func TestTracker_MarkCheckpoint(t *testing.T) {
	tr := newTracker(t, workList(3), nil)
	tr.MarkCheckpoint(4)
	assert.Equal(t, 4, tr.Snapshot().LastCheckpointBatch)
}

type failingLedger struct{}

func (failingLedger) RecordOutcomes(context.Context, string, int, []batch.UnitOutcome) error {
	return errors.New("disk full")
}

func (failingLedger) Close() error { return nil }

func TestTracker_LedgerFailureKeepsState(t *testing.T) {
	units := workList(2)
	tr := newTracker(t, units, failingLedger{})

	err := tr.Record(context.Background(), &batch.BatchResult{Number: 1, Outcomes: []batch.UnitOutcome{
		outcome(units[0], batch.StatusSucceeded, 1),
	}})
	assert.Error(t, err)
	assert.Equal(t, 1, tr.Snapshot().CompletedUnits)
}

func TestTracker_WithSQLiteLedger(t *testing.T) {
	ledger, err := OpenSQLiteLedger(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	defer ledger.Close()

	units := workList(3)
	tr := newTracker(t, units, ledger)

	require.NoError(t, tr.Record(context.Background(), &batch.BatchResult{Number: 1, Outcomes: []batch.UnitOutcome{
		outcome(units[0], batch.StatusSucceeded, 1),
		outcome(units[1], batch.StatusFailed, 4),
	}}))

	rows, err := ledger.Outcomes(context.Background(), "scan-1", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, units[1].ID, rows[1].Unit)
	assert.Equal(t, 4, rows[1].Attempts)
}
