package progress

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/vulnscan/pkg/batch"
)

func TestSQLiteLedger_UpsertAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ledger, err := OpenSQLiteLedger(path)
	require.NoError(t, err)
	defer ledger.Close()

	ctx := context.Background()
	units := workList(3)

	require.NoError(t, ledger.RecordOutcomes(ctx, "scan-a", 1, []batch.UnitOutcome{
		{Unit: units[0], Status: batch.StatusSucceeded, Attempts: 1, Duration: 1500 * time.Millisecond},
		{Unit: units[1], Status: batch.StatusSkipped, Attempts: 1, Err: context.Canceled},
		{Unit: units[2], Status: batch.StatusFailed, Attempts: 4, Err: errors.New("exhausted")},
	}))
	require.NoError(t, ledger.RecordOutcomes(ctx, "scan-b", 1, []batch.UnitOutcome{
		{Unit: units[0], Status: batch.StatusFailed, Attempts: 1},
	}))

	// The skipped unit is processed again in batch 2.
	require.NoError(t, ledger.RecordOutcomes(ctx, "scan-a", 2, []batch.UnitOutcome{
		{Unit: units[1], Status: batch.StatusSucceeded, Attempts: 2},
	}))

	all, err := ledger.Outcomes(ctx, "scan-a", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 0, all[0].Ordinal)
	assert.Equal(t, 1500*time.Millisecond, all[0].Duration)
	assert.Equal(t, "succeeded", all[1].Status)
	assert.Equal(t, 2, all[1].Batch)
	assert.Empty(t, all[1].Error)

	failed, err := ledger.Outcomes(ctx, "scan-a", batch.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, units[2].ID, failed[0].Unit)
	assert.Equal(t, "exhausted", failed[0].Error)

	counts, err := ledger.Counts(ctx, "scan-a")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"succeeded": 2, "failed": 1}, counts)
}

func TestSQLiteLedger_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	ledger, err := OpenSQLiteLedger(path)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordOutcomes(ctx, "scan-a", 1, []batch.UnitOutcome{
		{Unit: batch.WorkUnit{ID: "npm:a@1", Ordinal: 0}, Status: batch.StatusSucceeded, Attempts: 1},
	}))
	require.NoError(t, ledger.Close())

	ledger, err = OpenSQLiteLedger(path)
	require.NoError(t, err)
	defer ledger.Close()

	rows, err := ledger.Outcomes(ctx, "scan-a", "")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
