package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// RecoverySummary describes what a checkpointed scan has done and what a
// resume still has to do.
func RecoverySummary(state BatchState, now time.Time) string {
	var b strings.Builder

	pct := 0.0
	if state.TotalUnits > 0 {
		pct = float64(state.CompletedUnits) / float64(state.TotalUnits) * 100
	}

	fmt.Fprintf(&b, "Scan %s (%s strategy)\n", state.ScanID, state.Strategy)
	fmt.Fprintf(&b, "  Done:      %s of %s units (%.1f%%) in %d batches\n",
		humanize.Comma(int64(state.CompletedUnits)), humanize.Comma(int64(state.TotalUnits)), pct, state.CurrentBatch)
	fmt.Fprintf(&b, "  Remaining: %s units in about %d batches\n",
		humanize.Comma(int64(state.RemainingUnits())), max(state.TotalBatches-state.CurrentBatch, 0))
	fmt.Fprintf(&b, "  Outcomes:  %d succeeded, %d failed, %d retries\n",
		state.Statistics.Succeeded, state.Statistics.Failed, state.Statistics.Retries)

	if state.LastCheckpointBatch > 0 {
		fmt.Fprintf(&b, "  Checkpoint: batch %d, last update %s\n",
			state.LastCheckpointBatch, relTime(state.UpdatedAt, now))
	}

	switch {
	case state.Done():
		b.WriteString("  Estimate:  nothing left to do\n")
	case state.PerUnit() == 0:
		b.WriteString("  Estimate:  unknown (no timing data yet)\n")
	default:
		eta := state.EstimatedRemaining()
		fmt.Fprintf(&b, "  Estimate:  %s remaining (%s per unit)\n",
			strings.TrimSpace(humanize.RelTime(now, now.Add(eta), "", "")), state.PerUnit().Round(time.Millisecond))
	}

	return b.String()
}

func relTime(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
