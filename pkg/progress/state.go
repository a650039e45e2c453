// Package progress keeps the bookkeeping of a running scan: which units are
// done, how long batches take and what the scan's BatchState looks like when
// it is checkpointed.
package progress

import (
	"slices"
	"time"
)

// Statistics are the cumulative counters of a scan.
type Statistics struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Skipped counts units interrupted by shutdown. They are processed again.
	Skipped int `json:"skipped"`

	Attempts int `json:"attempts"`
	Retries  int `json:"retries"`

	// UnitTime is the summed processing time of settled units.
	UnitTime time.Duration `json:"unit_time"`

	BatchDurations []time.Duration `json:"batch_durations"`
	FailedUnits    []string        `json:"failed_units,omitempty"`
}

// Settled returns the number of units that succeeded or failed.
func (s Statistics) Settled() int {
	return s.Succeeded + s.Failed
}

// Elapsed returns the summed wall time of all batches.
func (s Statistics) Elapsed() time.Duration {
	var total time.Duration
	for _, d := range s.BatchDurations {
		total += d
	}
	return total
}

// BatchState is the progress of one scan.
type BatchState struct {
	ScanID string `json:"scan_id"`

	// CurrentBatch is the number of the last completed batch (1-based).
	CurrentBatch int `json:"current_batch"`
	// TotalBatches is an estimate: completed batches plus the batches the
	// remaining units need at the current batch size.
	TotalBatches int `json:"total_batches"`

	// CompletedUnits is the length of the contiguous settled prefix of the work list.
	CompletedUnits int `json:"completed_units"`
	TotalUnits     int `json:"total_units"`

	Strategy            string `json:"strategy"`
	BatchSize           int    `json:"batch_size"`
	LastCheckpointBatch int    `json:"last_checkpoint_batch"`

	Statistics Statistics `json:"statistics"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemainingUnits returns the number of units not yet settled.
func (s BatchState) RemainingUnits() int {
	return max(s.TotalUnits-s.CompletedUnits, 0)
}

// Done reports whether every unit has been settled.
func (s BatchState) Done() bool {
	return s.CompletedUnits >= s.TotalUnits
}

// Clone returns a deep copy.
func (s BatchState) Clone() BatchState {
	s.Statistics.BatchDurations = slices.Clone(s.Statistics.BatchDurations)
	s.Statistics.FailedUnits = slices.Clone(s.Statistics.FailedUnits)
	return s
}

// PerUnit returns the observed wall time per settled unit, zero when
// nothing has been settled yet.
func (s BatchState) PerUnit() time.Duration {
	settled := s.Statistics.Settled()
	if settled == 0 {
		return 0
	}
	return s.Statistics.Elapsed() / time.Duration(settled)
}

// EstimatedRemaining extrapolates the remaining time from observed throughput.
func (s BatchState) EstimatedRemaining() time.Duration {
	return s.PerUnit() * time.Duration(s.RemainingUnits())
}
