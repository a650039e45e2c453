package batch

import (
	"time"

	"github.com/Sternrassler/vulnscan/pkg/lookup"
	"github.com/Sternrassler/vulnscan/pkg/report"
)

// WorkUnit is one item of the work list. Ordinal is its 0-based position.
type WorkUnit struct {
	ID      string
	Ordinal int
}

// NewWorkList assigns ordinals to ids in order.
func NewWorkList(ids []string) []WorkUnit {
	units := make([]WorkUnit, len(ids))
	for i, id := range ids {
		units[i] = WorkUnit{ID: id, Ordinal: i}
	}
	return units
}

// UnitStatus is the final state of a unit within a batch.
type UnitStatus string

// Unit statuses.
const (
	// StatusSucceeded means every source answered.
	StatusSucceeded UnitStatus = "succeeded"
	// StatusFailed means at least one source failed permanently or exhausted its retries.
	StatusFailed UnitStatus = "failed"
	// StatusSkipped means the unit was interrupted by shutdown and must run again.
	StatusSkipped UnitStatus = "skipped"
)

// UnitOutcome is the result of processing one unit.
type UnitOutcome struct {
	Unit     WorkUnit
	Status   UnitStatus
	Results  []lookup.Result
	Err      error
	Attempts int
	Duration time.Duration
}

// Change returns the report rows produced by a succeeded unit.
func (o UnitOutcome) Change() report.Change {
	return report.BuildChange(o.Unit.Ordinal, o.Unit.ID, o.Results)
}

// BatchResult is the outcome of one batch. Outcomes cover the dispatched
// prefix of the batch's units, in order.
type BatchResult struct {
	Number   int
	Outcomes []UnitOutcome
	Started  time.Time
	Elapsed  time.Duration

	// Planned is the number of units handed to the batch.
	Planned int
}

// Counts returns the number of outcomes per status.
func (r *BatchResult) Counts() (succeeded, failed, skipped int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return succeeded, failed, skipped
}

// Changes returns the report changes of every succeeded unit.
func (r *BatchResult) Changes() []report.Change {
	var changes []report.Change
	for _, o := range r.Outcomes {
		if o.Status == StatusSucceeded {
			changes = append(changes, o.Change())
		}
	}
	return changes
}

// Settled returns the number of leading outcomes that finished (succeeded
// or failed). Units after the first skipped one must be processed again.
func (r *BatchResult) Settled() int {
	for i, o := range r.Outcomes {
		if o.Status == StatusSkipped {
			return i
		}
	}
	return len(r.Outcomes)
}
