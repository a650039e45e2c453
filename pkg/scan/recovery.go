package scan

import (
	"fmt"
	"strconv"
)

// Mode selects where a run starts relative to earlier checkpoints. It is a
// closed set: Fresh, Auto, AtUnit and AtBatch.
type Mode interface {
	String() string
	isMode()
}

// Fresh ignores existing checkpoints and starts over with an empty output.
type Fresh struct{}

// Auto resumes from the newest valid checkpoint, or starts fresh when none exists.
type Auto struct{}

// AtUnit resumes at the given 1-based unit.
type AtUnit struct {
	Unit int
}

// AtBatch resumes at the given 1-based batch boundary of the default batch size.
type AtBatch struct {
	Batch int
}

func (Fresh) isMode()   {}
func (Auto) isMode()    {}
func (AtUnit) isMode()  {}
func (AtBatch) isMode() {}

func (Fresh) String() string     { return "fresh" }
func (Auto) String() string      { return "auto" }
func (m AtUnit) String() string  { return "at-unit " + strconv.Itoa(m.Unit) }
func (m AtBatch) String() string { return "at-batch " + strconv.Itoa(m.Batch) }

// MergeStrategy resolves a divergence between the output document and the
// checkpoint a run resumes from.
type MergeStrategy string

// Merge strategies.
const (
	// UseCheckpoint restores the checkpoint's backup, discarding later changes.
	UseCheckpoint MergeStrategy = "use-checkpoint"
	// UseCurrent keeps the current document and resumes from the recorded position.
	UseCurrent MergeStrategy = "use-current"
	// Manual halts the run without touching anything.
	Manual MergeStrategy = "manual"
)

// ParseMergeStrategy parses a merge strategy name. Empty means Manual.
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(s) {
	case "":
		return Manual, nil
	case UseCheckpoint, UseCurrent, Manual:
		return MergeStrategy(s), nil
	default:
		return "", fmt.Errorf("%w: unknown merge strategy %q", ErrInvalidRecovery, s)
	}
}

// RecoveryOptions drives the start decision of a run.
type RecoveryOptions struct {
	Mode Mode

	// ScanID restricts resumption to one scan. For a fresh run it is used
	// as the new scan id instead of a generated one.
	ScanID string

	// ForceContinue skips output validation when resuming.
	ForceContinue bool

	MergeStrategy MergeStrategy
}

func (o RecoveryOptions) validate() error {
	switch m := o.Mode.(type) {
	case nil, Fresh, Auto:
	case AtUnit:
		if m.Unit < 1 {
			return fmt.Errorf("%w: unit %d, units are numbered from 1", ErrInvalidRecovery, m.Unit)
		}
	case AtBatch:
		if m.Batch < 1 {
			return fmt.Errorf("%w: batch %d, batches are numbered from 1", ErrInvalidRecovery, m.Batch)
		}
	default:
		return fmt.Errorf("%w: unsupported mode %v", ErrInvalidRecovery, m)
	}

	if _, err := ParseMergeStrategy(string(o.MergeStrategy)); err != nil {
		return err
	}
	return nil
}
