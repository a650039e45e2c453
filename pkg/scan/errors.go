package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/vulnscan/pkg/checkpoint"
	"github.com/Sternrassler/vulnscan/pkg/lookup"
	"github.com/Sternrassler/vulnscan/pkg/retry"
	"github.com/Sternrassler/vulnscan/pkg/store"
)

// Sentinel errors returned by the controller.
var (
	// ErrInterrupted is returned after a graceful stop.
	ErrInterrupted = errors.New("scan interrupted")

	// ErrFatal is returned when the output can no longer be written.
	ErrFatal = errors.New("fatal scan error")

	// ErrOutputDiverged is returned when the output does not match the
	// checkpoint being resumed and no resolution was chosen.
	ErrOutputDiverged = errors.New("output diverged from checkpoint")

	// ErrWorkListMismatch is returned when a checkpoint's completed units
	// are not a prefix of the work list.
	ErrWorkListMismatch = errors.New("work list does not match checkpoint")

	// ErrInvalidRecovery is returned for unusable recovery options.
	ErrInvalidRecovery = errors.New("invalid recovery options")
)

// DivergenceError describes an output document whose hash differs from the
// checkpoint a run wants to resume from.
type DivergenceError struct {
	CheckpointID string
	Document     string
	ExpectedHash string
	ActualHash   string
}

func (e *DivergenceError) Error() string {
	against := "the last commit"
	if e.CheckpointID != "" {
		against = "checkpoint " + e.CheckpointID
	}
	return fmt.Sprintf("%s: %s has hash %s, %s recorded %s; resolve with --merge-strategy %s|%s or --force-continue",
		ErrOutputDiverged, e.Document, short(e.ActualHash), against, short(e.ExpectedHash), UseCheckpoint, UseCurrent)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DivergenceError) Unwrap() error {
	return ErrOutputDiverged
}

// Resolutions lists the ways an operator can resolve the divergence.
func (e *DivergenceError) Resolutions() []MergeStrategy {
	return []MergeStrategy{UseCheckpoint, UseCurrent, Manual}
}

func short(hash string) string {
	if hash == "" {
		return "<missing>"
	}
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// ErrorKind places a failure in the scan error taxonomy.
type ErrorKind int

const (
	// KindNone means no error.
	KindNone ErrorKind = iota
	// KindTransient failures are retried and never fail a scan.
	KindTransient
	// KindBatchPartial failures mark single units failed; the scan continues.
	KindBatchPartial
	// KindDurability failures skip a commit or checkpoint; the scan continues with a warning.
	KindDurability
	// KindCorruption failures halt until an operator picks a resolution.
	KindCorruption
	// KindFatal failures halt the scan.
	KindFatal
	// KindInterrupted marks a graceful stop.
	KindInterrupted
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindBatchPartial:
		return "batch-partial"
	case KindDurability:
		return "durability"
	case KindCorruption:
		return "corruption"
	case KindFatal:
		return "fatal"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Classify maps an error from any layer of the engine to its kind.
// Unrecognized errors are fatal.
func Classify(err error) ErrorKind {
	var lookupErr *lookup.Error

	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return KindInterrupted
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrOutputDiverged), errors.Is(err, ErrWorkListMismatch),
		errors.Is(err, checkpoint.ErrCorruptedCheckpoint), errors.Is(err, store.ErrStaleSnapshot):
		return KindCorruption
	case errors.Is(err, store.ErrCommitFailed), errors.Is(err, checkpoint.ErrInvalidRecord):
		return KindDurability
	case errors.Is(err, retry.ErrRetryExhausted):
		return KindBatchPartial
	case errors.As(err, &lookupErr):
		if lookupErr.Kind == lookup.Transient {
			return KindTransient
		}
		return KindBatchPartial
	default:
		return KindFatal
	}
}
