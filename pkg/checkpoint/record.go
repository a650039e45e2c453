// Package checkpoint persists hash-verified snapshots of scan progress
// together with a backup of the findings document at that point.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/vulnscan/pkg/progress"
)

// FormatVersion is the current record format version. Records written by a
// newer version are rejected; older versions are read as far as their
// fields allow.
const FormatVersion = 1

// Sentinel errors for checkpoint validation.
var (
	ErrNotFound            = errors.New("checkpoint not found")
	ErrCorruptedCheckpoint = errors.New("corrupted checkpoint")
	ErrUnsupportedVersion  = errors.New("unsupported checkpoint version")
	ErrInvalidRecord       = errors.New("invalid checkpoint record")
)

// Record is one checkpoint. It is immutable once written.
type Record struct {
	Version     int    `json:"version"`
	ID          string `json:"checkpoint_id"`
	ScanID      string `json:"scan_id"`
	BatchNumber int    `json:"batch_number"`

	State progress.BatchState `json:"state"`

	// OutputBackup is the backup file name inside the checkpoint directory.
	OutputBackup string `json:"output_backup"`
	// OutputHash is the content hash of OutputBackup.
	OutputHash string `json:"output_content_hash"`
	// OutputPath is the document the backup was taken from.
	OutputPath string `json:"output_path"`

	// CompletedUnits lists the settled prefix of the work list, in order.
	CompletedUnits []string `json:"completed_units"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Validate checks the structural invariants of a record.
func (r *Record) Validate() error {
	switch {
	case r.Version < 1:
		return fmt.Errorf("%w: missing version", ErrInvalidRecord)
	case r.Version > FormatVersion:
		return fmt.Errorf("%w: version %d, supported up to %d", ErrUnsupportedVersion, r.Version, FormatVersion)
	case r.ID == "" || r.ScanID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case r.State.ScanID != r.ScanID:
		return fmt.Errorf("%w: state belongs to scan %q", ErrInvalidRecord, r.State.ScanID)
	case r.OutputBackup == "" || r.OutputHash == "":
		return fmt.Errorf("%w: missing output backup", ErrInvalidRecord)
	case len(r.CompletedUnits) != r.State.CompletedUnits:
		return fmt.Errorf("%w: %d completed unit ids for %d completed units",
			ErrInvalidRecord, len(r.CompletedUnits), r.State.CompletedUnits)
	}
	return nil
}

// Expired reports whether the record is past its retention at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
