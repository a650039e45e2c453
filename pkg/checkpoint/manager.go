package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/vulnscan/pkg/clock"
	"github.com/Sternrassler/vulnscan/pkg/progress"
	"github.com/Sternrassler/vulnscan/pkg/report"
	"github.com/Sternrassler/vulnscan/pkg/store"
)

// DefaultRetention is how long a checkpoint stays valid.
const DefaultRetention = 7 * 24 * time.Hour // 7 days.

// Directory permissions for checkpoints.
const dirPerm = 0o750

// File name parts.
const (
	recordSuffix    = ".checkpoint.json"
	backupInfix     = ".backup"
	timestampFormat = "20060102T150405.000Z"
)

// Prometheus metrics for checkpoints.
var (
	createdTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vulnscan_checkpoints_created_total",
		Help: "Total checkpoints written",
	})

	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vulnscan_checkpoints_failed_total",
		Help: "Total checkpoint writes that failed",
	})

	corruptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vulnscan_checkpoints_corrupted_total",
		Help: "Total checkpoints rejected by validation",
	})
)

// Manager creates, lists, verifies and removes checkpoints in one directory.
type Manager struct {
	dir       string
	codec     report.Codec
	clock     clock.Clock
	logger    zerolog.Logger
	Retention time.Duration
}

// NewManager creates a manager for dir, creating it if needed. codec must
// match the codec of the document being backed up; nil means CSV.
func NewManager(dir string, codec report.Codec, clk clock.Clock, logger zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if codec == nil {
		codec = report.CSVCodec{}
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Manager{
		dir:       dir,
		codec:     codec,
		clock:     clk,
		logger:    logger.With().Str("component", "checkpoint").Logger(),
		Retention: DefaultRetention,
	}, nil
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string {
	return m.dir
}

// NewID derives a checkpoint id from the scan id, time and batch number.
func NewID(scanID string, at time.Time, batchNumber int) string {
	return fmt.Sprintf("%s_%s_b%04d", scanID, at.UTC().Format(timestampFormat), batchNumber)
}

func (m *Manager) recordPath(id string) string {
	return filepath.Join(m.dir, id+recordSuffix)
}

// BackupPath returns the absolute path of a record's output backup.
func (m *Manager) BackupPath(rec *Record) string {
	return filepath.Join(m.dir, filepath.Base(rec.OutputBackup))
}

// Create writes a checkpoint for state, backing up snap's report. The
// backup is written first; the record file is the commit point. On failure
// nothing is left behind and the caller should continue without this
// checkpoint.
func (m *Manager) Create(state progress.BatchState, snap *store.Snapshot, completed []string, metadata map[string]string) (*Record, error) {
	rec, err := m.create(state, snap, completed, metadata)
	if err != nil {
		failedTotal.Inc()
		m.logger.Warn().Err(err).Str("scan_id", state.ScanID).Int("batch", state.CurrentBatch).Msg("Checkpoint write failed")
		return nil, err
	}

	createdTotal.Inc()
	m.logger.Info().
		Str("checkpoint_id", rec.ID).
		Str("scan_id", rec.ScanID).
		Int("batch", rec.BatchNumber).
		Int("completed_units", len(rec.CompletedUnits)).
		Msg("Checkpoint created")

	return rec, nil
}

func (m *Manager) create(state progress.BatchState, snap *store.Snapshot, completed []string, metadata map[string]string) (*Record, error) {
	if snap == nil || snap.Report == nil {
		return nil, fmt.Errorf("%w: no output snapshot", ErrInvalidRecord)
	}

	data, err := m.codec.Encode(snap.Report)
	if err != nil {
		return nil, fmt.Errorf("encode output backup: %w", err)
	}
	hash := report.Hash(data)
	if snap.Hash != "" && snap.Hash != hash {
		return nil, fmt.Errorf("%w: snapshot hash %s does not match its report", ErrInvalidRecord, snap.Hash)
	}

	now := m.clock.Now().UTC()
	id := NewID(state.ScanID, now, state.CurrentBatch)
	state = state.Clone()
	state.LastCheckpointBatch = state.CurrentBatch

	rec := &Record{
		Version:        FormatVersion,
		ID:             id,
		ScanID:         state.ScanID,
		BatchNumber:    state.CurrentBatch,
		State:          state,
		OutputBackup:   id + backupInfix + m.codec.Extension(),
		OutputHash:     hash,
		OutputPath:     snap.Path,
		CompletedUnits: append([]string(nil), completed...),
		Metadata:       metadata,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.Retention),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	recData, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	backupPath := m.BackupPath(rec)
	if err := store.WriteFileAtomic(backupPath, data); err != nil {
		return nil, fmt.Errorf("write output backup: %w", err)
	}
	if err := store.WriteFileAtomic(m.recordPath(id), recData); err != nil {
		os.Remove(backupPath)
		return nil, fmt.Errorf("write record: %w", err)
	}

	return rec, nil
}

// readRecord decodes a record file without verifying its backup.
func (m *Manager) readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: unmarshal record: %v", ErrCorruptedCheckpoint, err)
	}
	if err := rec.Validate(); err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrCorruptedCheckpoint, err)
	}
	return &rec, nil
}

// Load returns a record after verifying that its backup still hashes to
// the stored value. Any mismatch is reported as ErrCorruptedCheckpoint.
func (m *Manager) Load(id string) (*Record, error) {
	rec, err := m.readRecord(m.recordPath(id))
	if err != nil {
		if errors.Is(err, ErrCorruptedCheckpoint) {
			corruptedTotal.Inc()
		}
		return nil, fmt.Errorf("checkpoint %s: %w", id, err)
	}

	if err := m.verifyBackup(rec); err != nil {
		corruptedTotal.Inc()
		m.logger.Error().Err(err).Str("checkpoint_id", id).Msg("Checkpoint failed verification")
		return nil, fmt.Errorf("checkpoint %s: %w", id, err)
	}

	return rec, nil
}

func (m *Manager) verifyBackup(rec *Record) error {
	data, err := os.ReadFile(m.BackupPath(rec))
	if err != nil {
		return fmt.Errorf("%w: read output backup: %v", ErrCorruptedCheckpoint, err)
	}
	if got := report.Hash(data); got != rec.OutputHash {
		return fmt.Errorf("%w: output backup hash %s, recorded %s", ErrCorruptedCheckpoint, got, rec.OutputHash)
	}
	if _, err := m.codec.Decode(data); err != nil {
		return fmt.Errorf("%w: output backup: %v", ErrCorruptedCheckpoint, err)
	}
	return nil
}

// List returns the non-expired records of scanID, newest first. Backups are
// not verified; use Load for that.
func (m *Manager) List(scanID string) ([]*Record, error) {
	return m.list(func(r *Record) bool { return r.ScanID == scanID })
}

// ListAll returns the non-expired records of every scan, newest first.
func (m *Manager) ListAll() ([]*Record, error) {
	return m.list(func(*Record) bool { return true })
}

func (m *Manager) list(keep func(*Record) bool) ([]*Record, error) {
	paths, err := filepath.Glob(filepath.Join(m.dir, "*"+recordSuffix))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	now := m.clock.Now()
	var records []*Record
	for _, p := range paths {
		rec, err := m.readRecord(p)
		if err != nil {
			m.logger.Warn().Err(err).Str("file", filepath.Base(p)).Msg("Skipping unreadable checkpoint")
			continue
		}
		if rec.Expired(now) || !keep(rec) {
			continue
		}
		records = append(records, rec)
	}

	sortNewestFirst(records)
	return records, nil
}

func sortNewestFirst(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].BatchNumber > records[j].BatchNumber
	})
}

// idSuffix matches what NewID appends to the scan id, so files of a scan
// whose id merely starts with another scan's id are told apart.
var idSuffix = regexp.MustCompile(`^_\d{8}T\d{6}\.\d{3}Z_b\d{4,}`)

// ownedBy reports whether the file name base is a record or backup written
// for scanID.
func (m *Manager) ownedBy(scanID, base string) bool {
	rest, ok := strings.CutPrefix(base, scanID)
	if !ok {
		return false
	}
	loc := idSuffix.FindStringIndex(rest)
	if loc == nil {
		return false
	}
	switch rest[loc[1]:] {
	case recordSuffix, backupInfix + m.codec.Extension():
		return true
	default:
		return false
	}
}

// ExpireAndCleanup removes every checkpoint artifact of scanID, including
// unreadable ones. Records are matched by their stored scan id, leftovers by
// their exact file name. It returns the number of records removed.
func (m *Manager) ExpireAndCleanup(scanID string) (int, error) {
	if scanID == "" || strings.ContainsAny(scanID, `/\*?[`) {
		return 0, fmt.Errorf("%w: scan id %q", ErrInvalidRecord, scanID)
	}

	paths, err := filepath.Glob(filepath.Join(m.dir, scanID+"_*"))
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}

	remove := func(path string) error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}

	removed := 0
	var errs []error
	for _, p := range paths {
		base := filepath.Base(p)
		if !m.ownedBy(scanID, base) {
			continue
		}

		if !strings.HasSuffix(base, recordSuffix) {
			if err := remove(p); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		rec, err := m.readRecord(p)
		if err == nil {
			if rec.ScanID != scanID {
				continue
			}
			if err := remove(m.BackupPath(rec)); err != nil {
				errs = append(errs, err)
			}
		}
		if err := remove(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	m.logger.Info().Str("scan_id", scanID).Int("removed", removed).Msg("Checkpoints cleaned up")
	return removed, errors.Join(errs...)
}

// PruneExpired removes every record past its retention together with its
// backup. It returns the number of records removed.
func (m *Manager) PruneExpired() (int, error) {
	paths, err := filepath.Glob(filepath.Join(m.dir, "*"+recordSuffix))
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}

	now := m.clock.Now()
	removed := 0
	var errs []error
	for _, p := range paths {
		rec, err := m.readRecord(p)
		if err != nil || !rec.Expired(now) {
			continue
		}
		if err := os.Remove(m.BackupPath(rec)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		m.logger.Debug().Str("checkpoint_id", rec.ID).Msg("Expired checkpoint removed")
	}

	return removed, errors.Join(errs...)
}

// Restore replaces the document owned by st with the record's backup after
// verifying it.
func (m *Manager) Restore(rec *Record, st *store.Store) (*store.Snapshot, error) {
	if err := m.verifyBackup(rec); err != nil {
		corruptedTotal.Inc()
		return nil, fmt.Errorf("checkpoint %s: %w", rec.ID, err)
	}

	snap, err := st.Rollback(m.BackupPath(rec))
	if err != nil {
		return nil, fmt.Errorf("restore checkpoint %s: %w", rec.ID, err)
	}

	m.logger.Warn().
		Str("checkpoint_id", rec.ID).
		Str("document", st.Path()).
		Msg("Document restored from checkpoint backup")

	return snap, nil
}
