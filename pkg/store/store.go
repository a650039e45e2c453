// Package store persists the findings report. Every mutation is written to a
// new file, verified, and only then renamed over the committed document, so a
// crash at any point leaves either the old or the new document in place.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/vulnscan/pkg/report"
)

// Sentinel errors returned by the store.
var (
	// ErrCommitFailed wraps every failure to write or replace the document.
	ErrCommitFailed = errors.New("commit failed")

	// ErrVerifyFailed is returned when a freshly written document does not
	// read back identically.
	ErrVerifyFailed = errors.New("verification failed")

	// ErrStaleSnapshot is returned when the document changed on disk after
	// the snapshot passed to Commit was taken.
	ErrStaleSnapshot = errors.New("document changed since snapshot")
)

// File permissions.
const (
	filePerm = 0o644
	dirPerm  = 0o755
)

// backupSuffix names the copy of the previously committed document.
const backupSuffix = ".bak"

// Prometheus metrics for document commits.
var (
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnscan_store_commits_total",
		Help: "Total document commits by result",
	}, []string{"result"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vulnscan_store_commit_duration_seconds",
		Help:    "Document commit duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	rollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vulnscan_store_rollbacks_total",
		Help: "Total documents restored from a backup",
	})
)

// docLocks serializes commits per document, keyed by absolute path, so two
// Store values opened on the same file still never interleave writes.
var docLocks sync.Map

func lockFor(path string) *sync.Mutex {
	mu, _ := docLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Options configures a Store.
type Options struct {
	// Atomic enables write-new/verify/replace. When false the document is
	// overwritten in place.
	Atomic bool

	// BackupDir receives the copy of the prior document on every commit.
	// Empty means the document's own directory.
	BackupDir string

	// Codec encodes the report. Nil means CSV.
	Codec report.Codec

	Logger zerolog.Logger
}

// Snapshot is one committed state of the document.
type Snapshot struct {
	Report      *report.Report
	Hash        string
	Path        string
	BackupPath  string
	CommittedAt time.Time
}

// Store owns the findings document. It is the only writer of that file.
type Store struct {
	path   string
	opts   Options
	codec  report.Codec
	lock   *sync.Mutex
	logger zerolog.Logger

	// beforeReplace runs after the new document was written and verified,
	// right before it replaces the committed one.
	beforeReplace func(tmpPath string) error
}

// Open prepares a store for the document at path. Temporary files left
// behind by an interrupted commit are removed.
func Open(path string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve document path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), dirPerm); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	if opts.BackupDir != "" {
		if err := os.MkdirAll(opts.BackupDir, dirPerm); err != nil {
			return nil, fmt.Errorf("create backup dir: %w", err)
		}
	}

	codec := opts.Codec
	if codec == nil {
		codec = report.CSVCodec{}
	}

	s := &Store{
		path:   abs,
		opts:   opts,
		codec:  codec,
		lock:   lockFor(abs),
		logger: opts.Logger.With().Str("component", "store").Str("document", abs).Logger(),
	}

	if !opts.Atomic {
		s.logger.Warn().Msg("Atomic operations disabled; a crash during a commit can corrupt the document")
	}

	s.removeStaleTemps()
	return s, nil
}

// Path returns the absolute path of the document.
func (s *Store) Path() string {
	return s.path
}

// BackupPath returns where the prior document is copied on commit.
func (s *Store) BackupPath() string {
	dir := s.opts.BackupDir
	if dir == "" {
		dir = filepath.Dir(s.path)
	}
	return filepath.Join(dir, filepath.Base(s.path)+backupSuffix)
}

func (s *Store) tempPattern() string {
	return "." + filepath.Base(s.path) + ".tmp-*"
}

func (s *Store) removeStaleTemps() {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(s.path), s.tempPattern()))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			s.logger.Warn().Err(err).Str("file", m).Msg("Failed to remove stale temporary document")
			continue
		}
		s.logger.Info().Str("file", m).Msg("Removed temporary document left by an interrupted commit")
	}
}

// Load reads and validates the committed document. A missing document loads
// as an empty report with an empty hash.
func (s *Store) Load() (*Snapshot, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.load()
}

func (s *Store) load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Snapshot{Report: report.New(), Path: s.path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	r, err := s.decode(data)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Report: r,
		Hash:   report.Hash(data),
		Path:   s.path,
	}, nil
}

func (s *Store) decode(data []byte) (*report.Report, error) {
	r, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("validate document: %w", err)
	}
	return r, nil
}

// Hash returns the content hash of the committed document, or "" when it
// does not exist.
func (s *Store) Hash() (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.hash()
}

func (s *Store) hash() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return report.Hash(data), nil
}

// Commit applies mutate to a copy of current and makes the result the new
// committed document. A nil current commits on top of what is on disk. On
// failure the committed document is untouched and the error wraps
// ErrCommitFailed.
func (s *Store) Commit(current *Snapshot, mutate func(*report.Report) error) (*Snapshot, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	start := time.Now()
	snap, err := s.commit(current, mutate)
	commitDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		commitsTotal.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Msg("Document commit failed")
		return nil, err
	}

	commitsTotal.WithLabelValues("ok").Inc()
	s.logger.Debug().
		Str("hash", snap.Hash).
		Int("rows", snap.Report.Len()).
		Dur("duration", time.Since(start)).
		Msg("Document committed")
	return snap, nil
}

func (s *Store) commit(current *Snapshot, mutate func(*report.Report) error) (*Snapshot, error) {
	onDisk, err := s.hash()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	var base *report.Report
	if current == nil {
		snap, err := s.load()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
		}
		base = snap.Report
	} else {
		if current.Hash != onDisk {
			return nil, fmt.Errorf("%w: %w", ErrCommitFailed, ErrStaleSnapshot)
		}
		base = current.Report.Clone()
	}

	if mutate != nil {
		if err := mutate(base); err != nil {
			return nil, fmt.Errorf("%w: mutate: %v", ErrCommitFailed, err)
		}
	}
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	data, err := s.codec.Encode(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	backupPath := ""
	if onDisk != "" {
		backupPath, err = s.backup()
		if err != nil {
			return nil, fmt.Errorf("%w: backup: %v", ErrCommitFailed, err)
		}
	}

	if err := s.replace(data); err != nil {
		return nil, err
	}

	return &Snapshot{
		Report:      base,
		Hash:        report.Hash(data),
		Path:        s.path,
		BackupPath:  backupPath,
		CommittedAt: time.Now().UTC(),
	}, nil
}

// replace makes data the committed document.
func (s *Store) replace(data []byte) error {
	if !s.opts.Atomic {
		if err := os.WriteFile(s.path, data, filePerm); err != nil {
			return fmt.Errorf("%w: write: %v", ErrCommitFailed, err)
		}
		return nil
	}

	tmpPath, err := s.writeTemp(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	// Removes the temp file on every failure path; after the rename it is gone.
	defer os.Remove(tmpPath)

	if err := s.verify(tmpPath, data); err != nil {
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	if s.beforeReplace != nil {
		if err := s.beforeReplace(tmpPath); err != nil {
			return fmt.Errorf("%w: %v", ErrCommitFailed, err)
		}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrCommitFailed, err)
	}
	syncDir(filepath.Dir(s.path))

	return nil
}

// writeTemp writes data to a new file next to the document and syncs it.
func (s *Store) writeTemp(data []byte) (string, error) {
	fd, err := os.CreateTemp(filepath.Dir(s.path), s.tempPattern())
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmpPath := fd.Name()

	if _, err := fd.Write(data); err != nil {
		fd.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write temp: %w", err)
	}

	if err := fd.Sync(); err != nil {
		fd.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("sync temp: %w", err)
	}

	if err := fd.Chmod(filePerm); err != nil {
		fd.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("chmod temp: %w", err)
	}

	if err := fd.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp: %w", err)
	}

	return tmpPath, nil
}

// verify reads the written file back and checks it decodes to a valid report
// with the expected content.
func (s *Store) verify(tmpPath string, want []byte) error {
	got, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: read back: %v", ErrVerifyFailed, err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w: content differs from what was written", ErrVerifyFailed)
	}
	if _, err := s.decode(got); err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	return nil
}

// backup copies the committed document to BackupPath.
func (s *Store) backup() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}

	dst := s.BackupPath()
	if err := WriteFileAtomic(dst, data); err != nil {
		return "", err
	}
	return dst, nil
}

// Rollback restores the document from a backup file. The backup must decode
// to a valid report.
func (s *Store) Rollback(backupPath string) (*Snapshot, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}

	r, err := s.decode(data)
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", backupPath, err)
	}

	if err := s.replace(data); err != nil {
		return nil, err
	}

	rollbacksTotal.Inc()
	s.logger.Warn().Str("backup", backupPath).Msg("Document rolled back from backup")

	return &Snapshot{
		Report:      r,
		Hash:        report.Hash(data),
		Path:        s.path,
		BackupPath:  backupPath,
		CommittedAt: time.Now().UTC(),
	}, nil
}

// WriteFileAtomic writes data to path through a synced temp file and a
// rename, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	fd, err := os.CreateTemp(dir, "."+strings.TrimPrefix(filepath.Base(path), ".")+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := fd.Name()

	if _, err := fd.Write(data); err != nil {
		fd.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := fd.Sync(); err != nil {
		fd.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := fd.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir flushes a directory entry update. Failures are ignored: not every
// platform supports syncing directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
