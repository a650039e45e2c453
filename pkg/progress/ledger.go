package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/Sternrassler/vulnscan/pkg/batch"
)

// Ledger durably records per-unit outcomes.
type Ledger interface {
	RecordOutcomes(ctx context.Context, scanID string, batchNumber int, outcomes []batch.UnitOutcome) error
	Close() error
}

// OutcomeRow is one recorded unit outcome.
type OutcomeRow struct {
	ScanID     string
	Ordinal    int
	Unit       string
	Batch      int
	Status     string
	Attempts   int
	Duration   time.Duration
	Error      string
	RecordedAt time.Time
}

// SQLiteLedger implements Ledger using SQLite. A unit processed again
// (after an interruption or a resume) replaces its earlier row.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens or creates the ledger database at path.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One writer; database/sql would otherwise open several connections
	// that contend for the file lock.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}

	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS unit_outcomes (
		scan_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		unit TEXT NOT NULL,
		batch INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		recorded_at DATETIME NOT NULL,
		PRIMARY KEY (scan_id, ordinal)
	);
	`
	_, err := l.db.Exec(query)
	return err
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// RecordOutcomes upserts the outcomes of one batch in a single transaction.
func (l *SQLiteLedger) RecordOutcomes(ctx context.Context, scanID string, batchNumber int, outcomes []batch.UnitOutcome) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO unit_outcomes (scan_id, ordinal, unit, batch, status, attempts, duration_ms, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scan_id, ordinal) DO UPDATE SET
			unit = excluded.unit,
			batch = excluded.batch,
			status = excluded.status,
			attempts = excluded.attempts,
			duration_ms = excluded.duration_ms,
			error = excluded.error,
			recorded_at = excluded.recorded_at
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, o := range outcomes {
		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}
		if _, err = stmt.ExecContext(ctx, scanID, o.Unit.Ordinal, o.Unit.ID, batchNumber, string(o.Status),
			o.Attempts, o.Duration.Milliseconds(), errText, now); err != nil {
			return fmt.Errorf("insert outcome of %s: %w", o.Unit.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Outcomes returns the recorded outcomes of a scan in work-list order,
// optionally filtered by status.
func (l *SQLiteLedger) Outcomes(ctx context.Context, scanID string, status batch.UnitStatus) ([]OutcomeRow, error) {
	query := `SELECT scan_id, ordinal, unit, batch, status, attempts, duration_ms, error, recorded_at
		FROM unit_outcomes WHERE scan_id = ? AND (? = '' OR status = ?) ORDER BY ordinal`

	rows, err := l.db.QueryContext(ctx, query, scanID, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRow
	for rows.Next() {
		var (
			r          OutcomeRow
			durationMS int64
		)
		if err := rows.Scan(&r.ScanID, &r.Ordinal, &r.Unit, &r.Batch, &r.Status, &r.Attempts, &durationMS, &r.Error, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts returns the number of recorded outcomes per status for a scan.
func (l *SQLiteLedger) Counts(ctx context.Context, scanID string) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM unit_outcomes WHERE scan_id = ? GROUP BY status`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
