// Package report models the scan's findings document: one row per finding
// (or one "clean" row per source) for every scanned unit, kept in a
// deterministic order so equal scans produce byte-identical files.
package report

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Sternrassler/vulnscan/pkg/lookup"
)

// Row statuses.
const (
	StatusVulnerable = "vulnerable"
	StatusClean      = "clean"
)

// ErrInvalidReport is returned when a report fails structural validation.
var ErrInvalidReport = errors.New("invalid report")

// Row is one line of the report.
type Row struct {
	Ordinal   int
	Unit      string
	Source    string
	FindingID string
	Severity  string
	Summary   string
	Status    string
}

// less orders rows by (ordinal, source, finding id).
func (r Row) less(o Row) bool {
	if r.Ordinal != o.Ordinal {
		return r.Ordinal < o.Ordinal
	}
	if r.Source != o.Source {
		return r.Source < o.Source
	}
	return r.FindingID < o.FindingID
}

// Change replaces every row of one unit.
type Change struct {
	Ordinal int
	Unit    string
	Rows    []Row
}

// BuildChange turns the lookup results of one unit into report rows. A
// finding reported more than once by the same source yields one row; the
// first occurrence wins.
func BuildChange(ordinal int, unit string, results []lookup.Result) Change {
	c := Change{Ordinal: ordinal, Unit: unit}

	type rowKey struct{ source, finding string }
	seen := make(map[rowKey]struct{})
	add := func(row Row) {
		k := rowKey{row.Source, row.FindingID}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		c.Rows = append(c.Rows, row)
	}

	for _, res := range results {
		if len(res.Findings) == 0 {
			add(Row{
				Ordinal: ordinal,
				Unit:    unit,
				Source:  res.Source,
				Status:  StatusClean,
			})
			continue
		}
		for _, f := range res.Findings {
			add(Row{
				Ordinal:   ordinal,
				Unit:      unit,
				Source:    res.Source,
				FindingID: f.ID,
				Severity:  f.Severity,
				Summary:   f.Summary,
				Status:    StatusVulnerable,
			})
		}
	}

	sort.Slice(c.Rows, func(i, j int) bool { return c.Rows[i].less(c.Rows[j]) })
	return c
}

// Validate checks that the change can be merged into any valid report: every
// row belongs to the change's unit, is well formed and appears once.
func (c Change) Validate() error {
	if len(c.Rows) == 0 {
		return fmt.Errorf("%w: unit %s: no rows", ErrInvalidReport, c.Unit)
	}

	for i, row := range c.Rows {
		if row.Ordinal != c.Ordinal || row.Unit != c.Unit {
			return fmt.Errorf("%w: unit %s: row for %d/%s", ErrInvalidReport, c.Unit, row.Ordinal, row.Unit)
		}
		if err := validateRow(row); err != nil {
			return fmt.Errorf("%w: unit %s: %v", ErrInvalidReport, c.Unit, err)
		}
		if i > 0 && !c.Rows[i-1].less(row) {
			return fmt.Errorf("%w: unit %s: out of order or duplicate (%s/%s)",
				ErrInvalidReport, c.Unit, row.Source, row.FindingID)
		}
	}
	return nil
}

// Report is the in-memory findings document. The zero value is not usable;
// call New.
type Report struct {
	rows []Row
}

// New creates an empty report.
func New() *Report {
	return &Report{}
}

// Len returns the number of rows.
func (r *Report) Len() int {
	return len(r.rows)
}

// Rows returns a copy of all rows in document order.
func (r *Report) Rows() []Row {
	out := make([]Row, len(r.rows))
	copy(out, r.rows)
	return out
}

// Units returns the number of distinct units present.
func (r *Report) Units() int {
	n := 0
	for i, row := range r.rows {
		if i == 0 || row.Ordinal != r.rows[i-1].Ordinal {
			n++
		}
	}
	return n
}

// Has reports whether the unit at ordinal has any rows.
func (r *Report) Has(ordinal int) bool {
	i := sort.Search(len(r.rows), func(i int) bool { return r.rows[i].Ordinal >= ordinal })
	return i < len(r.rows) && r.rows[i].Ordinal == ordinal
}

// Clone returns a deep copy.
func (r *Report) Clone() *Report {
	return &Report{rows: r.Rows()}
}

// Reset removes every row.
func (r *Report) Reset() {
	r.rows = nil
}

// Merge replaces all rows of every changed unit. Applying the same change
// twice leaves the report unchanged.
func (r *Report) Merge(changes ...Change) {
	if len(changes) == 0 {
		return
	}

	// Later changes of the same unit win.
	latest := make(map[int]Change, len(changes))
	for _, c := range changes {
		latest[c.Ordinal] = c
	}

	var added []Row
	for _, c := range latest {
		added = append(added, c.Rows...)
	}

	kept := r.rows[:0:0]
	for _, row := range r.rows {
		if _, ok := latest[row.Ordinal]; !ok {
			kept = append(kept, row)
		}
	}

	r.rows = append(kept, added...)
	sort.SliceStable(r.rows, func(i, j int) bool { return r.rows[i].less(r.rows[j]) })
}

// Validate checks the structure of the report: ordering, no duplicate rows,
// one unit id per ordinal and known statuses.
func (r *Report) Validate() error {
	for i, row := range r.rows {
		if err := validateRow(row); err != nil {
			return fmt.Errorf("%w: row %d: %v", ErrInvalidReport, i+1, err)
		}
		if i == 0 {
			continue
		}

		prev := r.rows[i-1]
		if !prev.less(row) {
			return fmt.Errorf("%w: row %d: out of order or duplicate (%d/%s/%s)",
				ErrInvalidReport, i+1, row.Ordinal, row.Source, row.FindingID)
		}
		if prev.Ordinal == row.Ordinal && prev.Unit != row.Unit {
			return fmt.Errorf("%w: row %d: ordinal %d maps to both %q and %q",
				ErrInvalidReport, i+1, row.Ordinal, prev.Unit, row.Unit)
		}
	}
	return nil
}

func validateRow(row Row) error {
	switch {
	case row.Ordinal < 0:
		return fmt.Errorf("negative ordinal %d", row.Ordinal)
	case row.Unit == "":
		return errors.New("empty unit")
	case row.Source == "":
		return errors.New("empty source")
	}

	switch row.Status {
	case StatusClean:
		if row.FindingID != "" {
			return fmt.Errorf("clean row carries finding %q", row.FindingID)
		}
	case StatusVulnerable:
		if row.FindingID == "" {
			return errors.New("vulnerable row without finding id")
		}
	default:
		return fmt.Errorf("unknown status %q", row.Status)
	}
	return nil
}
