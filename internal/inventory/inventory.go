// Package inventory reads the list of packages to scan.
package inventory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/vulnscan/pkg/batch"
	"github.com/Sternrassler/vulnscan/pkg/lookup"
)

// Stats describes what was dropped while reading an inventory.
type Stats struct {
	Lines      int
	Skipped    int // blank and comment lines
	Duplicates []string
}

// Read parses one unit id per line. Blank lines and lines starting with '#'
// are skipped, trailing comments are not supported. Duplicates keep their
// first position. Every id must parse as ecosystem:name@version.
func Read(r io.Reader) ([]batch.WorkUnit, Stats, error) {
	var (
		stats Stats
		ids   []string
		seen  = make(map[string]struct{})
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		stats.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			stats.Skipped++
			continue
		}

		if _, err := lookup.ParsePackage(line); err != nil {
			return nil, stats, fmt.Errorf("line %d: %w", stats.Lines, err)
		}
		if _, dup := seen[line]; dup {
			stats.Duplicates = append(stats.Duplicates, line)
			continue
		}
		seen[line] = struct{}{}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("read inventory: %w", err)
	}

	return batch.NewWorkList(ids), stats, nil
}

// ReadFile reads the inventory at path.
func ReadFile(path string) ([]batch.WorkUnit, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("open inventory: %w", err)
	}
	defer f.Close()

	units, stats, err := Read(f)
	if err != nil {
		return nil, stats, fmt.Errorf("%s: %w", path, err)
	}
	return units, stats, nil
}
