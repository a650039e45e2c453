package cache

import (
	"time"

	"github.com/Sternrassler/vulnscan/pkg/lookup"
)

// entryVersion is bumped whenever the stored encoding changes. Entries written
// with another version read as misses and are overwritten by the next lookup.
const entryVersion = 1

// Entry is one cached lookup result.
type Entry struct {
	Version  int           `json:"v"`
	Result   lookup.Result `json:"result"`
	CachedAt time.Time     `json:"cached_at"`
	Expires  time.Time     `json:"expires"`
}

// NewEntry creates an entry valid for ttl from now.
func NewEntry(result lookup.Result, now time.Time, ttl time.Duration) *Entry {
	return &Entry{
		Version:  entryVersion,
		Result:   result,
		CachedAt: now,
		Expires:  now.Add(ttl),
	}
}

// ExpiredAt reports whether the entry is stale at now.
func (e *Entry) ExpiredAt(now time.Time) bool {
	return !now.Before(e.Expires)
}

// RemainingAt returns how long the entry stays fresh after now, never negative.
func (e *Entry) RemainingAt(now time.Time) time.Duration {
	return max(e.Expires.Sub(now), 0)
}
