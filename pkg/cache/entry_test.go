package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Sternrassler/vulnscan/pkg/lookup"
)

func TestEntry_Freshness(t *testing.T) {
	cachedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := NewEntry(lookup.Result{Source: "osv"}, cachedAt, time.Hour)

	assert.Equal(t, entryVersion, entry.Version)
	assert.Equal(t, cachedAt, entry.CachedAt)

	tests := []struct {
		name      string
		at        time.Time
		expired   bool
		remaining time.Duration
	}{
		{"at write", cachedAt, false, time.Hour},
		{"half way", cachedAt.Add(30 * time.Minute), false, 30 * time.Minute},
		{"at deadline", cachedAt.Add(time.Hour), true, 0},
		{"long after", cachedAt.Add(48 * time.Hour), true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expired, entry.ExpiredAt(tt.at))
			assert.Equal(t, tt.remaining, entry.RemainingAt(tt.at))
		})
	}
}
