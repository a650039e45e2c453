// Package ratelimit paces outbound requests to named external resources
// (vulnerability databases, advisory APIs) across every concurrently running
// unit of work, so provider-imposed limits are never violated by bursts.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known resource names used by the lookup sources.
const (
	ResourceOSV    = "osv"
	ResourceNVD    = "nvd"
	ResourceGitHub = "github-advisory"
)

// DefaultInterval paces resources that have no configured limit.
// It is deliberately conservative: one request per second.
const DefaultInterval = time.Second

// Redis keys for distributed pacing state.
const (
	RedisKeyPrefix = "vulnscan:ratelimit:"
)

// Limit describes how a single resource may be called.
type Limit struct {
	// Interval is the minimum gap between two requests. Zero disables pacing.
	Interval time.Duration `json:"interval"`

	// Requests and Window optionally add a rolling quota on top of Interval,
	// e.g. 5 requests per 30s for the public NVD API. Requests <= 0 disables it.
	Requests int           `json:"requests,omitempty"`
	Window   time.Duration `json:"window,omitempty"`
}

// HasQuota reports whether the limit carries a requests-per-window quota.
func (l Limit) HasQuota() bool {
	return l.Requests > 0 && l.Window > 0
}

// Limits maps resource names to their pacing limits.
type Limits map[string]Limit

// DefaultLimits returns the published limits of the built-in sources.
func DefaultLimits() Limits {
	return Limits{
		ResourceOSV:    {Interval: 100 * time.Millisecond},
		ResourceNVD:    {Interval: 6 * time.Second, Requests: 5, Window: 30 * time.Second},
		ResourceGitHub: {Interval: 750 * time.Millisecond},
	}
}

// For returns the limit for resource, falling back to fallback when the
// resource is not configured.
func (l Limits) For(resource string, fallback time.Duration) Limit {
	if limit, ok := l[resource]; ok {
		return limit
	}
	return Limit{Interval: fallback}
}

// Merge returns a copy of l overridden by other.
func (l Limits) Merge(other Limits) Limits {
	out := make(Limits, len(l)+len(other))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// ParseQuota parses a quota expression of the form "N/duration", e.g. "5/30s".
func ParseQuota(s string) (requests int, window time.Duration, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("quota %q: expected N/duration", s)
	}

	requests, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || requests <= 0 {
		return 0, 0, fmt.Errorf("quota %q: invalid request count", s)
	}

	window, err = time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return 0, 0, fmt.Errorf("quota %q: invalid window", s)
	}

	return requests, window, nil
}
