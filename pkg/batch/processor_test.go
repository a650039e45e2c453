package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/vulnscan/internal/testutil"
	"github.com/Sternrassler/vulnscan/pkg/clock"
	"github.com/Sternrassler/vulnscan/pkg/lookup"
	"github.com/Sternrassler/vulnscan/pkg/report"
	"github.com/Sternrassler/vulnscan/pkg/retry"
)

// countingLimiter grants immediately and counts acquisitions per resource.
type countingLimiter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingLimiter() *countingLimiter {
	return &countingLimiter{calls: make(map[string]int)}
}

func (l *countingLimiter) Acquire(ctx context.Context, resource string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[resource]++
	return nil
}

func (l *countingLimiter) count(resource string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[resource]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInitialBackoff = time.Millisecond
	cfg.RetryMaxBackoff = 5 * time.Millisecond
	cfg.ShutdownGrace = 5 * time.Second
	return cfg
}

func unitIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("PyPI:pkg-%d@1.0.0", i+1)
	}
	return ids
}

func newTestProcessor(t *testing.T, cfg Config, limiter RateLimiter, sources ...lookup.Source) *Processor {
	t.Helper()
	p, err := NewProcessor(sources, limiter, cfg, clock.Real{}, zerolog.Nop())
	require.NoError(t, err)
	return p
}

func TestProcessor_PartialFailureDoesNotAbortBatch(t *testing.T) {
	cfg := testConfig()
	src := testutil.NewFakeSource("osv")
	units := NewWorkList(unitIDs(10))
	failing := units[3].ID
	src.FailAlways(failing, lookup.Transient)

	limiter := newCountingLimiter()
	p := newTestProcessor(t, cfg, limiter, src)

	result := p.RunBatch(context.Background(), 1, units, Plan{Size: 10})

	succeeded, failed, skipped := result.Counts()
	assert.Equal(t, 9, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, skipped)
	require.Len(t, result.Outcomes, 10)
	assert.Equal(t, 10, result.Settled())

	out := result.Outcomes[3]
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, failing, out.Unit.ID)
	assert.ErrorIs(t, out.Err, retry.ErrRetryExhausted)
	assert.ErrorIs(t, out.Err, testutil.ErrInjected)
	assert.Equal(t, cfg.MaxRetryAttempts+1, out.Attempts)

	assert.Equal(t, cfg.MaxRetryAttempts+1, src.Calls(failing))
	// Every attempt passes through the limiter.
	assert.Equal(t, 9+cfg.MaxRetryAttempts+1, limiter.count("osv"))

	assert.Len(t, result.Changes(), 9)
}

func TestProcessor_PermanentFailureIsNotRetried(t *testing.T) {
	src := testutil.NewFakeSource("osv")
	units := NewWorkList(unitIDs(3))
	src.FailAlways(units[1].ID, lookup.Permanent)

	p := newTestProcessor(t, testConfig(), newCountingLimiter(), src)
	result := p.RunBatch(context.Background(), 1, units, Plan{Size: 3})

	assert.Equal(t, StatusFailed, result.Outcomes[1].Status)
	assert.Equal(t, 1, src.Calls(units[1].ID))
	assert.NotErrorIs(t, result.Outcomes[1].Err, retry.ErrRetryExhausted)
}

func TestProcessor_UnmergeableRowsFailOnlyTheirUnit(t *testing.T) {
	src := testutil.NewFakeSource("osv")
	units := NewWorkList(unitIDs(4))
	src.SetFindings(units[1].ID, lookup.Finding{ID: "GHSA-dup"}, lookup.Finding{ID: "GHSA-dup"})
	src.SetFindings(units[2].ID, lookup.Finding{Severity: "HIGH", Summary: "finding without an id"})

	p := newTestProcessor(t, testConfig(), newCountingLimiter(), src)
	result := p.RunBatch(context.Background(), 1, units, Plan{Size: 4})

	assert.Equal(t, StatusSucceeded, result.Outcomes[1].Status, "repeated findings collapse into one row")
	require.Len(t, result.Outcomes[1].Change().Rows, 1)

	bad := result.Outcomes[2]
	assert.Equal(t, StatusFailed, bad.Status)
	assert.ErrorIs(t, bad.Err, report.ErrInvalidReport)
	assert.False(t, lookup.IsTransient(bad.Err))
	assert.Equal(t, 1, src.Calls(units[2].ID))

	succeeded, failed, _ := result.Counts()
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 1, failed)
	assert.Len(t, result.Changes(), 3)
}

func TestProcessor_TransientFailureRecovers(t *testing.T) {
	src := testutil.NewFakeSource("osv")
	units := NewWorkList(unitIDs(1))
	src.FailTimes(units[0].ID, 2)
	src.SetFindings(units[0].ID, lookup.Finding{ID: "GHSA-1", Severity: "HIGH"})

	p := newTestProcessor(t, testConfig(), newCountingLimiter(), src)
	result := p.RunBatch(context.Background(), 1, units, Plan{Size: 1})

	out := result.Outcomes[0]
	require.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, 3, out.Attempts)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "GHSA-1", out.Results[0].Findings[0].ID)
}

func TestProcessor_FansOutOverSources(t *testing.T) {
	osv := testutil.NewFakeSource("osv")
	nvd := testutil.NewFakeSource("nvd")
	units := NewWorkList(unitIDs(4))
	nvd.SetFindings(units[2].ID, lookup.Finding{ID: "CVE-2024-0001"})
	nvd.FailAlways(units[3].ID, lookup.Permanent)

	limiter := newCountingLimiter()
	p := newTestProcessor(t, testConfig(), limiter, osv, nvd)
	assert.Equal(t, []string{"osv", "nvd"}, p.Sources())

	result := p.RunBatch(context.Background(), 1, units, Plan{Size: 4})

	assert.Equal(t, StatusSucceeded, result.Outcomes[2].Status)
	require.Len(t, result.Outcomes[2].Results, 2)
	assert.Equal(t, "osv", result.Outcomes[2].Results[0].Source)
	assert.Equal(t, "CVE-2024-0001", result.Outcomes[2].Results[1].Findings[0].ID)

	// One failing source fails the unit even though the other answered.
	assert.Equal(t, StatusFailed, result.Outcomes[3].Status)
	assert.Nil(t, result.Outcomes[3].Results)

	assert.Equal(t, 4, limiter.count("osv"))
	assert.Equal(t, 4, limiter.count("nvd"))
}

func TestProcessor_PlanSizeBoundsBatch(t *testing.T) {
	src := testutil.NewFakeSource("osv")
	units := NewWorkList(unitIDs(23))

	p := newTestProcessor(t, testConfig(), newCountingLimiter(), src)
	result := p.RunBatch(context.Background(), 3, units[20:], Plan{Size: 10})

	assert.Equal(t, 3, result.Planned)
	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, 20, result.Outcomes[0].Unit.Ordinal)
	assert.Equal(t, 22, result.Outcomes[2].Unit.Ordinal)
}

type peekSource struct {
	*testutil.FakeSource
	cached map[string]bool
}

func (s peekSource) Peek(_ context.Context, unitID string) (lookup.Result, bool) {
	if s.cached[unitID] {
		return lookup.Result{Source: s.Name()}, true
	}
	return lookup.Result{}, false
}

func TestProcessor_CachedResultsBypassLimiter(t *testing.T) {
	units := NewWorkList(unitIDs(3))
	src := peekSource{
		FakeSource: testutil.NewFakeSource("osv"),
		cached:     map[string]bool{units[0].ID: true, units[2].ID: true},
	}

	limiter := newCountingLimiter()
	p := newTestProcessor(t, testConfig(), limiter, src)
	result := p.RunBatch(context.Background(), 1, units, Plan{Size: 3})

	succeeded, _, _ := result.Counts()
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 1, limiter.count("osv"))
	assert.Equal(t, 1, src.TotalCalls())
	assert.Equal(t, 0, result.Outcomes[0].Attempts)
}

func TestProcessor_TimeWindowClosesBatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRequestsPerResource = 1

	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	src := testutil.NewFakeSource("osv")
	src.OnCall = func(context.Context, string) { clk.Advance(time.Minute) }

	p, err := NewProcessor([]lookup.Source{src}, newCountingLimiter(), cfg, clk, zerolog.Nop())
	require.NoError(t, err)

	units := NewWorkList(unitIDs(20))
	result := p.RunBatch(context.Background(), 1, units, Plan{Size: len(units), Window: 5 * time.Minute})

	// Each unit takes one synthetic minute; the unit in flight when the
	// window closes may or may not have finished at the check.
	assert.GreaterOrEqual(t, len(result.Outcomes), 5)
	assert.LessOrEqual(t, len(result.Outcomes), 6)
	assert.Equal(t, len(result.Outcomes), result.Settled())
	assert.Equal(t, 20, result.Planned)
	for i, o := range result.Outcomes {
		assert.Equal(t, i, o.Unit.Ordinal)
		assert.Equal(t, StatusSucceeded, o.Status)
	}
}

func TestProcessor_StopFinishesInFlightUnits(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRequestsPerResource = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := testutil.NewFakeSource("osv")
	src.Delay = 50 * time.Millisecond
	var once sync.Once
	src.OnCall = func(context.Context, string) { once.Do(cancel) }

	p := newTestProcessor(t, cfg, newCountingLimiter(), src)
	result := p.RunBatch(ctx, 1, NewWorkList(unitIDs(10)), Plan{Size: 10})

	require.NotEmpty(t, result.Outcomes)
	assert.LessOrEqual(t, len(result.Outcomes), 2)
	for _, o := range result.Outcomes {
		assert.Equal(t, StatusSucceeded, o.Status, "in-flight unit %s should finish within grace", o.Unit.ID)
	}
	assert.Equal(t, len(result.Outcomes), result.Settled())
}

func TestProcessor_GraceElapsedSkipsInFlightUnits(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRequestsPerResource = 1
	cfg.ShutdownGrace = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := testutil.NewFakeSource("osv")
	src.Delay = 5 * time.Second
	src.OnCall = func(context.Context, string) { cancel() }

	p := newTestProcessor(t, cfg, newCountingLimiter(), src)

	start := time.Now()
	result := p.RunBatch(ctx, 1, NewWorkList(unitIDs(5)), Plan{Size: 5})
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, StatusSkipped, result.Outcomes[0].Status)
	assert.True(t, errors.Is(result.Outcomes[0].Err, context.Canceled))
	assert.Equal(t, 0, result.Settled())
	assert.Empty(t, result.Changes())
}

func TestNewProcessor_Validation(t *testing.T) {
	cfg := testConfig()

	_, err := NewProcessor(nil, newCountingLimiter(), cfg, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewProcessor([]lookup.Source{testutil.NewFakeSource("osv")}, nil, cfg, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewProcessor([]lookup.Source{testutil.NewFakeSource("osv"), testutil.NewFakeSource("osv")}, newCountingLimiter(), cfg, nil, zerolog.Nop())
	assert.Error(t, err)
}
