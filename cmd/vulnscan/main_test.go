package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/vulnscan/internal/testutil"
	"github.com/Sternrassler/vulnscan/pkg/checkpoint"
	"github.com/Sternrassler/vulnscan/pkg/clock"
)

type cli struct {
	t      *testing.T
	dir    string
	config string
	input  string
	output string
	osv    *testutil.MockOSV
}

func newCLI(t *testing.T, units ...string) *cli {
	t.Helper()

	osv := testutil.NewMockOSV()
	t.Cleanup(osv.Close)

	dir := t.TempDir()
	c := &cli{
		t:      t,
		dir:    dir,
		config: filepath.Join(dir, "vulnscan.yaml"),
		input:  filepath.Join(dir, "packages.txt"),
		output: filepath.Join(dir, "out", "findings.csv"),
		osv:    osv,
	}

	cfg := fmt.Sprintf(`
batch:
  default_size: 2
  checkpoint_frequency: 1
  cleanup_on_success: false
  max_retry_attempts: 1
  retry_initial_backoff: 1ms
  retry_max_backoff: 2ms
ratelimit:
  default_interval: 0s
  intervals:
    osv: 0s
checkpoint:
  dir: %s
progress:
  ledger: %s
sources:
  osv:
    url: %s
    user_agent: vulnscan-test/1.0
log:
  level: error
`, filepath.Join(dir, "checkpoints"), filepath.Join(dir, "progress.db"), osv.URL())
	require.NoError(t, os.WriteFile(c.config, []byte(cfg), 0o600))
	require.NoError(t, os.WriteFile(c.input, []byte(strings.Join(units, "\n")+"\n"), 0o600))
	return c
}

func (c *cli) run(ctx context.Context, args ...string) (int, string, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	args = append(args, "--config", c.config)
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (c *cli) scan(extra ...string) (int, string, string) {
	args := append([]string{"scan", "--input", c.input, "--output", c.output, "--scan-id", "scan-cli"}, extra...)
	return c.run(context.Background(), args...)
}

func TestScan_Completes(t *testing.T) {
	c := newCLI(t, "PyPI:django@3.2.0", "npm:left-pad@1.3.0", "Go:golang.org/x/net@v0.17.0")
	c.osv.SetVulns("PyPI:django@3.2.0",
		testutil.MockVuln{ID: "GHSA-2222", Summary: "SQL injection", Severity: "HIGH"},
		testutil.MockVuln{ID: "GHSA-1111", Summary: "XSS", Severity: "MODERATE"},
	)

	code, stdout, stderr := c.scan()
	require.Equal(t, exitOK, code, stderr)

	assert.Contains(t, stdout, "Scan scan-cli completed: 3 of 3 units, 2 batches")
	assert.Contains(t, stdout, "report: ")

	data, err := os.ReadFile(c.output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "ordinal,unit,source,finding_id,severity,summary,status", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,PyPI:django@3.2.0,osv,GHSA-1111,"))
	assert.True(t, strings.HasPrefix(lines[2], "0,PyPI:django@3.2.0,osv,GHSA-2222,"))
	assert.Equal(t, "1,npm:left-pad@1.3.0,osv,,,,clean", lines[3])

	assert.Equal(t, "vulnscan-test/1.0", c.osv.LastHeader().Get("User-Agent"))
}

func TestScan_FailedUnitsAndLedger(t *testing.T) {
	c := newCLI(t, "PyPI:requests@2.31.0", "PyPI:no-such-package@0.0.1", "PyPI:flask@2.3.0")
	c.osv.SetResponse("PyPI:no-such-package@0.0.1", testutil.NewNotFoundResponse())

	code, stdout, stderr := c.scan()
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "failed: 1")
	assert.Contains(t, stdout, "failed units: PyPI:no-such-package@0.0.1")
	assert.Equal(t, 1, c.osv.QueryCount("PyPI:no-such-package@0.0.1"), "permanent failures are not retried")

	code, stdout, stderr = c.run(context.Background(), "failed", "--scan-id", "scan-cli")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Scan scan-cli: 2 succeeded, 1 failed, 0 skipped")
	assert.Contains(t, stdout, "ATTEMPTS")
	assert.Contains(t, stdout, "PyPI:no-such-package@0.0.1")
}

func TestCheckpoints_ListAndValidate(t *testing.T) {
	c := newCLI(t, "PyPI:a@1.0.0", "PyPI:b@1.0.0", "PyPI:c@1.0.0")

	code, _, stderr := c.scan()
	require.Equal(t, exitOK, code, stderr)

	code, stdout, stderr := c.run(context.Background(), "checkpoints", "list")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "CHECKPOINT")
	assert.Contains(t, stdout, "scan-cli")
	assert.Contains(t, stdout, "TOTAL: ")

	mgr, err := checkpoint.NewManager(filepath.Join(c.dir, "checkpoints"), nil, clock.Real{}, zerolog.Nop())
	require.NoError(t, err)
	records, err := mgr.List("scan-cli")
	require.NoError(t, err)
	require.Len(t, records, 1)

	code, stdout, stderr = c.run(context.Background(), "checkpoints", "validate", records[0].ID)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "is valid")
	assert.Contains(t, stdout, "changed since the checkpoint")

	code, _, _ = c.run(context.Background(), "checkpoints", "validate", "scan-cli_missing")
	assert.Equal(t, exitError, code)

	code, stdout, stderr = c.run(context.Background(), "checkpoints", "prune", "--scan-id", "scan-cli")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Removed 1 checkpoint(s) of scan scan-cli")
}

func TestScan_InterruptedBeforeStart(t *testing.T) {
	c := newCLI(t, "PyPI:a@1.0.0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, _, stderr := c.run(ctx, "scan", "--input", c.input, "--output", c.output)
	assert.Equal(t, exitInterrupted, code)
	assert.Contains(t, stderr, "--resume")
	assert.Zero(t, c.osv.GetRequestCount())
}

func TestScan_ResumeDetectsDivergedOutput(t *testing.T) {
	c := newCLI(t, "PyPI:a@1.0.0", "PyPI:b@1.0.0", "PyPI:c@1.0.0")

	code, _, stderr := c.scan()
	require.Equal(t, exitOK, code, stderr)
	before, err := os.ReadFile(c.output)
	require.NoError(t, err)

	// The batch 1 checkpoint is behind the finished output.
	code, _, stderr = c.scan("--resume")
	assert.Equal(t, exitHalted, code)
	assert.Contains(t, stderr, "--merge-strategy")

	after, err := os.ReadFile(c.output)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestScan_UsageErrors(t *testing.T) {
	c := newCLI(t, "PyPI:a@1.0.0")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"negative unit", []string{"--resume-unit", "-1"}, exitUsage},
		{"unknown merge strategy", []string{"--resume", "--merge-strategy", "theirs"}, exitUsage},
		{"conflicting modes", []string{"--resume", "--fresh"}, exitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := c.scan(tt.args...)
			assert.Equal(t, tt.want, code)
		})
	}

	code, _, _ := c.run(context.Background(), "scan", "--input", filepath.Join(c.dir, "missing.txt"), "--output", c.output)
	assert.Equal(t, exitUsage, code)
}

func TestVersion(t *testing.T) {
	c := newCLI(t, "PyPI:a@1.0.0")

	code, stdout, _ := c.run(context.Background(), "version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "vulnscan dev")
	assert.Contains(t, stdout, "checkpoint format v1")
}

func TestCachePurge_RequiresRedis(t *testing.T) {
	c := newCLI(t, "PyPI:a@1.0.0")

	code, _, stderr := c.run(context.Background(), "cache", "purge", "--source", "osv")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "redis.addr")
}
