// Package metrics exposes the scanner's Prometheus metrics. The metrics
// themselves are defined with promauto in the packages that update them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer all scanner metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving the metrics in the Prometheus
// text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Serve exposes Handler on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Metrics Documentation
//
// Batch Metrics (pkg/batch):
//   - vulnscan_batches_total (Counter): Batches executed
//   - vulnscan_units_total{status} (Counter): Units by outcome (succeeded, failed, skipped)
//   - vulnscan_batch_duration_seconds (Histogram): Batch wall time
//   - vulnscan_units_in_flight (Gauge): Units currently being looked up
//
// Scan Metrics (pkg/scan):
//   - vulnscan_scan_runs_total{phase} (Counter): Runs by final phase
//   - vulnscan_checkpoint_gaps_total (Counter): Scheduled checkpoints that were not written
//   - vulnscan_scan_phase{phase} (Gauge): 1 for the active phase
//
// Checkpoint Metrics (pkg/checkpoint):
//   - vulnscan_checkpoints_created_total (Counter)
//   - vulnscan_checkpoints_failed_total (Counter)
//   - vulnscan_checkpoints_corrupted_total (Counter): Records or backups failing verification
//
// Output Metrics (pkg/store):
//   - vulnscan_store_commits_total{result} (Counter)
//   - vulnscan_store_commit_duration_seconds (Histogram)
//   - vulnscan_store_rollbacks_total (Counter)
//
// Lookup Metrics (pkg/client, pkg/cache, pkg/retry, pkg/ratelimit):
//   - vulnscan_osv_requests_total{status} (Counter)
//   - vulnscan_osv_request_duration_seconds (Histogram)
//   - vulnscan_osv_errors_total{class} (Counter)
//   - vulnscan_cache_hits_total{source}, vulnscan_cache_misses_total{source} (Counter)
//   - vulnscan_cache_written_bytes_total, vulnscan_cache_errors_total{operation} (Counter)
//   - vulnscan_retries_total{op}, vulnscan_retry_exhausted_total{op} (Counter)
//   - vulnscan_retry_backoff_seconds{op} (Histogram)
//   - vulnscan_ratelimit_acquisitions_total{resource} (Counter)
//   - vulnscan_ratelimit_wait_seconds_total{resource} (Counter)
//   - vulnscan_ratelimit_cancelled_waits_total{resource} (Counter)
//   - vulnscan_ratelimit_redis_fallbacks_total{resource} (Counter)
//
// Example Prometheus Queries:
//
//   # Unit failure ratio
//   sum(rate(vulnscan_units_total{status="failed"}[5m])) / sum(rate(vulnscan_units_total[5m]))
//
//   # Recovery gaps
//   increase(vulnscan_checkpoint_gaps_total[1h]) > 0
//
//   # Cache hit rate
//   sum(rate(vulnscan_cache_hits_total[5m])) /
//   (sum(rate(vulnscan_cache_hits_total[5m])) + sum(rate(vulnscan_cache_misses_total[5m])))
