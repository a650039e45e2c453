package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by source
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vulnscan_cache_hits_total",
			Help: "Total number of lookup cache hits",
		},
		[]string{"source"},
	)

	// CacheMisses tracks cache misses by source
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vulnscan_cache_misses_total",
			Help: "Total number of lookup cache misses",
		},
		[]string{"source"},
	)

	// CacheBytesWritten tracks the payload volume stored in Redis
	CacheBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vulnscan_cache_written_bytes_total",
			Help: "Total bytes of lookup results written to the cache",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vulnscan_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // get, set, delete, purge
	)
)
