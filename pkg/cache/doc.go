// Package cache keeps lookup results in Redis so repeated scans of the same
// package versions do not spend rate-limited requests.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//	osv, _ := client.New(client.DefaultConfig("vulnscan/1.0 (ops@example.com)"))
//
//	// Every lookup consults Redis first.
//	src := cache.Wrap(osv, manager, 24*time.Hour, logger)
//
// The batch processor asks a wrapped source to Peek before acquiring a rate
// limit slot, so cached units never wait on the limiter.
//
// # Metrics
//
//   - vulnscan_cache_hits_total{source}
//   - vulnscan_cache_misses_total{source}
//   - vulnscan_cache_written_bytes_total
//   - vulnscan_cache_errors_total{operation}
package cache
