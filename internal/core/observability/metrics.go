// Package observability holds the Prometheus collectors shared by the tile
// pipeline. Collectors are package level; Init attaches them to a registry.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of store and raster reads in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"upstream"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Redis operations by op and result.",
		},
		[]string{"op", "result"},
	)

	redisOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis round trip latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_cache_results_total",
			Help: "Tile cache lookups by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	redisKeys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_keys_total",
			Help: "Keys requested from Redis by hit or miss.",
		},
		[]string{"result"},
	)

	tileEncodeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_encode_duration_seconds",
			Help:    "Time spent producing tile bytes on a cache miss.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"kind"},
	)

	tileBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_size_bytes",
			Help:    "Encoded tile payload size.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		},
		[]string{"kind"},
	)

	encodingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_feature_encoding_errors_total",
			Help: "Features skipped because their stored geometry could not be encoded.",
		},
		[]string{"kind"},
	)

	retryAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retry_attempts",
			Help:    "Attempts made per retried call.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"op", "outcome"},
	)

	batchRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_records_total",
			Help: "Records processed by batch operations.",
		},
		[]string{"op", "result", "dry_run"},
	)

	invalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileset_invalidations_total",
			Help: "Tileset generation bumps by origin.",
		},
		[]string{"origin"},
	)

)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		cacheOpTotal, redisOpDuration, cacheResults, redisKeys,
		tileEncodeSeconds, tileBytes, encodingErrors,
		retryAttempts, batchRecords, invalidations,
	}
}

// Init registers every collector with reg. Calling it again with the same
// registry is harmless.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOpTotal.WithLabelValues(op, result).Inc()
	redisOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func AddCacheHits(n int)   { redisKeys.WithLabelValues("hit").Add(float64(n)) }
func AddCacheMisses(n int) { redisKeys.WithLabelValues("miss").Add(float64(n)) }

// IncCacheResult counts a tile cache lookup. tier is "redis", "local" or
// "none"; outcome is "hit", "miss", "error" or "bypass".
func IncCacheResult(tier, outcome string) {
	cacheResults.WithLabelValues(tier, outcome).Inc()
}

func ObserveTileEncode(kind string, durationSeconds float64, size int) {
	tileEncodeSeconds.WithLabelValues(kind).Observe(durationSeconds)
	tileBytes.WithLabelValues(kind).Observe(float64(size))
}

func IncEncodingError(kind string) { encodingErrors.WithLabelValues(kind).Inc() }

func ObserveRetry(op, outcome string, attempts int) {
	if op == "" {
		op = "unnamed"
	}
	retryAttempts.WithLabelValues(op, outcome).Observe(float64(attempts))
}

func AddBatchRecords(op string, success, failed int, dryRun bool) {
	dr := strconv.FormatBool(dryRun)
	if success > 0 {
		batchRecords.WithLabelValues(op, "success", dr).Add(float64(success))
	}
	if failed > 0 {
		batchRecords.WithLabelValues(op, "failed", dr).Add(float64(failed))
	}
}

// IncInvalidation counts a generation bump; origin is "local" or "remote".
func IncInvalidation(origin string) { invalidations.WithLabelValues(origin).Inc() }
