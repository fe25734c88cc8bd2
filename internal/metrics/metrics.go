// Package metrics provides Prometheus instrumentation for the Sentinel fraud core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EvaluationsTotal counts completed evaluations by decision.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "evaluations_total",
			Help:      "Total transaction evaluations by decision outcome.",
		},
		[]string{"decision"},
	)

	// EvaluationDuration observes end-to-end evaluation latency.
	// Buckets are tuned around the 100ms P95 target.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Name:      "evaluation_duration_seconds",
		Help:      "End-to-end evaluation latency in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .075, .1, .15, .25, .5, 1},
	})

	// EngineDuration observes per-sub-engine latency within an evaluation.
	EngineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "engine_duration_seconds",
			Help:      "Per-engine latency within an evaluation in seconds.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .075, .1, .25},
		},
		[]string{"engine"},
	)

	// EngineTimeoutsTotal counts sub-engines cut off at the shared deadline.
	EngineTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "engine_timeouts_total",
			Help:      "Sub-engine deadline overruns substituted with a neutral contribution.",
		},
		[]string{"engine"},
	)

	// DependencyErrorsTotal counts degraded dependency calls (fail-open path).
	DependencyErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "dependency_errors_total",
			Help:      "Dependency errors degraded to no-information results.",
		},
		[]string{"dependency"},
	)

	// CacheHitsTotal / CacheMissesTotal count cache lookups by strategy.
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "cache_hits_total",
		Help:      "Cache hits by strategy.",
	}, []string{"strategy"})
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "cache_misses_total",
		Help:      "Cache misses by strategy.",
	}, []string{"strategy"})

	// CacheHitRate is the running hit rate across all strategies.
	// Operational target is >= 0.85.
	CacheHitRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "cache_hit_rate",
		Help:      "Running cache hit rate across all strategies (0-1).",
	})

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by endpoint.",
	}, []string{"endpoint"})

	// --- Batch inference pipeline ---

	// BatchSizeObserved observes the size of each dispatched inference batch.
	BatchSizeObserved = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Name:      "batch_size",
		Help:      "Number of requests merged into each dispatched inference batch.",
		Buckets:   []float64{1, 5, 10, 25, 50, 75, 100},
	})

	// BatchFlushesTotal counts batch dispatches by trigger reason.
	BatchFlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "batch_flushes_total",
		Help:      "Batch dispatches by trigger (tick, threshold).",
	}, []string{"trigger"})

	// BatchFailuresTotal counts batch-level inference failures.
	BatchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "batch_failures_total",
		Help:      "Batch-level inference failures propagated to all batch members.",
	})

	// BatchQueueDepth tracks items currently queued for inference.
	BatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "batch_queue_depth",
		Help:      "Items currently queued in the batch inference pipeline.",
	})

	// ReviewQueueDepth tracks open (pending + in_review) review items.
	ReviewQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "review_queue_depth",
		Help:      "Open manual-review items (pending plus in_review).",
	})

	// BlacklistHitsTotal counts blacklist matches by entry type.
	BlacklistHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "blacklist_hits_total",
		Help:      "Blacklist matches by entry type.",
	}, []string{"entry_type"})

	// ActiveWebSocketClients tracks connected decision-stream consumers.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "websocket_clients",
		Help:      "Connected realtime decision-stream clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EvaluationsTotal,
		EvaluationDuration,
		EngineDuration,
		EngineTimeoutsTotal,
		DependencyErrorsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheHitRate,
		RateLimitedTotal,
		BatchSizeObserved,
		BatchFlushesTotal,
		BatchFailuresTotal,
		BatchQueueDepth,
		ReviewQueueDepth,
		BlacklistHitsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
