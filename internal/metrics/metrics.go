// Package metrics provides Prometheus instrumentation for the Veloracoin service.
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
			Namespace: "veloracoin",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "veloracoin",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowOperations counts escrow operations by operation and outcome code.
	EscrowOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veloracoin",
			Name:      "escrow_operations_total",
			Help:      "Total escrow operations by operation and outcome code.",
		},
		[]string{"op", "code"},
	)

	// LockContentions counts fail-fast lock rejections by operation.
	LockContentions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veloracoin",
			Name:      "escrow_lock_contentions_total",
			Help:      "Total escrow operations rejected due to lock contention.",
		},
		[]string{"op"},
	)

	// SweepRefunds counts escrows refunded by the expiry sweep.
	SweepRefunds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veloracoin",
		Name:      "sweep_refunds_total",
		Help:      "Total escrows auto-refunded by the expiry sweep.",
	})

	// SweepRecoveries counts stuck processing escrows resolved by the
	// recovery sweep.
	SweepRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veloracoin",
		Name:      "sweep_recoveries_total",
		Help:      "Total stuck processing escrows resolved by the recovery sweep.",
	})

	// IdempotencyReplays counts responses served from the idempotency store.
	IdempotencyReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veloracoin",
		Name:      "idempotency_replays_total",
		Help:      "Total responses replayed from the idempotency store.",
	})

	// ReconciliationDiscrepancies tracks open discrepancies by check.
	ReconciliationDiscrepancies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "veloracoin",
			Name:      "reconciliation_discrepancies",
			Help:      "Discrepancies found by the last reconciliation run, by check.",
		},
		[]string{"check"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veloracoin", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veloracoin", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veloracoin", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veloracoin", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veloracoin", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veloracoin", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowOperations,
		LockContentions,
		SweepRefunds,
		SweepRecoveries,
		IdempotencyReplays,
		ReconciliationDiscrepancies,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
