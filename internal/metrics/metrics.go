// Package metrics provides Prometheus instrumentation for the launchpad service.
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
			Namespace: "launchpad",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "launchpad",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementsTotal counts settlement attempts by mode and terminal outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchpad",
			Name:      "settlements_total",
			Help:      "Total settlement attempts by mode (purchase, claim) and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// ValidatorRejectionsTotal counts transaction validator rejections by check.
	ValidatorRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchpad",
			Name:      "validator_rejections_total",
			Help:      "Total transaction validator rejections by failed check.",
		},
		[]string{"check"},
	)

	// SecurityEventsTotal counts hostile-transaction signals (unknown program
	// ids, instruction stuffing) separately from ordinary rejections.
	SecurityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchpad",
			Name:      "security_events_total",
			Help:      "Total security events by kind.",
		},
		[]string{"kind"},
	)

	// LockWaitDuration observes time spent waiting for a sale lease.
	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "launchpad",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire a sale lease.",
			Buckets:   []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode"},
	)

	// ActiveLeases tracks currently held sale leases.
	ActiveLeases = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "launchpad",
		Name:      "active_leases",
		Help:      "Number of currently held sale leases.",
	})

	// ChainSubmitDuration observes submit-to-confirmation latency.
	ChainSubmitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "launchpad",
		Name:      "chain_submit_duration_seconds",
		Help:      "Time from transaction submission to confirmation in seconds.",
		Buckets:   []float64{.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// UnitsSoldTotal counts token units recorded as sold, per sale.
	UnitsSoldTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchpad",
			Name:      "units_sold_total",
			Help:      "Total token units recorded as sold.",
		},
		[]string{"sale"},
	)

	// UnitsClaimedTotal counts token units recorded as claimed, per sale.
	UnitsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchpad",
			Name:      "units_claimed_total",
			Help:      "Total token units recorded as claimed.",
		},
		[]string{"sale"},
	)

	// PendingSignaturesTotal counts confirmation timeouts left for reconciliation.
	PendingSignaturesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "launchpad",
		Name:      "pending_signatures_total",
		Help:      "Total transactions parked for out-of-band reconciliation after confirmation timeout.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "launchpad", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "launchpad", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "launchpad", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementsTotal,
		ValidatorRejectionsTotal,
		SecurityEventsTotal,
		LockWaitDuration,
		ActiveLeases,
		ChainSubmitDuration,
		UnitsSoldTotal,
		UnitsClaimedTotal,
		PendingSignaturesTotal,
		DBOpenConnections,
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
