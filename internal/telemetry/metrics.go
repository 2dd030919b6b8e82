// Package telemetry provides application-level observability for the gate service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<QRG_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text
// exposition format and is intended to be scraped every 15–60 seconds.  It is
// NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Scan outcome counters and pass issuance counters
//   - Feed reconcile duration, processed-entry, and error counters
//   - Feed push-back counters by outcome
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/gate/check)
// rather than the raw request URL, so user-supplied query strings and path
// segments cannot create unbounded label cardinality.  Scan metrics are
// labelled by outcome only, never by QR token.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qrgate/qrgate/internal/safego"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Gate metrics — recorded by the check and exit handlers.
//
// ScansTotal is a CounterVec with label {status} holding the scan outcome
// (Valid, Expired, Invalid, Exited, AlreadyExited).  The label set is a small
// closed enum, so cardinality stays bounded.
//
// Example PromQL queries:
//   - Scan rate by outcome:     sum by (status) (rate(scans_total[5m]))
//   - Invalid-scan ratio (%):   sum(rate(scans_total{status="Invalid"}[1h])) / sum(rate(scans_total[1h])) * 100
//
// PassesIssuedTotal is a CounterVec with label {source} ("api" for direct
// registrations, "feed" for passes imported by the reconciler).
var (
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scans_total",
			Help: "Total number of QR scans processed, by outcome.",
		},
		[]string{"status"},
	)

	PassesIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passes_issued_total",
			Help: "Total number of visitor passes issued, by source.",
		},
		[]string{"source"},
	)
)

// Feed reconciler metrics — recorded by the feed reconcile background job.
//
// FeedReconcileDuration uses the default Prometheus buckets; each observation
// is one complete reconcile pass over the fetched feed page.
//
// FeedReconcileErrorsTotal counts entries that failed to import.  An alert on
// increase(feed_reconcile_errors_total[30m]) > 3 catches persistent feed or
// database trouble early.
//
// FeedPushesTotal is a CounterVec with label {outcome} ("ok", "rejected",
// "error").  "rejected" means the channel answered but refused the write,
// which usually indicates the spacing between writes was too tight.
var (
	FeedReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feed_reconcile_duration_seconds",
			Help:    "Duration of a single feed reconcile pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	FeedReconcileProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_reconcile_processed_total",
			Help: "Total number of feed entries successfully imported as visitor passes.",
		},
	)

	FeedReconcileErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_reconcile_errors_total",
			Help: "Total number of feed entries that failed to import.",
		},
	)

	FeedPushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_pushes_total",
			Help: "Total number of processed-marker pushes to the feed channel, by outcome.",
		},
		[]string{"outcome"},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections
// currently held by the sql.DB pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of
// sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates the DBOpenConnections
// gauge.  The goroutine exits when the database becomes unreachable, which
// happens when the application shuts down and defers db.Close().
//
// Call this once, immediately after the database connection succeeds in main.go.
func StartDBStatsCollector(db *sql.DB) {
	safego.Go(func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	})
}
