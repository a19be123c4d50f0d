// Package telemetry provides logging setup and Prometheus metrics for the waitlist service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are served on
// the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<WAITLIST_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Signup outcomes, rate limiter decisions and welcome email results
//   - Attempt pruning job counters
//   - Database connection pool gauge (polled every DBStatsInterval, 15 s)
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code. The path label
// holds c.FullPath(), not the raw URL.
//
// Example PromQL queries:
//   - Error rate (%):    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency:       histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// Signup outcome labels.
const (
	OutcomeCreated     = "created"
	OutcomeDuplicate   = "duplicate"
	OutcomeInvalid     = "invalid"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Waitlist metrics.
//
// SignupsTotal counts terminal outcomes of POST requests to the signup route, with the
// outcome label taking one of the Outcome* constants.
//
// RateLimitDecisionsTotal counts limiter decisions: "allowed", "denied", or "fail_open"
// when the attempt store could not be read.
//
// WelcomeEmailsTotal counts welcome email deliveries by result: "sent", "failed" or
// "not_configured".
//
// Example PromQL queries:
//   - Signups per hour:         increase(waitlist_signups_total{outcome="created"}[1h])
//   - Limiter store failures:   rate(waitlist_rate_limit_decisions_total{decision="fail_open"}[5m]) > 0
//   - Email failure ratio:      sum(rate(waitlist_welcome_emails_total{result="failed"}[1h])) / sum(rate(waitlist_welcome_emails_total[1h]))
var (
	SignupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_signups_total",
			Help: "Total number of signup requests, by outcome.",
		},
		[]string{"outcome"},
	)

	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_rate_limit_decisions_total",
			Help: "Total number of signup rate limiter decisions, by decision.",
		},
		[]string{"decision"},
	)

	WelcomeEmailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_welcome_emails_total",
			Help: "Total number of welcome email deliveries, by result.",
		},
		[]string{"result"},
	)
)

// AttemptsPrunedTotal is incremented by the number of rows each pruning run deletes.
var AttemptsPrunedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "waitlist_rate_limit_attempts_pruned_total",
		Help: "Total number of stale rate limit attempt rows deleted by the pruning job.",
	},
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every DBStatsInterval by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// DBStatsInterval is the pool sampling period cmd/server passes to StartDBStatsCollector.
const DBStatsInterval = 15 * time.Second

// StartDBStatsCollector samples the pool statistics every interval until ctx is done or
// the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
