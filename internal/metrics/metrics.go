// Package metrics exposes Prometheus metrics for sync runs and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run results.
const (
	RunOK      = "ok"
	RunFailed  = "failed"
	RunSkipped = "skipped" // another run held the lock
)

var (
	// Sync Metrics

	// SyncRunsTotal counts sync runs by result.
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of sync runs",
		},
		[]string{"result"},
	)

	// SyncStageDuration tracks how long each stage takes.
	SyncStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_stage_duration_seconds",
			Help:    "Duration of sync stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"stage"},
	)

	// SyncStageRowsTotal counts rows handled by each stage.
	SyncStageRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_stage_rows_total",
			Help: "Total number of rows processed, inserted and updated by sync stages",
		},
		[]string{"stage", "kind"},
	)

	// SyncStageFailuresTotal counts isolated failures recorded by each stage.
	SyncStageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_stage_failures_total",
			Help: "Total number of failures recorded by sync stages",
		},
		[]string{"stage"},
	)

	// HTTP Metrics

	// HTTPRequestsTotal counts API requests by route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks API latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordStage records the outcome of one sync stage.
func RecordStage(stage string, processed int, inserted, updated int64, failures int, d time.Duration) {
	SyncStageDuration.WithLabelValues(stage).Observe(d.Seconds())
	SyncStageRowsTotal.WithLabelValues(stage, "processed").Add(float64(processed))
	SyncStageRowsTotal.WithLabelValues(stage, "inserted").Add(float64(inserted))
	SyncStageRowsTotal.WithLabelValues(stage, "updated").Add(float64(updated))
	SyncStageFailuresTotal.WithLabelValues(stage).Add(float64(failures))
}

// RecordRun records a finished or skipped sync run.
func RecordRun(result string) {
	SyncRunsTotal.WithLabelValues(result).Inc()
}

// RecordRequest records one HTTP request. route is the matched pattern,
// not the raw path, to keep label cardinality bounded.
func RecordRequest(method, route string, status int, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
