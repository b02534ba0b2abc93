// Package metrics exposes Prometheus instrumentation for reconciliation runs,
// voucher draws, HTTP traffic and the object store.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_reconcile_runs_total",
			Help: "Total number of reconciliation runs",
		},
		[]string{"origin", "mode", "status"}, // origin: http, webinar, worker, cli
	)

	ReconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attendance_reconcile_duration_seconds",
			Help:    "Duration of reconciliation runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"origin"},
	)

	SourcesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attendance_sources_skipped_total",
			Help: "Total number of attendance logs skipped for an unreadable header",
		},
	)

	RowsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attendance_rows_dropped_total",
			Help: "Total number of malformed attendance rows dropped",
		},
	)

	VoucherDraws = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_draws_total",
			Help: "Total number of voucher draws",
		},
		[]string{"short"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	DrawRoomClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "draw_room_clients",
			Help: "Current number of connected draw room WebSocket clients",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Requests through a circuit breaker by result",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_processed_total",
			Help: "Total number of worker jobs processed",
		},
		[]string{"type", "status"}, // status: done, retried, dead, invalid
	)
)

// RecordRun records one reconciliation run.
func RecordRun(origin, mode string, started time.Time, err error, skipped, dropped int) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ReconcileRuns.WithLabelValues(origin, mode, status).Inc()
	ReconcileDuration.WithLabelValues(origin).Observe(time.Since(started).Seconds())
	SourcesSkipped.Add(float64(skipped))
	RowsDropped.Add(float64(dropped))
}

// RecordDraw records one voucher draw.
func RecordDraw(short bool) {
	VoucherDraws.WithLabelValues(strconv.FormatBool(short)).Inc()
}

// RecordAPIRequest records one HTTP request.
func RecordAPIRequest(method, route string, status int, elapsed time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
