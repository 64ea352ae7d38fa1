// Package metrics provides Prometheus metrics for portalsfs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote request metrics
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalsfs_remote_requests_total",
			Help: "Total number of remote requests by method and status",
		},
		[]string{"method", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portalsfs_remote_request_duration_seconds",
			Help:    "Remote request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	remoteRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portalsfs_remote_retries_total",
			Help: "Total number of retried remote requests",
		},
	)

	// Bulkhead metrics
	bulkheadRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portalsfs_bulkhead_rejections_total",
			Help: "Requests rejected because the bulkhead queue was full",
		},
	)

	bulkheadInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portalsfs_bulkhead_in_flight",
			Help: "Remote requests currently executing",
		},
	)

	bulkheadQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portalsfs_bulkhead_queued",
			Help: "Remote requests waiting for an execution slot",
		},
	)

	// Telemetry events
	telemetryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalsfs_telemetry_events_total",
			Help: "Telemetry events emitted by name and outcome",
		},
		[]string{"event", "outcome"},
	)

	// Filesystem metrics
	materializedFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portalsfs_materialized_files",
			Help: "Files currently tracked in the file metadata map",
		},
	)

	populationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portalsfs_population_duration_seconds",
			Help:    "Time to lazily populate the virtual filesystem",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRemoteRequest records a completed remote request. status is 0 for
// transport errors.
func RecordRemoteRequest(method string, status int, duration time.Duration) {
	remoteRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	remoteRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt.
func RecordRetry() {
	remoteRetriesTotal.Inc()
}

// RecordBulkheadRejection records a request rejected by the bulkhead.
func RecordBulkheadRejection() {
	bulkheadRejectionsTotal.Inc()
}

// SetBulkheadState sets the executing and queued gauges.
func SetBulkheadState(inFlight, queued int64) {
	bulkheadInFlight.Set(float64(inFlight))
	bulkheadQueued.Set(float64(queued))
}

// RecordTelemetryEvent counts a telemetry event.
func RecordTelemetryEvent(event, outcome string) {
	telemetryEventsTotal.WithLabelValues(event, outcome).Inc()
}

// SetMaterializedFiles sets the tracked file count.
func SetMaterializedFiles(count int) {
	materializedFiles.Set(float64(count))
}

// RecordPopulation records a lazy population run.
func RecordPopulation(duration time.Duration) {
	populationDuration.Observe(duration.Seconds())
}
