// Package metrics exposes the compute node's Prometheus metrics: bearer
// lifecycle, heartbeat cadence, task outcomes, and artifact transfer
// volume.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Auth/token lifecycle
	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compute_node_token_refreshes_total",
			Help: "Total access token refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	TokenForcedInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compute_node_token_forced_invalidations_total",
			Help: "Total times a 401 forced an access token to be treated as expired",
		},
	)

	// Lease/session lifecycle
	LeasesStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compute_node_leases_started_total",
			Help: "Total leases started",
		},
	)

	LeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "compute_node_leases_active",
			Help: "Number of leases currently being serviced (0 or 1 for a single-lease node)",
		},
	)

	// Heartbeat
	HeartbeatsPostedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compute_node_heartbeats_posted_total",
			Help: "Total heartbeats posted by outcome",
		},
		[]string{"outcome"},
	)

	HeartbeatLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "compute_node_heartbeat_latency_seconds",
			Help:    "Latency of heartbeat POST round trips",
			Buckets: prometheus.DefBuckets,
		},
	)

	StorageBearerRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compute_node_storage_bearer_rotations_total",
			Help: "Total times a heartbeat response rotated the lease-scoped storage bearer",
		},
	)

	// Task execution
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compute_node_tasks_total",
			Help: "Total tasks processed by terminal outcome",
		},
		[]string{"capability", "outcome"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compute_node_task_duration_seconds",
			Help:    "Wall-clock duration of a task cycle from poll to report",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compute_node_polls_total",
			Help: "Total poll attempts by result (task, empty, error)",
		},
		[]string{"result"},
	)

	// Storage transfer
	DownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compute_node_download_bytes_total",
			Help: "Total bytes downloaded as task input",
		},
	)

	UploadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compute_node_upload_bytes_total",
			Help: "Total bytes uploaded as task output, by transfer mode",
		},
		[]string{"mode"},
	)

	UploadPartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compute_node_upload_parts_total",
			Help: "Total multipart upload parts sent",
		},
	)
)

func init() {
	// Register auth/lease metrics
	prometheus.MustRegister(TokenRefreshesTotal)
	prometheus.MustRegister(TokenForcedInvalidationsTotal)
	prometheus.MustRegister(LeasesStartedTotal)
	prometheus.MustRegister(LeasesActive)

	// Register heartbeat metrics
	prometheus.MustRegister(HeartbeatsPostedTotal)
	prometheus.MustRegister(HeartbeatLatency)
	prometheus.MustRegister(StorageBearerRotationsTotal)

	// Register task/poll metrics
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(PollsTotal)

	// Register transfer metrics
	prometheus.MustRegister(DownloadBytesTotal)
	prometheus.MustRegister(UploadBytesTotal)
	prometheus.MustRegister(UploadPartsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
