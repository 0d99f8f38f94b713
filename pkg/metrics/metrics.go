// Package metrics registers the availability engine's prometheus metrics:
// one gauge/counter/histogram per quantity named in spec.md §6 and §8, plus
// the Timer helper used by every background loop to time its cycles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster-shape gauges, set from the store's aggregates on every
	// storage.Store.GetStats call.
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftfs_nodes_total",
			Help: "Total number of storage nodes by status",
		},
		[]string{"status"},
	)

	FilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftfs_files_total",
			Help: "Total number of files tracked by the metadata store",
		},
	)

	DegradedFilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftfs_degraded_files_total",
			Help: "Files with 0 < active_replicas < replication_factor",
		},
	)

	DisasterFilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftfs_disaster_files_total",
			Help: "Files with zero active replicas",
		},
	)

	// Node-liveness counters (spec §4.2).
	NodesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftfs_nodes_failed_total",
			Help: "Total number of active-to-inactive node transitions observed by the liveness loop",
		},
	)

	NodesRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftfs_nodes_recovered_total",
			Help: "Total number of inactive-to-active node transitions observed on register/heartbeat",
		},
	)

	// Replication controller counters (spec §4.4).
	ReplicationsPerformedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftfs_replications_performed_total",
			Help: "Total number of replicas created by the replication controller",
		},
	)

	ReplicationCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftfs_replication_cycle_duration_seconds",
			Help:    "Duration of one replication controller scan",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Integrity verifier counters (spec §4.5).
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftfs_verifications_total",
			Help: "Total number of replica verifications by outcome",
		},
		[]string{"outcome"}, // match, mismatch, transport_error
	)

	IntegrityCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftfs_integrity_cycle_duration_seconds",
			Help:    "Duration of one integrity verifier scan",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Recovery queue counters (spec §4.6).
	SuccessfulRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftfs_successful_recoveries_total",
			Help: "Total number of recovery records that completed successfully",
		},
	)

	CriticalFilesRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftfs_critical_files_recovered_total",
			Help: "Total number of successful recoveries at priority >= corruption band",
		},
	)

	RecoveriesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftfs_recoveries_failed_total",
			Help: "Total number of recovery records that exhausted max_attempts",
		},
	)

	PendingRecoveries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftfs_pending_recoveries",
			Help: "Current size of the recovery queue",
		},
	)

	RecoveryAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftfs_recovery_attempt_duration_seconds",
			Help:    "Duration of one recovery record attempt by strategy",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// Copy primitive (spec §4.7).
	CopyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftfs_copy_duration_seconds",
			Help:    "Duration of a node-to-node copy by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"}, // success, download_failed, upload_failed
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		FilesTotal,
		DegradedFilesTotal,
		DisasterFilesTotal,
		NodesFailedTotal,
		NodesRecoveredTotal,
		ReplicationsPerformedTotal,
		ReplicationCycleDuration,
		VerificationsTotal,
		IntegrityCycleDuration,
		SuccessfulRecoveriesTotal,
		CriticalFilesRecoveredTotal,
		RecoveriesFailedTotal,
		PendingRecoveries,
		RecoveryAttemptDuration,
		CopyDuration,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
