// Package metrics declares the prometheus collectors of the backup subsystem.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hostsnap"

// Run outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

var (
	// RunsTotal counts backup runs by job kind and outcome.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Total backup runs by job kind and outcome",
	}, []string{"kind", "outcome"})

	// RunDuration measures pause to resume.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Backup run duration in seconds, pause to resume",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"kind"})

	// ArchiveEntries counts entries written into archives.
	ArchiveEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "entries_total",
		Help:      "Total entries written into archives",
	}, []string{"kind"})

	// ArchiveBytes counts uncompressed bytes written into archives.
	ArchiveBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "bytes_total",
		Help:      "Total uncompressed bytes written into archives",
	}, []string{"kind"})

	// SkippedEntries counts missing sources and abandoned entries.
	// Labels: reason (missing, unreadable)
	SkippedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "skipped_total",
		Help:      "Total sources or entries left out of archives",
	}, []string{"kind", "reason"})

	// RotationErrors counts generations that could not be shifted.
	RotationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rotation",
		Name:      "errors_total",
		Help:      "Total generations that could not be deleted or renamed",
	}, []string{"kind"})

	// HostHandshakeFailures counts failed pause or resume handshakes.
	// Labels: step (pause, resume)
	HostHandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "host",
		Name:      "handshake_failures_total",
		Help:      "Total failed pause or resume handshakes with the host",
	}, []string{"step"})

	// LastSuccess holds the unix time of the last successful run per kind.
	LastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last successful backup run",
	}, []string{"kind"})
)

// ObserveRun records the outcome of one finished run.
func ObserveRun(kind, outcome string, d time.Duration, finished time.Time) {
	RunsTotal.WithLabelValues(kind, outcome).Inc()
	RunDuration.WithLabelValues(kind).Observe(d.Seconds())
	if outcome == OutcomeSuccess {
		LastSuccess.WithLabelValues(kind).Set(float64(finished.Unix()))
	}
}
