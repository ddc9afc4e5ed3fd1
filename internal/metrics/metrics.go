// Package metrics defines the Prometheus collectors exposed on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guidance",
		Name:      "upstream_request_duration_seconds",
		Help:      "Latency of calls to the guidance API by operation and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	fetchCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guidance",
		Name:      "agenda_fetch_cycles_total",
		Help:      "Agenda fetch cycles by result (ready, error, stale, skipped).",
	}, []string{"result"})

	lifecycleActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guidance",
		Name:      "lifecycle_actions_total",
		Help:      "Request lifecycle actions by action and outcome.",
	}, []string{"action", "outcome"})

	directorySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "guidance",
		Name:      "directory_last_load_students",
		Help:      "Number of students in the most recent directory load.",
	})

	auditedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guidance",
		Name:      "audited_events_total",
		Help:      "Lifecycle events consumed by the audit worker.",
	}, []string{"type"})
)

// ObserveUpstream records one API call. outcome is "ok" or an error kind.
func ObserveUpstream(op, outcome string, d time.Duration) {
	upstreamDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
}

// FetchCycle counts a finished orchestrator cycle.
func FetchCycle(result string) {
	fetchCycles.WithLabelValues(result).Inc()
}

// LifecycleAction counts an accept/decline/cancel/create attempt.
func LifecycleAction(action, outcome string) {
	lifecycleActions.WithLabelValues(action, outcome).Inc()
}

// DirectoryLoaded records the size of a directory load.
func DirectoryLoaded(n int) {
	directorySize.Set(float64(n))
}

// EventAudited counts an event written to the audit log.
func EventAudited(eventType string) {
	auditedEvents.WithLabelValues(eventType).Inc()
}
