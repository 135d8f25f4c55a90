// SPDX-License-Identifier: MIT

// Package metrics defines the prometheus instruments for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediad_jobs_total",
		Help: "Total number of jobs reaching a terminal state, by state and artifact kind",
	}, []string{"state", "artifact"})

	JobsRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediad_jobs_running",
		Help: "Number of currently running jobs by tool class",
	}, []string{"tool_class"})

	JobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediad_jobs_queued",
		Help: "Number of queued jobs",
	})

	JobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediad_job_duration_seconds",
		Help:    "Wall clock duration of completed jobs by artifact kind",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"artifact"})

	BusSubscriberDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediad_bus_subscriber_drops_total",
		Help: "Subscribers disconnected for lagging past the bounded event queue",
	}, []string{"event"})

	BatchPlannedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediad_batch_planned_jobs_total",
		Help: "Jobs enqueued by the batch planner, by artifact kind",
	}, []string{"artifact"})

	BatchSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediad_batch_skipped_total",
		Help: "Planned (file, kind) pairs skipped by the planner, by reason",
	}, []string{"reason"})

	CoverageCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediad_coverage_cache_total",
		Help: "Coverage aggregator cache lookups by result",
	}, []string{"result"})

	RepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediad_orphan_repairs_total",
		Help: "Orphan sidecar repair attempts by outcome",
	}, []string{"outcome"})
)

// IncBusSubscriberDrop records a subscriber disconnect caused by backpressure.
func IncBusSubscriberDrop(event string) {
	if event == "" {
		event = "unknown"
	}
	BusSubscriberDropsTotal.WithLabelValues(event).Inc()
}

// IncJobTerminal records a job reaching a terminal state.
func IncJobTerminal(state, artifact string) {
	JobsTotal.WithLabelValues(state, artifact).Inc()
}

// ObserveJobDuration records the wall-clock duration of a finished job.
func ObserveJobDuration(artifact string, seconds float64) {
	JobDurationSeconds.WithLabelValues(artifact).Observe(seconds)
}

// IncCoverageCache records a coverage cache hit or miss.
func IncCoverageCache(result string) {
	CoverageCacheHitsTotal.WithLabelValues(result).Inc()
}

// IncRepair records an orphan repair outcome (moved, skipped, failed).
func IncRepair(outcome string) {
	RepairsTotal.WithLabelValues(outcome).Inc()
}
