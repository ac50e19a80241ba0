// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeBanned    = "banned"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

var DeltasTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "occupancy",
	Name:      "deltas_total",
	Help:      "Occupancy deltas submitted to the ledger, by source and outcome.",
}, []string{"source", "outcome"})

var ClampedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "occupancy",
	Name:      "clamped_total",
	Help:      "Deltas that were clamped to keep occupancy non-negative.",
})

var ResetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "occupancy",
	Name:      "resets_total",
	Help:      "Reset operations, by scope.",
}, []string{"scope"})

var ResetAreaFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "occupancy",
	Name:      "reset_area_failures_total",
	Help:      "Areas that failed to reset inside a reset operation.",
})

var StorageConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "occupancy",
	Name:      "storage_conflicts_total",
	Help:      "Transactions aborted by lock contention or serialization failures.",
})

var LedgerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "occupancy",
	Name:      "ledger_duration_seconds",
	Help:      "Latency of ledger operations.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
}, []string{"op"})

var ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "occupancy",
	Name:      "id_scans_total",
	Help:      "ID scans processed, by result.",
}, []string{"result"})

var ChangeFeedDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "occupancy",
	Name:      "changefeed_dropped_total",
	Help:      "Change notifications that were not delivered, by sink.",
}, []string{"sink"})

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "occupancy",
	Name:      "http_requests_total",
	Help:      "HTTP requests served, by route and status code.",
}, []string{"route", "code"})
