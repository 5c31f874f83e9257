// Package metrics exposes control-plane counters and gauges to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsByStatus is registered for the session population by status;
	// no component sets it, so it exports no series.
	SessionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sandpool_sessions",
		Help: "Number of sessions by status.",
	}, []string{"status"})

	// SessionTransitions counts state-machine transitions.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandpool_session_transitions_total",
		Help: "Session state transitions by target status.",
	}, []string{"to"})

	// ExecutionsByStatus counts executions reaching each terminal status.
	// It is only ever incremented: a running total, not the live population.
	ExecutionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sandpool_executions",
		Help: "Number of executions by status.",
	}, []string{"status"})

	// ExecutionRetries counts crashed-execution requeues.
	ExecutionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandpool_execution_retries_total",
		Help: "Crashed executions requeued for another attempt.",
	})

	// ExecutionDuration observes reported execution wall time.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sandpool_execution_duration_seconds",
		Help:    "Execution wall time as reported by the executor.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// SchedulerDecisions counts placements and capacity misses.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandpool_scheduler_decisions_total",
		Help: "Scheduler outcomes (placed, no_capacity).",
	}, []string{"outcome"})

	// DriverErrors counts runtime driver failures by operation.
	DriverErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandpool_driver_errors_total",
		Help: "Runtime driver failures by operation.",
	}, []string{"op"})

	// ReconcilerRecoveries counts container-loss recoveries.
	ReconcilerRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandpool_reconciler_recoveries_total",
		Help: "Reconciler recovery attempts by outcome (recovered, failed).",
	}, []string{"outcome"})

	// NodesByStatus tracks the runtime node fleet.
	NodesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sandpool_runtime_nodes",
		Help: "Number of runtime nodes by status.",
	}, []string{"status"})
)
