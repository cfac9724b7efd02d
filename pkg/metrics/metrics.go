// Package metrics exposes Prometheus instrumentation for the governance
// core: decision outcomes, ledger activity, intent step execution, and
// circuit breaker transitions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds every collector registered with one registry.
type Set struct {
	registry *prometheus.Registry

	DecisionsTotal     *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	LedgerAppendsTotal *prometheus.CounterVec
	ChainVerifications *prometheus.CounterVec
	IntentStepsTotal   *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	IdempotencyHits    prometheus.Counter
}

// New creates and registers the metric set.
func New() *Set {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Set{
		registry: registry,
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "arbiter",
				Name:      "decisions_total",
				Help:      "Governance decisions by effect and matched policy source",
			},
			[]string{"effect", "source"},
		),
		EvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "arbiter",
				Name:      "evaluation_duration_seconds",
				Help:      "End-to-end decision pipeline duration",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"effect"},
		),
		LedgerAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "arbiter",
				Name:      "ledger_appends_total",
				Help:      "Ledger append attempts by partition and outcome",
			},
			[]string{"partition", "status"},
		),
		ChainVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "arbiter",
				Name:      "ledger_chain_verifications_total",
				Help:      "Chain integrity verification runs by result",
			},
			[]string{"result"},
		),
		IntentStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "arbiter",
				Name:      "intent_steps_total",
				Help:      "Intent step executions by terminal status",
			},
			[]string{"status"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "arbiter",
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions by collaborator",
			},
			[]string{"collaborator", "state"},
		),
		IdempotencyHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "arbiter",
				Name:      "idempotency_hits_total",
				Help:      "Requests short-circuited by an idempotency record",
			},
		),
	}

	registry.MustRegister(
		s.DecisionsTotal,
		s.EvaluationDuration,
		s.LedgerAppendsTotal,
		s.ChainVerifications,
		s.IntentStepsTotal,
		s.BreakerTransitions,
		s.IdempotencyHits,
	)
	return s
}

// Handler returns the /metrics HTTP handler for this set's registry.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
