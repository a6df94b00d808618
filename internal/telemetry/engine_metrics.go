package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics tracks cart engine behaviour: mutation outcomes, advisory
// lock contention, idempotency decisions, live price drift and event
// delivery.
//
// It satisfies lock.Observer and idempotency.Observer.
type EngineMetrics struct {
	// =======================================================================
	// Mutations
	// =======================================================================
	Mutations        *prometheus.CounterVec
	MutationDuration *prometheus.HistogramVec

	// =======================================================================
	// Concurrency
	// =======================================================================
	LockWait     prometheus.Histogram
	LockTimeouts prometheus.Counter

	// =======================================================================
	// Idempotency
	// =======================================================================
	IdempotencyOutcomes *prometheus.CounterVec

	// =======================================================================
	// Pricing and events
	// =======================================================================
	PriceChanges  prometheus.Counter
	EventFailures *prometheus.CounterVec
	CartsSwept    *prometheus.CounterVec
}

// NewEngineMetrics creates the engine metrics and registers them with reg.
// A nil reg registers with the default registerer.
func NewEngineMetrics(reg prometheus.Registerer, namespace string) *EngineMetrics {
	if namespace == "" {
		namespace = "cartengine"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	subsystem := "cart"

	return &EngineMetrics{
		Mutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "mutations_total",
				Help:      "Total cart mutations by operation and outcome",
			},
			[]string{"op", "outcome"}, // outcome: ok or a domain error kind/code
		),
		MutationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "mutation_duration_seconds",
				Help:      "Cart mutation latency including lock wait",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"op"},
		),
		LockWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for the per-cart advisory lock",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		LockTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "lock_timeouts_total",
				Help:      "Advisory lock acquisitions that ran out of wait budget",
			},
		),
		IdempotencyOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "idempotency_outcomes_total",
				Help:      "Idempotency key decisions",
			},
			[]string{"outcome"}, // fresh, replay, conflict, in_progress, reclaimed
		),
		PriceChanges: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "live_price_changes_total",
				Help:      "Cart reads whose live quote differed from stored prices",
			},
		),
		EventFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "event_failures_total",
				Help:      "Cart events that could not be delivered",
			},
			[]string{"event_type"},
		),
		CartsSwept: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "swept_total",
				Help:      "Rows removed by the background sweeper",
			},
			[]string{"table"}, // carts, idempotency_keys
		),
	}
}

// LockAcquired records a successful advisory lock wait.
func (m *EngineMetrics) LockAcquired(wait time.Duration) {
	m.LockWait.Observe(wait.Seconds())
}

// LockTimedOut records an advisory lock wait that gave up.
func (m *EngineMetrics) LockTimedOut(wait time.Duration) {
	m.LockWait.Observe(wait.Seconds())
	m.LockTimeouts.Inc()
}

// IdempotencyOutcome counts an idempotency decision.
func (m *EngineMetrics) IdempotencyOutcome(outcome string) {
	m.IdempotencyOutcomes.WithLabelValues(outcome).Inc()
}

// PriceChanged counts a live quote that drifted from stored prices.
func (m *EngineMetrics) PriceChanged() {
	m.PriceChanges.Inc()
}

// EventFailed counts an undeliverable event.
func (m *EngineMetrics) EventFailed(eventType string) {
	m.EventFailures.WithLabelValues(eventType).Inc()
}

// ObserveMutation records a finished mutation.
func (m *EngineMetrics) ObserveMutation(op, outcome string, took time.Duration) {
	m.Mutations.WithLabelValues(op, outcome).Inc()
	m.MutationDuration.WithLabelValues(op).Observe(took.Seconds())
}

// Swept counts rows removed by the sweeper.
func (m *EngineMetrics) Swept(table string, n int64) {
	if n > 0 {
		m.CartsSwept.WithLabelValues(table).Add(float64(n))
	}
}
