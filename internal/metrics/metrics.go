// Package metrics exposes the engine's Prometheus counters and gauges, all
// registered against a private registry so tests can spin up independent
// instances without colliding on the default global registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the engine records.
type Registry struct {
	registry *prometheus.Registry

	StrategyRuns        *prometheus.CounterVec
	ConditionsEvaluated *prometheus.CounterVec
	Triggers            prometheus.Counter
	ChainActivations    *prometheus.CounterVec
	VerificationEvents  *prometheus.CounterVec
	OrdersSubmitted     *prometheus.CounterVec
	OrdersTerminal      *prometheus.CounterVec
	ExpirySweeps        prometheus.Counter
	ExpiryDispositions  *prometheus.CounterVec
	DueStrategies       prometheus.Gauge
}

// New builds a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,
		StrategyRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine", Name: "strategy_runs_total",
			Help: "Scheduler runs of a strategy's conditions, by outcome.",
		}, []string{"outcome"}),
		ConditionsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine", Name: "conditions_evaluated_total",
			Help: "Single-condition evaluations, by resulting state.",
		}, []string{"state"}),
		Triggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "engine", Name: "strategy_triggers_total",
			Help: "Strategies transitioned ACTIVE -> TRIGGERED.",
		}),
		ChainActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine", Name: "chain_activations_total",
			Help: "Downstream chain activation attempts, by outcome.",
		}, []string{"outcome"}),
		VerificationEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine", Name: "verification_events_total",
			Help: "Pre-trade verification rule outcomes.",
		}, []string{"result"}),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine", Name: "orders_submitted_total",
			Help: "Order legs submitted to the gateway, by trade_action kind.",
		}, []string{"kind"}),
		OrdersTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine", Name: "orders_terminal_total",
			Help: "Order legs reaching a terminal gateway status.",
		}, []string{"status"}),
		ExpirySweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "engine", Name: "expiry_sweeps_total",
			Help: "Expiry sweep ticks executed.",
		}),
		ExpiryDispositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine", Name: "expiry_dispositions_total",
			Help: "Strategies disposed of by the expiry sweep, by disposition.",
		}, []string{"disposition"}),
		DueStrategies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine", Name: "due_strategies",
			Help: "Strategies returned by the most recent scan tick.",
		}),
	}
	reg.MustRegister(
		r.StrategyRuns, r.ConditionsEvaluated, r.Triggers, r.ChainActivations,
		r.VerificationEvents, r.OrdersSubmitted, r.OrdersTerminal,
		r.ExpirySweeps, r.ExpiryDispositions, r.DueStrategies,
	)
	return r
}

// Handler returns an http.Handler serving this registry in the Prometheus
// exposition format, for mounting at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
