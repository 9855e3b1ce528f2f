// Package metrics exposes Prometheus instrumentation for the decision
// engines.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	AllocationsTotal     prometheus.Counter
	AllocatedCapital     prometheus.Gauge
	EffectiveCapital     prometheus.Gauge
	AllocatedStrategies  prometheus.Gauge
	PromotionsEvaluated  *prometheus.CounterVec
	GateFailures         *prometheus.CounterVec
	RiskEvaluationsTotal prometheus.Counter
	RiskCheckFailures    *prometheus.CounterVec
	AutoDemotionsTotal   prometheus.Counter
	ActiveDeployments    prometheus.Gauge
	RegimeRefreshesTotal *prometheus.CounterVec
	CurrentRegime        *prometheus.GaugeVec
}

// New creates the engine collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,
		AllocationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "advisor", Subsystem: "allocation",
			Name: "runs_total", Help: "Capital allocation runs.",
		}),
		AllocatedCapital: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "advisor", Subsystem: "allocation",
			Name: "allocated_capital", Help: "Dollars allocated in the last run.",
		}),
		EffectiveCapital: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "advisor", Subsystem: "allocation",
			Name: "effective_capital", Help: "Regime-scaled capital pool in the last run.",
		}),
		AllocatedStrategies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "advisor", Subsystem: "allocation",
			Name: "strategies", Help: "Strategies funded in the last run.",
		}),
		PromotionsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor", Subsystem: "promotion",
			Name: "evaluations_total", Help: "Promotion evaluations by outcome.",
		}, []string{"outcome"}),
		GateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor", Subsystem: "promotion",
			Name: "gate_failures_total", Help: "Gate failures by gate name.",
		}, []string{"gate"}),
		RiskEvaluationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "advisor", Subsystem: "risk",
			Name: "evaluations_total", Help: "Risk monitor evaluations.",
		}),
		RiskCheckFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor", Subsystem: "risk",
			Name: "check_failures_total", Help: "Risk check failures by check and severity.",
		}, []string{"check", "severity"}),
		AutoDemotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "advisor", Subsystem: "risk",
			Name: "auto_demotions_total", Help: "Deployments auto-demoted by the risk monitor.",
		}),
		ActiveDeployments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "advisor", Subsystem: "lifecycle",
			Name: "active_deployments", Help: "Deployments currently active.",
		}),
		RegimeRefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor", Subsystem: "regime",
			Name: "refreshes_total", Help: "Regime refreshes by result.",
		}, []string{"result"}),
		CurrentRegime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "advisor", Subsystem: "regime",
			Name: "current", Help: "1 for the current composite regime, 0 otherwise.",
		}, []string{"regime"}),
	}

	registry.MustRegister(
		m.AllocationsTotal, m.AllocatedCapital, m.EffectiveCapital, m.AllocatedStrategies,
		m.PromotionsEvaluated, m.GateFailures,
		m.RiskEvaluationsTotal, m.RiskCheckFailures, m.AutoDemotionsTotal,
		m.ActiveDeployments,
		m.RegimeRefreshesTotal, m.CurrentRegime,
	)
	return m
}

// SetRegime marks the current composite regime, clearing the others.
func (m *Metrics) SetRegime(regime string) {
	for _, r := range []string{"BULL", "NEUTRAL", "BEAR", "EXTREME"} {
		v := 0.0
		if r == regime {
			v = 1.0
		}
		m.CurrentRegime.WithLabelValues(r).Set(v)
	}
}

// ObserveAllocation records the outcome of one allocation run.
func (m *Metrics) ObserveAllocation(effectiveCapital float64, allocations map[string]float64) {
	m.AllocationsTotal.Inc()
	m.EffectiveCapital.Set(effectiveCapital)
	total := 0.0
	for _, amount := range allocations {
		total += amount
	}
	m.AllocatedCapital.Set(total)
	m.AllocatedStrategies.Set(float64(len(allocations)))
}

// ObservePromotion records one promotion evaluation and its gate failures.
func (m *Metrics) ObservePromotion(canPromote bool, failedGates []string) {
	outcome := "rejected"
	if canPromote {
		outcome = "promoted"
	}
	m.PromotionsEvaluated.WithLabelValues(outcome).Inc()
	for _, gate := range failedGates {
		m.GateFailures.WithLabelValues(gate).Inc()
	}
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
