// Package metrics exposes orchestrator activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
)

const namespace = "hsu_orchestrator"

// Pass results
const (
	PassCompleted = "completed"
	PassFailed    = "failed"
	PassLoadOnly  = "load_only"
)

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// OrchestratorMetrics holds the collectors of one orchestrator
type OrchestratorMetrics struct {
	PassesTotal      *prometheus.CounterVec
	PassDuration     prometheus.Histogram
	PassUnitChanges  prometheus.Histogram
	WaitingCallers   prometheus.Gauge
	TransitionsTotal *prometheus.CounterVec
	LoadsTotal       *prometheus.CounterVec
	UnitErrorsTotal  *prometheus.CounterVec
	UnitsByStatus    *prometheus.GaugeVec
}

// NewOrchestratorMetrics creates and registers orchestrator metrics on the given registry.
func NewOrchestratorMetrics(reg prometheus.Registerer) *OrchestratorMetrics {
	m := &OrchestratorMetrics{
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reroute_passes_total",
			Help:      "Total number of reroute passes, by result.",
		}, []string{"result"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reroute_pass_duration_seconds",
			Help:      "Duration of reroute passes in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		PassUnitChanges: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reroute_pass_unit_changes",
			Help:      "Number of units changed by a reroute pass.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
		}),
		WaitingCallers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reroute_waiting_callers",
			Help:      "Number of reroute callers queued behind the running pass.",
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_transitions_total",
			Help:      "Total number of unit status transitions, by target status.",
		}, []string{"status"}),
		LoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_loads_total",
			Help:      "Total number of unit load attempts, by resulting status.",
		}, []string{"outcome"}),
		UnitErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_errors_total",
			Help:      "Total number of unit failures, by resulting status.",
		}, []string{"status"}),
		UnitsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units",
			Help:      "Current number of registered units, by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.PassesTotal,
		m.PassDuration,
		m.PassUnitChanges,
		m.WaitingCallers,
		m.TransitionsTotal,
		m.LoadsTotal,
		m.UnitErrorsTotal,
		m.UnitsByStatus,
	)
	return m
}

// ObserveTransition counts a unit status transition
func (m *OrchestratorMetrics) ObserveTransition(unitName string, transition lifecycle.Transition) {
	m.TransitionsTotal.WithLabelValues(string(transition.To)).Inc()
}

// ObserveLoad counts a finished load attempt
func (m *OrchestratorMetrics) ObserveLoad(unitName string, outcome lifecycle.Status) {
	m.LoadsTotal.WithLabelValues(string(outcome)).Inc()
}

// ObserveUnitError counts a unit failure
func (m *OrchestratorMetrics) ObserveUnitError(err *registry.UnitError) {
	m.UnitErrorsTotal.WithLabelValues(string(err.NewStatus)).Inc()
}

// ObservePass records a finished pass
func (m *OrchestratorMetrics) ObservePass(result string, duration time.Duration, unitChanges int) {
	m.PassesTotal.WithLabelValues(result).Inc()
	m.PassDuration.Observe(duration.Seconds())
	m.PassUnitChanges.Observe(float64(unitChanges))
}

// SetWaitingCallers records the reroute queue length
func (m *OrchestratorMetrics) SetWaitingCallers(n int) {
	m.WaitingCallers.Set(float64(n))
}

// SetStatusCounts replaces the per-status unit gauges
func (m *OrchestratorMetrics) SetStatusCounts(counts map[lifecycle.Status]int) {
	m.UnitsByStatus.Reset()
	for status, n := range counts {
		m.UnitsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
