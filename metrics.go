package modrun

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus counters for registry activity. Pass a
// custom registerer to scope metrics in tests; nil uses the default
// registerer.
type Metrics struct {
	Loads        *prometheus.CounterVec
	Unloads      *prometheus.CounterVec
	LoadFailures *prometheus.CounterVec
	LiveModules  prometheus.Gauge
	Events       *prometheus.CounterVec
}

// NewMetrics creates and registers the runtime's collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modrun_module_loads_total",
			Help: "Module instances loaded, by module id.",
		}, []string{"module"}),
		Unloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modrun_module_unloads_total",
			Help: "Module instances unloaded, by module id.",
		}, []string{"module"}),
		LoadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modrun_module_load_failures_total",
			Help: "Failed module loads, by module id.",
		}, []string{"module"}),
		LiveModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modrun_loaded_modules",
			Help: "Currently loaded module instances.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modrun_module_events_total",
			Help: "Lifecycle events emitted, by event type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.Loads, m.Unloads, m.LoadFailures, m.LiveModules, m.Events)
	return m
}

// nopMetrics returns unregistered collectors so the Registry can count
// unconditionally even when the host doesn't care about metrics.
func nopMetrics() *Metrics {
	return &Metrics{
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modrun_module_loads_total"}, []string{"module"}),
		Unloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modrun_module_unloads_total"}, []string{"module"}),
		LoadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modrun_module_load_failures_total"}, []string{"module"}),
		LiveModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modrun_loaded_modules"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modrun_module_events_total"}, []string{"type"}),
	}
}
