// Package metrics provides Prometheus instrumentation for the memory store.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the Prometheus registry and every collector.
// A disabled Manager accepts all Record calls and does nothing.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	appends *prometheus.CounterVec

	recallRequests *prometheus.CounterVec
	recallDuration prometheus.Histogram
	recallItems    *prometheus.CounterVec

	consolidationRuns     *prometheus.CounterVec
	consolidationDuration *prometheus.HistogramVec
	consolidationItems    *prometheus.CounterVec

	migrationRecords *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool

	RecallDurationBuckets        []float64
	ConsolidationDurationBuckets []float64
	HTTPDurationBuckets          []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                      true,
		RecallDurationBuckets:        []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		ConsolidationDurationBuckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		HTTPDurationBuckets:          []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}
	m.initMemoryMetrics(cfg)
	m.initHTTPMetrics(cfg)
	return m
}

// NoOpManager returns a disabled manager.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m != nil && m.enabled
}

// Registry exposes the registry for tests and extra collectors.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
