package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initMemoryMetrics(cfg Config) {
	m.appends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_appends_total",
			Help: "Working-tier appends by status",
		},
		[]string{"status"},
	)

	m.recallRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_recall_requests_total",
			Help: "Recall requests by outcome (ok, partial, error)",
		},
		[]string{"outcome"},
	)
	m.recallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memory_recall_duration_seconds",
			Help:    "Recall latency in seconds",
			Buckets: cfg.RecallDurationBuckets,
		},
	)
	m.recallItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_recall_items_total",
			Help: "Records returned by recall, by tier",
		},
		[]string{"tier"},
	)

	m.consolidationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_consolidation_runs_total",
			Help: "Consolidation runs by procedure and status",
		},
		[]string{"procedure", "status"},
	)
	m.consolidationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memory_consolidation_duration_seconds",
			Help:    "Consolidation run duration in seconds",
			Buckets: cfg.ConsolidationDurationBuckets,
		},
		[]string{"procedure"},
	)
	m.consolidationItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_consolidation_items_total",
			Help: "Records touched by consolidation, by procedure and kind",
		},
		[]string{"procedure", "kind"},
	)

	m.migrationRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_migration_records_total",
			Help: "Legacy records processed by outcome",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(m.appends)
	m.registry.MustRegister(m.recallRequests)
	m.registry.MustRegister(m.recallDuration)
	m.registry.MustRegister(m.recallItems)
	m.registry.MustRegister(m.consolidationRuns)
	m.registry.MustRegister(m.consolidationDuration)
	m.registry.MustRegister(m.consolidationItems)
	m.registry.MustRegister(m.migrationRecords)
}

// RecordAppend records one ingestion attempt.
func (m *Manager) RecordAppend(status string) {
	if !m.Enabled() {
		return
	}
	m.appends.WithLabelValues(status).Inc()
}

// RecordRecall records one recall with its per-tier result counts.
func (m *Manager) RecordRecall(outcome string, duration time.Duration, counts map[string]int) {
	if !m.Enabled() {
		return
	}
	m.recallRequests.WithLabelValues(outcome).Inc()
	m.recallDuration.Observe(duration.Seconds())
	for tier, n := range counts {
		m.recallItems.WithLabelValues(tier).Add(float64(n))
	}
}

// RecordConsolidation records a finished (or rejected) consolidation run.
func (m *Manager) RecordConsolidation(procedure, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.consolidationRuns.WithLabelValues(procedure, status).Inc()
	if status != "rejected" {
		m.consolidationDuration.WithLabelValues(procedure).Observe(duration.Seconds())
	}
}

// AddConsolidationItems adds n to the counter for procedure/kind.
func (m *Manager) AddConsolidationItems(procedure, kind string, n int) {
	if !m.Enabled() || n <= 0 {
		return
	}
	m.consolidationItems.WithLabelValues(procedure, kind).Add(float64(n))
}

// RecordMigration records one legacy record's outcome (written, skipped, error).
func (m *Manager) RecordMigration(outcome string) {
	if !m.Enabled() {
		return
	}
	m.migrationRecords.WithLabelValues(outcome).Inc()
}
