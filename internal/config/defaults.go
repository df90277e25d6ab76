package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultDBPath is ~/.tiered-memory/memory.db.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tiered-memory", "memory.db")
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{Path: DefaultDBPath()},
		Log:   LogConfig{Level: "warn", Format: "console"},
		Embedding: EmbeddingConfig{
			Provider: "none",
		},
		Consolidation: ConsolidationConfig{
			MinImportance:          7,
			MinAge:                 time.Hour,
			SummaryMaxLen:          500,
			BatchSize:              200,
			LockTTL:                30 * time.Minute,
			MinPatternFrequency:    2,
			ConfidenceBoost:        0.1,
			ConfidenceCap:          0.95,
			InitialConfidenceK:     3,
			Window:                 7 * 24 * time.Hour,
			RetentionDays:          90,
			ArchiveImportanceFloor: 8,
		},
		Recall: RecallConfig{
			DefaultLimit:     15,
			Overfetch:        3,
			WorkingWeight:    1.0,
			EpisodicWeight:   0.8,
			SemanticWeight:   0.6,
			WorkingHalfLife:  6 * time.Hour,
			EpisodicHalfLife: 30 * 24 * time.Hour,
			VectorCandidates: 500,
		},
		Migration: MigrationConfig{
			RecentWindow:      24 * time.Hour,
			SignificantTopics: []string{"family", "health", "work", "milestone"},
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:7411",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit:    20,
			RateBurst:    40,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// defaultsMap flattens DefaultConfig into dotted koanf keys.
func defaultsMap() map[string]interface{} {
	d := DefaultConfig()
	return map[string]interface{}{
		"store.path": d.Store.Path,

		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,

		"embedding.provider": d.Embedding.Provider,
		"embedding.model":    d.Embedding.Model,
		"embedding.url":      d.Embedding.URL,
		"embedding.api_key":  d.Embedding.APIKey,
		"embedding.dims":     d.Embedding.Dims,

		"consolidation.min_importance":           d.Consolidation.MinImportance,
		"consolidation.min_age":                  d.Consolidation.MinAge.String(),
		"consolidation.summary_max_len":          d.Consolidation.SummaryMaxLen,
		"consolidation.batch_size":               d.Consolidation.BatchSize,
		"consolidation.lock_ttl":                 d.Consolidation.LockTTL.String(),
		"consolidation.min_pattern_frequency":    d.Consolidation.MinPatternFrequency,
		"consolidation.confidence_boost":         d.Consolidation.ConfidenceBoost,
		"consolidation.confidence_cap":           d.Consolidation.ConfidenceCap,
		"consolidation.initial_confidence_k":     d.Consolidation.InitialConfidenceK,
		"consolidation.window":                   d.Consolidation.Window.String(),
		"consolidation.retention_days":           d.Consolidation.RetentionDays,
		"consolidation.archive_importance_floor": d.Consolidation.ArchiveImportanceFloor,

		"recall.default_limit":      d.Recall.DefaultLimit,
		"recall.overfetch":          d.Recall.Overfetch,
		"recall.working_weight":     d.Recall.WorkingWeight,
		"recall.episodic_weight":    d.Recall.EpisodicWeight,
		"recall.semantic_weight":    d.Recall.SemanticWeight,
		"recall.working_half_life":  d.Recall.WorkingHalfLife.String(),
		"recall.episodic_half_life": d.Recall.EpisodicHalfLife.String(),
		"recall.vector_candidates":  d.Recall.VectorCandidates,

		"migration.recent_window":      d.Migration.RecentWindow.String(),
		"migration.significant_topics": d.Migration.SignificantTopics,

		"server.addr":          d.Server.Addr,
		"server.read_timeout":  d.Server.ReadTimeout.String(),
		"server.write_timeout": d.Server.WriteTimeout.String(),
		"server.rate_limit":    d.Server.RateLimit,
		"server.rate_burst":    d.Server.RateBurst,

		"metrics.enabled": d.Metrics.Enabled,
	}
}
