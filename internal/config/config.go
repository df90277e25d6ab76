// Package config loads and validates tiered-memory configuration.
package config

import "time"

// Config is the full configuration.
type Config struct {
	// Store locates the SQLite database.
	Store StoreConfig `mapstructure:"store"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log"`

	// Embedding selects the vector provider used by ingestion and recall.
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Consolidation tunes the nightly and weekly procedures.
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`

	// Recall tunes cross-tier ranking.
	Recall RecallConfig `mapstructure:"recall"`

	// Migration tunes the legacy bootstrap classifier.
	Migration MigrationConfig `mapstructure:"migration"`

	// Server is the HTTP surface.
	Server ServerConfig `mapstructure:"server"`

	// Metrics toggles Prometheus instrumentation.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StoreConfig holds storage settings.
type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider" validate:"oneof=none hash ollama openai"`
	Model    string `mapstructure:"model"`
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"api_key"`
	Dims     int    `mapstructure:"dims" validate:"gte=0"`
}

// ConsolidationConfig holds the knobs of both consolidation procedures.
type ConsolidationConfig struct {
	// MinImportance is the lowest working importance promoted nightly.
	MinImportance int `mapstructure:"min_importance" validate:"min=1,max=10"`

	// MinAge keeps very recent records in the working tier.
	MinAge time.Duration `mapstructure:"min_age" validate:"gte=0"`

	SummaryMaxLen int           `mapstructure:"summary_max_len" validate:"min=16"`
	BatchSize     int           `mapstructure:"batch_size" validate:"min=1"`
	LockTTL       time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`

	MinPatternFrequency int     `mapstructure:"min_pattern_frequency" validate:"min=1"`
	ConfidenceBoost     float64 `mapstructure:"confidence_boost" validate:"gt=0,lt=1"`
	ConfidenceCap       float64 `mapstructure:"confidence_cap" validate:"gt=0,lte=1"`
	InitialConfidenceK  float64 `mapstructure:"initial_confidence_k" validate:"gt=0"`

	// Window is how far back the weekly run looks for new episodes.
	Window time.Duration `mapstructure:"window" validate:"gt=0"`

	RetentionDays          int `mapstructure:"retention_days" validate:"min=1"`
	ArchiveImportanceFloor int `mapstructure:"archive_importance_floor" validate:"min=1,max=10"`
}

// RecallConfig holds ranking settings.
type RecallConfig struct {
	DefaultLimit int `mapstructure:"default_limit" validate:"min=1,max=100"`
	Overfetch    int `mapstructure:"overfetch" validate:"min=1,max=10"`

	WorkingWeight  float64 `mapstructure:"working_weight" validate:"gte=0"`
	EpisodicWeight float64 `mapstructure:"episodic_weight" validate:"gte=0"`
	SemanticWeight float64 `mapstructure:"semantic_weight" validate:"gte=0"`

	WorkingHalfLife  time.Duration `mapstructure:"working_half_life" validate:"gt=0"`
	EpisodicHalfLife time.Duration `mapstructure:"episodic_half_life" validate:"gt=0"`

	VectorCandidates int `mapstructure:"vector_candidates" validate:"min=1"`
}

// MigrationConfig holds bootstrap classifier settings.
type MigrationConfig struct {
	RecentWindow      time.Duration `mapstructure:"recent_window" validate:"gt=0"`
	SignificantTopics []string      `mapstructure:"significant_topics"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`

	// RateLimit caps ingestion requests per second per client; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gte=0"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
