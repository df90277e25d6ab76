package migrate

import (
	"strings"
	"time"

	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/model"
)

// Legacy kinds understood by the classifier. Semantic knowledge types are
// accepted under their own names.
const (
	KindFact    = string(model.KnowledgeFact)
	KindConcept = string(model.KnowledgeConcept)
	KindEpisode = "episode"
)

// episodeImportance is the lowest importance that earns a legacy record an
// episode on its own.
const episodeImportance = 7

// Classifier decides which tier a legacy record belongs in.
type Classifier struct {
	now         func() time.Time
	recent      time.Duration
	significant map[string]bool
}

// NewClassifier builds a Classifier from the migration settings.
func NewClassifier(cfg config.MigrationConfig, now func() time.Time) *Classifier {
	sig := make(map[string]bool, len(cfg.SignificantTopics))
	for _, t := range cfg.SignificantTopics {
		sig[strings.ToLower(t)] = true
	}
	if now == nil {
		now = time.Now
	}
	return &Classifier{now: now, recent: cfg.RecentWindow, significant: sig}
}

// Classify returns the target tier, or false when the record should be
// skipped. Rules apply in order: extracted knowledge goes to semantic,
// anything recent to working, important or significant records to episodic.
func (c *Classifier) Classify(r LegacyRecord) (model.Tier, bool) {
	if model.ValidKnowledgeTypes[model.KnowledgeType(r.Kind)] || r.Key != "" {
		return model.TierSemantic, true
	}
	if !r.CreatedAt.IsZero() && c.now().Sub(r.CreatedAt) < c.recent {
		return model.TierWorking, true
	}
	if r.Kind == KindEpisode || r.Importance >= episodeImportance || c.significant[strings.ToLower(r.Topic)] {
		return model.TierEpisodic, true
	}
	return "", false
}
