// Package model defines the record types of the three memory tiers.
package model

import "time"

// Tier names one of the three record collections.
type Tier string

const (
	TierWorking  Tier = "working"
	TierEpisodic Tier = "episodic"
	TierSemantic Tier = "semantic"
)

// Tiers lists every tier in weight order.
var Tiers = []Tier{TierWorking, TierEpisodic, TierSemantic}

// ParseTier returns the tier named s.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierWorking, TierEpisodic, TierSemantic:
		return Tier(s), nil
	}
	return "", &ValidationError{Field: "tier", Reason: "must be one of working, episodic, semantic"}
}

// WorkingTTL is how long a working record lives before the expiry sweep removes it.
const WorkingTTL = 24 * time.Hour

// DefaultEmotion labels observations that arrive without an affect label.
const DefaultEmotion = "neutral"

// Base holds the fields shared by every tier.
type Base struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Topic      string    `json:"topic"`
	Emotion    string    `json:"emotion"`
	Importance int       `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Record is implemented by every tier's record type.
type Record interface {
	GetBase() *Base
	Tier() Tier
}

// WorkingRecord is a raw, short-lived observation.
type WorkingRecord struct {
	Base
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *WorkingRecord) GetBase() *Base { return &r.Base }
func (r *WorkingRecord) Tier() Tier     { return TierWorking }

// EpisodicRecord summarizes a group of working records about one topic on one day.
type EpisodicRecord struct {
	Base
	Title         string    `json:"title"`
	Summary       string    `json:"summary"`
	Participants  []string  `json:"participants,omitempty"`
	EmotionalTags []string  `json:"emotional_tags,omitempty"`
	HappenedAt    time.Time `json:"happened_at"`
	Archived      bool      `json:"archived"`
	SourceIDs     []string  `json:"source_ids,omitempty"`
}

func (r *EpisodicRecord) GetBase() *Base { return &r.Base }
func (r *EpisodicRecord) Tier() Tier     { return TierEpisodic }

// EpisodeTitle names the episode for topic on the UTC day of happenedAt.
func EpisodeTitle(topic string, happenedAt time.Time) string {
	return topic + " — " + happenedAt.UTC().Format("2006-01-02")
}

// SemanticRecord is generalized, confidence-weighted knowledge.
// Importance is derived from Confidence and never stored.
type SemanticRecord struct {
	Base
	KnowledgeType    KnowledgeType  `json:"knowledge_type"`
	Key              string         `json:"key"`
	Value            KnowledgeValue `json:"value"`
	Confidence       float64        `json:"confidence"`
	EvidenceCount    int            `json:"evidence_count"`
	SourceEpisodeIDs []string       `json:"source_episode_ids,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (r *SemanticRecord) GetBase() *Base { return &r.Base }
func (r *SemanticRecord) Tier() Tier     { return TierSemantic }

// ImportanceFromConfidence maps a confidence in [0,1] onto the 1-10 importance scale.
func ImportanceFromConfidence(c float64) int {
	imp := int(c*10 + 0.5)
	if imp < 1 {
		return 1
	}
	if imp > 10 {
		return 10
	}
	return imp
}

// Filter narrows a per-tier query. Zero values mean "no constraint".
type Filter struct {
	Text            string
	Embedding       []float32
	Since           *time.Time
	Until           *time.Time
	Emotion         string
	MinImportance   int
	IncludeArchived bool
	Limit           int
}
