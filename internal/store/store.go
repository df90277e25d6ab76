// Package store provides the three-tier memory storage interface and SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Hit is a record returned by Query together with its normalized relevance in [0,1].
type Hit struct {
	Record    model.Record `json:"record"`
	Relevance float64      `json:"relevance"`
}

// GroupKey identifies a (day, topic) bucket of promotable working records.
type GroupKey struct {
	Day   string `json:"day"` // YYYY-MM-DD, UTC
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

func (k GroupKey) String() string { return k.Day + "/" + k.Topic }

// PromotionParams selects working records eligible for nightly promotion.
// Records whose expiry is at or before Now are left for the sweep. A zero
// Now means the store's clock.
type PromotionParams struct {
	MinImportance int
	CreatedBefore time.Time
	Now           time.Time
}

// PageParams bounds a scan to one sub-batch. AfterID continues from the
// previous page; ids are ULIDs so they sort by creation time.
type PageParams struct {
	AfterID string
	Limit   int
}

// UpsertParams describes one piece of semantic knowledge and the evidence
// supporting it. SourceIDs are provenance keys (episode ids, or legacy ids
// during bootstrap); evidence is counted once per distinct key.
type UpsertParams struct {
	Type      model.KnowledgeType
	Key       string
	Value     model.KnowledgeValue
	Content   string
	Topic     string
	Emotion   string
	Embedding []float32
	SourceIDs []string

	InitialConfidence float64
	Boost             float64
	Cap               float64
}

// UpsertOutcome reports what UpsertSemantic did.
type UpsertOutcome int

const (
	UpsertUnchanged UpsertOutcome = iota
	UpsertCreated
	UpsertUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertCreated:
		return "created"
	case UpsertUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Store defines the memory storage interface. Every write touches a single
// tier; callers that move data between tiers rely on the idempotent
// InsertEpisode and UpsertSemantic to make re-runs safe.
type Store interface {
	// AppendWorking inserts a working record and returns its id.
	// ExpiresAt is always CreatedAt + 24h.
	AppendWorking(ctx context.Context, r model.WorkingRecord) (string, error)

	// GetByID returns the record or model.ErrNotFound.
	GetByID(ctx context.Context, tier model.Tier, id string) (model.Record, error)

	// Query returns records of one tier matching f, most relevant first.
	Query(ctx context.Context, tier model.Tier, f model.Filter) ([]Hit, error)

	// DeleteExpiredWorking removes working records whose expiry has passed.
	DeleteExpiredWorking(ctx context.Context, now time.Time) (int, error)

	PromotionGroups(ctx context.Context, p PromotionParams) ([]GroupKey, error)
	WorkingInGroup(ctx context.Context, key GroupKey, p PromotionParams, page PageParams) ([]model.WorkingRecord, error)
	DeleteWorking(ctx context.Context, ids []string) (int, error)

	// InsertEpisode stores ep and links its SourceIDs. When any source is
	// already linked it returns the existing episode id and created=false.
	InsertEpisode(ctx context.Context, ep model.EpisodicRecord) (id string, created bool, err error)
	EpisodesForWorking(ctx context.Context, workingIDs []string) (map[string]string, error)

	// GroupEpisode finds the live episode already holding a (day, topic)
	// group, and ExtendEpisode rewrites it with more sources linked.
	GroupEpisode(ctx context.Context, key GroupKey) (*model.EpisodicRecord, bool, error)
	ExtendEpisode(ctx context.Context, ep model.EpisodicRecord, newSources []string) (bool, error)
	EpisodesCreatedSince(ctx context.Context, since time.Time, page PageParams) ([]model.EpisodicRecord, error)
	ArchiveEpisodes(ctx context.Context, happenedBefore time.Time, importanceAtMost, limit int) (int, error)

	UpsertSemantic(ctx context.Context, p UpsertParams) (*model.SemanticRecord, UpsertOutcome, error)

	// TryLock acquires the named advisory lock for ttl. It returns false when
	// another holder has it and the lock has not gone stale.
	TryLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name, holder string) error

	// Close closes the store.
	Close() error
}
