package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/observe"
	"github.com/rcliao/tiered-memory/internal/store"
)

// ProvenancePrefix marks source ids that point at legacy records.
const ProvenancePrefix = "legacy:"

// defaultImportance applies to legacy records that carry none.
const defaultImportance = 5

// maxKeyLen bounds semantic keys derived from content.
const maxKeyLen = 120

// Writer is the subset of store.Store the migrator writes through.
type Writer interface {
	AppendWorking(ctx context.Context, r model.WorkingRecord) (string, error)
	GetByID(ctx context.Context, tier model.Tier, id string) (model.Record, error)
	InsertEpisode(ctx context.Context, ep model.EpisodicRecord) (string, bool, error)
	UpsertSemantic(ctx context.Context, p store.UpsertParams) (*model.SemanticRecord, store.UpsertOutcome, error)
}

// Report summarizes a migration run.
type Report struct {
	Processed  int                `json:"processed"`
	Written    map[model.Tier]int `json:"written"`
	Duplicates int                `json:"duplicates"`
	Skipped    int                `json:"skipped"`
	Errors     []*RecordError     `json:"errors,omitempty"`
	DryRun     bool               `json:"dry_run,omitempty"`
	DurationMS int64              `json:"duration_ms"`
}

// Migrator classifies legacy records and writes them into the tiers.
type Migrator struct {
	store    Writer
	classify *Classifier
	cons     config.ConsolidationConfig
	now      func() time.Time
	dryRun   bool
	obs      *observe.Observer
	metrics  *metrics.Manager
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithDryRun classifies records without writing anything.
func WithDryRun(dry bool) Option {
	return func(m *Migrator) { m.dryRun = dry }
}

// WithClock overrides the migrator's notion of now.
func WithClock(now func() time.Time) Option {
	return func(m *Migrator) { m.now = now }
}

// WithObserver sets the logger.
func WithObserver(o *observe.Observer) Option {
	return func(m *Migrator) { m.obs = o }
}

// WithMetrics sets the metrics manager.
func WithMetrics(mm *metrics.Manager) Option {
	return func(m *Migrator) { m.metrics = mm }
}

// New creates a Migrator. cons supplies the confidence settings used for
// semantic records.
func New(w Writer, cfg config.MigrationConfig, cons config.ConsolidationConfig, opts ...Option) *Migrator {
	m := &Migrator{
		store:   w,
		cons:    cons,
		now:     time.Now,
		obs:     observe.Discard(),
		metrics: metrics.NoOpManager(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.classify = NewClassifier(cfg, m.now)
	return m
}

// Run drains src. Bad records are logged, collected in the report and
// skipped; only a source failure or an unavailable store stops the run.
// Re-running over the same source writes nothing new.
func (m *Migrator) Run(ctx context.Context, src Source) (*Report, error) {
	start := m.now()
	rep := &Report{Written: make(map[model.Tier]int), DryRun: m.dryRun}
	defer func() { rep.DurationMS = m.now().Sub(start).Milliseconds() }()

	for {
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		var recErr *RecordError
		if errors.As(err, &recErr) {
			rep.Processed++
			m.fail(rep, recErr)
			continue
		}
		if err != nil {
			return rep, err
		}
		rep.Processed++
		if strings.TrimSpace(rec.Content) == "" {
			m.fail(rep, &RecordError{ID: rec.ID, Err: &model.ValidationError{Field: "content", Reason: "must not be empty"}})
			continue
		}

		tier, ok := m.classify.Classify(rec)
		if !ok {
			rep.Skipped++
			m.metrics.RecordMigration("skipped")
			continue
		}
		if m.dryRun {
			rep.Written[tier]++
			continue
		}

		created, err := m.write(ctx, tier, rec)
		if err != nil {
			if model.IsUnavailable(err) {
				return rep, err
			}
			m.fail(rep, &RecordError{ID: rec.ID, Err: err})
			continue
		}
		if !created {
			rep.Duplicates++
			m.metrics.RecordMigration("duplicate")
			continue
		}
		rep.Written[tier]++
		m.metrics.RecordMigration("written")
	}

	m.obs.Log().Info().
		Int("processed", rep.Processed).
		Int("working", rep.Written[model.TierWorking]).
		Int("episodic", rep.Written[model.TierEpisodic]).
		Int("semantic", rep.Written[model.TierSemantic]).
		Int("skipped", rep.Skipped).
		Int("errors", len(rep.Errors)).
		Msg("migration finished")
	return rep, nil
}

func (m *Migrator) fail(rep *Report, e *RecordError) {
	rep.Errors = append(rep.Errors, e)
	m.metrics.RecordMigration("error")
	m.obs.Log().Warn().Err(e.Err).Str("id", e.ID).Int("line", e.Line).Msg("legacy record skipped")
}

func (m *Migrator) write(ctx context.Context, tier model.Tier, r LegacyRecord) (bool, error) {
	if r.ID == "" {
		r.ID = contentID(r)
	}
	if r.Importance == 0 {
		r.Importance = defaultImportance
	}
	r.Topic = strings.ToLower(strings.TrimSpace(r.Topic))
	if r.Topic == "" {
		r.Topic = "general"
	}
	r.Emotion = strings.ToLower(strings.TrimSpace(r.Emotion))
	if r.Emotion == "" {
		r.Emotion = model.DefaultEmotion
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	r.CreatedAt = r.CreatedAt.UTC()

	switch tier {
	case model.TierWorking:
		return m.writeWorking(ctx, r)
	case model.TierEpisodic:
		return m.writeEpisode(ctx, r)
	default:
		return m.writeSemantic(ctx, r)
	}
}

// writeWorking keeps the legacy creation time, so expiry stays 24h after it.
// The id is derived from the legacy id so a re-run finds the earlier copy.
func (m *Migrator) writeWorking(ctx context.Context, r LegacyRecord) (bool, error) {
	id := legacyULID(r.ID, r.CreatedAt)
	if _, err := m.store.GetByID(ctx, model.TierWorking, id); err == nil {
		return false, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return false, err
	}
	_, err := m.store.AppendWorking(ctx, model.WorkingRecord{
		Base: model.Base{
			ID:         id,
			Content:    r.Content,
			Topic:      r.Topic,
			Emotion:    r.Emotion,
			Importance: r.Importance,
			CreatedAt:  r.CreatedAt,
		},
		SessionID: r.SessionID,
	})
	return err == nil, err
}

func (m *Migrator) writeEpisode(ctx context.Context, r LegacyRecord) (bool, error) {
	participants := r.Participants
	if len(participants) == 0 && r.SessionID != "" {
		participants = []string{r.SessionID}
	}
	_, created, err := m.store.InsertEpisode(ctx, model.EpisodicRecord{
		Base: model.Base{
			Content:    r.Content,
			Topic:      r.Topic,
			Emotion:    r.Emotion,
			Importance: r.Importance,
			CreatedAt:  m.now(),
		},
		Title:         model.EpisodeTitle(r.Topic, r.CreatedAt),
		Summary:       truncate(r.Content, m.cons.SummaryMaxLen),
		Participants:  participants,
		EmotionalTags: []string{r.Emotion},
		HappenedAt:    r.CreatedAt,
		SourceIDs:     []string{ProvenancePrefix + r.ID},
	})
	return created, err
}

func (m *Migrator) writeSemantic(ctx context.Context, r LegacyRecord) (bool, error) {
	kt := model.KnowledgeType(r.Kind)
	if !model.ValidKnowledgeTypes[kt] {
		kt = model.KnowledgeFact
	}
	key := r.Key
	if key == "" {
		key = truncate(strings.ToLower(strings.Join(strings.Fields(r.Content), " ")), maxKeyLen)
	}
	val, err := parseValue(r)
	if err != nil {
		return false, err
	}
	_, outcome, err := m.store.UpsertSemantic(ctx, store.UpsertParams{
		Type:              kt,
		Key:               key,
		Value:             val,
		Content:           r.Content,
		Topic:             r.Topic,
		Emotion:           r.Emotion,
		SourceIDs:         []string{ProvenancePrefix + r.ID},
		InitialConfidence: r.Confidence,
		Boost:             m.cons.ConfidenceBoost,
		Cap:               m.cons.ConfidenceCap,
	})
	if err != nil {
		return false, err
	}
	return outcome != store.UpsertUnchanged, nil
}

// parseValue accepts a JSON string, number or preference object. A missing
// value falls back to the record's content.
func parseValue(r LegacyRecord) (model.KnowledgeValue, error) {
	raw := strings.TrimSpace(string(r.Value))
	if raw == "" || raw == "null" {
		return model.TextValue(r.Content), nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(r.Value, &s); err != nil {
			return model.KnowledgeValue{}, fmt.Errorf("parse value: %w", err)
		}
		return model.TextValue(s), nil
	case '{':
		var p model.Preference
		if err := json.Unmarshal(r.Value, &p); err != nil {
			return model.KnowledgeValue{}, fmt.Errorf("parse value: %w", err)
		}
		v := model.PreferenceValue(p.Subject, p.Sentiment, p.Strength)
		return v, v.Validate()
	default:
		var n float64
		if err := json.Unmarshal(r.Value, &n); err != nil {
			return model.KnowledgeValue{}, &model.ValidationError{Field: "value", Reason: "must be a string, number or preference"}
		}
		return model.NumberValue(n), nil
	}
}

// legacyULID derives a stable ULID from a legacy id. The timestamp part is
// the record's creation time so working ids keep sorting by age.
func legacyULID(legacyID string, t time.Time) string {
	h := fnv.New64a()
	h.Write([]byte(legacyID))
	entropy := rand.New(rand.NewSource(int64(h.Sum64())))
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// contentID names records that arrive without an id.
func contentID(r LegacyRecord) string {
	h := fnv.New64a()
	h.Write([]byte(r.Content))
	h.Write([]byte(r.CreatedAt.UTC().Format(time.RFC3339Nano)))
	return fmt.Sprintf("h%016x", h.Sum64())
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max-1]) + "…"
}
