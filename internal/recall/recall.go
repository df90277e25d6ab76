// Package recall answers cross-tier queries with a single ranked list.
package recall

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/observe"
	"github.com/rcliao/tiered-memory/internal/store"
)

// Searcher is the read side of the store.
type Searcher interface {
	Query(ctx context.Context, tier model.Tier, f model.Filter) ([]store.Hit, error)
}

// Query is one recall request. Zero values mean "no constraint".
type Query struct {
	Text            string     `json:"text,omitempty" validate:"max=2000"`
	Since           *time.Time `json:"since,omitempty"`
	Until           *time.Time `json:"until,omitempty"`
	Emotion         string     `json:"emotion,omitempty" validate:"max=32"`
	MinImportance   int        `json:"min_importance,omitempty" validate:"min=0,max=10"`
	IncludeArchived bool       `json:"include_archived,omitempty"`
	Limit           int        `json:"limit,omitempty" validate:"min=0,max=100"`

	// Budget packs the result into roughly this many tokens when positive.
	Budget int `json:"budget,omitempty" validate:"min=0,max=100000"`
}

var validate = validator.New()

// Validate checks q and returns a *model.InvalidQueryError on failure.
func (q Query) Validate() error {
	if err := validate.Struct(q); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &model.InvalidQueryError{Cause: &model.ValidationError{
				Field:  strings.ToLower(fe.Field()),
				Reason: "failed '" + fe.Tag() + "' constraint",
			}}
		}
		return &model.InvalidQueryError{Cause: &model.ValidationError{Reason: err.Error()}}
	}
	if q.Since != nil && q.Until != nil && q.Since.After(*q.Until) {
		return &model.InvalidQueryError{Cause: &model.ValidationError{
			Field:  "since",
			Reason: "must not be after until",
		}}
	}
	return nil
}

// Item is one ranked record.
type Item struct {
	Tier      model.Tier   `json:"tier"`
	Record    model.Record `json:"record"`
	Score     float64      `json:"score"`
	Relevance float64      `json:"relevance"`
	Excerpt   bool         `json:"excerpt,omitempty"`
}

// Result is the merged answer. Partial is set when at least one tier could
// not be read; TierErrors says which.
type Result struct {
	Items      []Item                `json:"items"`
	Counts     map[model.Tier]int    `json:"counts"`
	Partial    bool                  `json:"partial,omitempty"`
	TierErrors map[model.Tier]string `json:"tier_errors,omitempty"`
	Budget     int                   `json:"budget,omitempty"`
	Used       int                   `json:"used,omitempty"`
	Took       time.Duration         `json:"took"`
}

// Service ranks records across the three tiers.
type Service struct {
	store    Searcher
	cfg      config.RecallConfig
	embedder embedding.Embedder
	now      func() time.Time
	obs      *observe.Observer
	metrics  *metrics.Manager
}

// Option configures a Service.
type Option func(*Service)

// WithEmbedder embeds query text so tiers can be matched by vector too.
func WithEmbedder(e embedding.Embedder) Option {
	return func(s *Service) { s.embedder = e }
}

// WithClock overrides the service's notion of now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithObserver sets the logger and tracer.
func WithObserver(o *observe.Observer) Option {
	return func(s *Service) { s.obs = o }
}

// WithMetrics sets the metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service.
func NewService(st Searcher, cfg config.RecallConfig, opts ...Option) *Service {
	s := &Service{
		store:   st,
		cfg:     cfg,
		now:     time.Now,
		obs:     observe.Discard(),
		metrics: metrics.NoOpManager(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type tierResult struct {
	hits []store.Hit
	err  error
}

// Recall queries every tier concurrently and merges the hits by score.
// A failing tier makes the result partial; only when every tier fails is
// the first error returned.
func (s *Service) Recall(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	if err := q.Validate(); err != nil {
		s.metrics.RecordRecall("invalid", time.Since(start), nil)
		return nil, err
	}
	ctx, span := s.obs.StartSpan(ctx, "recall")
	defer span.End()

	limit := q.Limit
	if limit == 0 {
		limit = s.cfg.DefaultLimit
	}
	overfetch := s.cfg.Overfetch
	if overfetch < 1 {
		overfetch = 1
	}

	filter := model.Filter{
		Text:            q.Text,
		Since:           q.Since,
		Until:           q.Until,
		Emotion:         strings.ToLower(strings.TrimSpace(q.Emotion)),
		MinImportance:   q.MinImportance,
		IncludeArchived: q.IncludeArchived,
		Limit:           limit * overfetch,
	}
	if s.embedder != nil && strings.TrimSpace(q.Text) != "" {
		vec, err := s.embedder.Embed(ctx, q.Text)
		if err != nil {
			s.obs.Log().Warn().Err(err).Msg("query embedding failed, using text match only")
		} else {
			filter.Embedding = vec
		}
	}

	results := make([]tierResult, len(model.Tiers))
	var g errgroup.Group
	for i, tier := range model.Tiers {
		g.Go(func() error {
			hits, err := s.store.Query(ctx, tier, filter)
			results[i] = tierResult{hits: hits, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Counts: make(map[model.Tier]int), Items: []Item{}}
	now := s.now()
	var firstErr error
	for i, tier := range model.Tiers {
		tr := results[i]
		if tr.err != nil {
			if firstErr == nil {
				firstErr = tr.err
			}
			if res.TierErrors == nil {
				res.TierErrors = make(map[model.Tier]string)
			}
			res.TierErrors[tier] = tr.err.Error()
			s.obs.Log().Warn().Err(tr.err).Str("tier", string(tier)).Msg("tier query failed")
			continue
		}
		for _, h := range tr.hits {
			res.Items = append(res.Items, Item{
				Tier:      tier,
				Record:    h.Record,
				Relevance: h.Relevance,
				Score:     s.score(tier, h, now),
			})
		}
	}
	if len(res.TierErrors) == len(model.Tiers) {
		span.RecordError(firstErr)
		s.metrics.RecordRecall("error", time.Since(start), nil)
		return nil, firstErr
	}
	res.Partial = len(res.TierErrors) > 0

	sort.SliceStable(res.Items, func(i, j int) bool {
		a, b := res.Items[i], res.Items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Record.GetBase().ID < b.Record.GetBase().ID
	})
	if len(res.Items) > limit {
		res.Items = res.Items[:limit]
	}
	if q.Budget > 0 {
		pack(res, q.Budget)
	}

	counts := make(map[string]int, len(model.Tiers))
	for _, it := range res.Items {
		res.Counts[it.Tier]++
		counts[string(it.Tier)]++
	}
	res.Took = time.Since(start)

	outcome := "ok"
	if res.Partial {
		outcome = "partial"
	}
	s.metrics.RecordRecall(outcome, res.Took, counts)
	s.obs.Log().Debug().Int("items", len(res.Items)).Str("outcome", outcome).Msg("recall")
	return res, nil
}

// score combines tier weight, relevance and a tier-specific strength:
// importance with exponential recency decay for working and episodic
// records, confidence squared for semantic ones.
func (s *Service) score(tier model.Tier, h store.Hit, now time.Time) float64 {
	switch r := h.Record.(type) {
	case *model.WorkingRecord:
		return s.cfg.WorkingWeight * h.Relevance * float64(r.Importance) / 10 *
			decay(now.Sub(r.CreatedAt), s.cfg.WorkingHalfLife)
	case *model.EpisodicRecord:
		return s.cfg.EpisodicWeight * h.Relevance * float64(r.Importance) / 10 *
			decay(now.Sub(r.HappenedAt), s.cfg.EpisodicHalfLife)
	case *model.SemanticRecord:
		return s.cfg.SemanticWeight * h.Relevance * r.Confidence * r.Confidence
	}
	return 0
}

// decay halves every halfLife. Future timestamps count as age zero.
func decay(age, halfLife time.Duration) float64 {
	if age <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * age.Hours() / halfLife.Hours())
}
