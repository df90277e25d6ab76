package consolidate

import (
	"context"
	"sort"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

// WeeklyStats summarizes one weekly run.
type WeeklyStats struct {
	EpisodesScanned   int                                `json:"episodes_scanned"`
	Candidates        int                                `json:"candidates"`
	PatternsCreated   int                                `json:"patterns_created"`
	PatternsUpdated   int                                `json:"patterns_updated"`
	PatternsUnchanged int                                `json:"patterns_unchanged"`
	EpisodesArchived  int                                `json:"episodes_archived"`
	Failures          []*model.PartialConsolidationError `json:"failures,omitempty"`
	DurationMS        int64                              `json:"duration_ms"`
}

// pattern is a recurring (topic, emotion) pair across recent episodes.
type pattern struct {
	topic    string
	emotion  string
	episodes []string
	strength float64
}

func (p pattern) key() string { return p.topic + "|" + p.emotion }

// RunWeekly extracts recurring (topic, emotion) patterns from the last
// window of episodes into semantic memory, then archives old episodes of
// low importance.
func (e *Engine) RunWeekly(ctx context.Context) (*WeeklyStats, error) {
	start := e.now()
	stats := &WeeklyStats{}
	ctx, span := e.obs.StartSpan(ctx, "consolidate.weekly")
	defer span.End()

	err := e.withLock(ctx, WeeklyLock, func(ctx context.Context, l *lease) error {
		return e.weekly(ctx, l, start, stats)
	})
	stats.DurationMS = e.now().Sub(start).Milliseconds()
	e.finish("weekly", start, err)
	if err != nil {
		span.RecordError(err)
		return stats, err
	}

	e.metrics.AddConsolidationItems("weekly", "patterns_created", stats.PatternsCreated)
	e.metrics.AddConsolidationItems("weekly", "patterns_updated", stats.PatternsUpdated)
	e.metrics.AddConsolidationItems("weekly", "episodes_archived", stats.EpisodesArchived)
	e.metrics.AddConsolidationItems("weekly", "failures", len(stats.Failures))
	e.obs.Log().Info().
		Int("scanned", stats.EpisodesScanned).
		Int("created", stats.PatternsCreated).
		Int("updated", stats.PatternsUpdated).
		Int("archived", stats.EpisodesArchived).
		Int("failures", len(stats.Failures)).
		Msg("weekly consolidation finished")
	return stats, nil
}

func (e *Engine) weekly(ctx context.Context, l *lease, now time.Time, stats *WeeklyStats) error {
	patterns, scanned, err := e.findPatterns(ctx, now.Add(-e.cfg.Window))
	if err != nil {
		return err
	}
	stats.EpisodesScanned = scanned
	stats.Candidates = len(patterns)

	for _, p := range patterns {
		if err := l.renew(ctx); err != nil {
			return err
		}
		f := len(p.episodes)
		_, outcome, err := e.store.UpsertSemantic(ctx, store.UpsertParams{
			Type:              model.KnowledgePattern,
			Key:               p.key(),
			Value:             model.PreferenceValue(p.topic, p.emotion, p.strength),
			Topic:             p.topic,
			Emotion:           p.emotion,
			SourceIDs:         p.episodes,
			InitialConfidence: model.InitialConfidence(f, e.cfg.InitialConfidenceK, e.cfg.ConfidenceCap),
			Boost:             e.cfg.ConfidenceBoost,
			Cap:               e.cfg.ConfidenceCap,
		})
		if err != nil {
			if !skippable(err) {
				return err
			}
			stats.Failures = append(stats.Failures,
				&model.PartialConsolidationError{Stage: "pattern", Key: p.key(), Err: err})
			e.obs.Log().Warn().Err(err).Str("pattern", p.key()).Msg("pattern upsert failed")
			continue
		}
		switch outcome {
		case store.UpsertCreated:
			stats.PatternsCreated++
		case store.UpsertUpdated:
			stats.PatternsUpdated++
		default:
			stats.PatternsUnchanged++
		}
	}

	cutoff := now.AddDate(0, 0, -e.cfg.RetentionDays)
	for {
		if err := l.renew(ctx); err != nil {
			return err
		}
		n, err := e.store.ArchiveEpisodes(ctx, cutoff, e.cfg.ArchiveImportanceFloor, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		stats.EpisodesArchived += n
		if n < e.cfg.BatchSize {
			return nil
		}
	}
}

// findPatterns counts each episode once per distinct emotion tag and keeps
// the pairs seen at least MinPatternFrequency times, ordered by key.
func (e *Engine) findPatterns(ctx context.Context, since time.Time) ([]pattern, int, error) {
	byKey := make(map[string]*pattern)
	topicTotals := make(map[string]int)
	scanned := 0
	page := store.PageParams{Limit: e.cfg.BatchSize}

	for {
		eps, err := e.store.EpisodesCreatedSince(ctx, since, page)
		if err != nil {
			return nil, scanned, err
		}
		for _, ep := range eps {
			scanned++
			for _, emo := range episodeEmotions(ep) {
				p := byKey[ep.Topic+"|"+emo]
				if p == nil {
					p = &pattern{topic: ep.Topic, emotion: emo}
					byKey[p.key()] = p
				}
				p.episodes = append(p.episodes, ep.ID)
				topicTotals[ep.Topic]++
			}
		}
		if len(eps) < page.Limit {
			break
		}
		page.AfterID = eps[len(eps)-1].ID
	}

	var out []pattern
	for _, p := range byKey {
		if len(p.episodes) < e.cfg.MinPatternFrequency {
			continue
		}
		p.strength = float64(len(p.episodes)) / float64(topicTotals[p.topic])
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out, scanned, nil
}

func episodeEmotions(ep model.EpisodicRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range ep.EmotionalTags {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		emo := ep.Emotion
		if emo == "" {
			emo = model.DefaultEmotion
		}
		out = append(out, emo)
	}
	return out
}
