package consolidate

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

// NightlyStats summarizes one nightly run.
type NightlyStats struct {
	Groups          int                                `json:"groups"`
	EpisodesCreated int                                `json:"episodes_created"`
	EpisodesUpdated int                                `json:"episodes_updated"`
	RecordsPromoted int                                `json:"records_promoted"`
	RecordsPruned   int                                `json:"records_pruned"`
	Failures        []*model.PartialConsolidationError `json:"failures,omitempty"`
	DurationMS      int64                              `json:"duration_ms"`
}

// RunNightly promotes important working records into one episode per
// (day, topic) and then sweeps expired working records. Groups are
// independent: a failing group is recorded in Failures and left in place.
// Expired records are never promoted.
func (e *Engine) RunNightly(ctx context.Context) (*NightlyStats, error) {
	start := e.now()
	stats := &NightlyStats{}
	ctx, span := e.obs.StartSpan(ctx, "consolidate.nightly")
	defer span.End()

	err := e.withLock(ctx, NightlyLock, func(ctx context.Context, l *lease) error {
		return e.nightly(ctx, l, start, stats)
	})
	stats.DurationMS = e.now().Sub(start).Milliseconds()
	e.finish("nightly", start, err)
	if err != nil {
		span.RecordError(err)
		return stats, err
	}

	e.metrics.AddConsolidationItems("nightly", "episodes_created", stats.EpisodesCreated)
	e.metrics.AddConsolidationItems("nightly", "episodes_updated", stats.EpisodesUpdated)
	e.metrics.AddConsolidationItems("nightly", "records_promoted", stats.RecordsPromoted)
	e.metrics.AddConsolidationItems("nightly", "records_pruned", stats.RecordsPruned)
	e.metrics.AddConsolidationItems("nightly", "failures", len(stats.Failures))
	e.obs.Log().Info().
		Int("groups", stats.Groups).
		Int("episodes", stats.EpisodesCreated).
		Int("updated", stats.EpisodesUpdated).
		Int("promoted", stats.RecordsPromoted).
		Int("pruned", stats.RecordsPruned).
		Int("failures", len(stats.Failures)).
		Msg("nightly consolidation finished")
	return stats, nil
}

func (e *Engine) nightly(ctx context.Context, l *lease, now time.Time, stats *NightlyStats) error {
	params := store.PromotionParams{
		MinImportance: e.cfg.MinImportance,
		CreatedBefore: now.Add(-e.cfg.MinAge),
		Now:           now,
	}
	groups, err := e.store.PromotionGroups(ctx, params)
	if err != nil {
		return err
	}
	stats.Groups = len(groups)

	for _, g := range groups {
		if err := l.renew(ctx); err != nil {
			return err
		}
		res, err := e.promoteGroup(ctx, g, params, now)
		if err != nil {
			if !skippable(err) {
				return err
			}
			pe := &model.PartialConsolidationError{Stage: "promote", Key: g.String(), Err: err}
			stats.Failures = append(stats.Failures, pe)
			e.obs.Log().Warn().Err(err).Str("group", g.String()).Msg("promotion failed, group left in working tier")
			continue
		}
		if res.created {
			stats.EpisodesCreated++
		}
		if res.updated {
			stats.EpisodesUpdated++
		}
		stats.RecordsPromoted += res.promoted
	}

	if err := l.renew(ctx); err != nil {
		return err
	}
	pruned, err := e.store.DeleteExpiredWorking(ctx, now)
	if err != nil {
		return err
	}
	stats.RecordsPruned = pruned
	return nil
}

type groupResult struct {
	created  bool
	updated  bool
	promoted int
}

// promoteGroup folds every eligible record of g into one episode, reading
// the group in pages of BatchSize. Records already linked by an interrupted
// earlier run are deleted without being summarized again. If an episode for
// the same day and topic exists, the new records extend it.
func (e *Engine) promoteGroup(ctx context.Context, g store.GroupKey, p store.PromotionParams, now time.Time) (groupResult, error) {
	var res groupResult
	b := newEpisodeBuilder(e.cfg.SummaryMaxLen)
	var ids []string
	page := store.PageParams{Limit: e.cfg.BatchSize}
	for {
		recs, err := e.store.WorkingInGroup(ctx, g, p, page)
		if err != nil {
			return res, err
		}
		if len(recs) == 0 {
			break
		}
		pageIDs := make([]string, len(recs))
		for i, r := range recs {
			pageIDs[i] = r.ID
		}
		linked, err := e.store.EpisodesForWorking(ctx, pageIDs)
		if err != nil {
			return res, err
		}
		for _, r := range recs {
			if _, ok := linked[r.ID]; !ok {
				b.add(r)
			}
		}
		ids = append(ids, pageIDs...)
		if len(recs) < page.Limit {
			break
		}
		page.AfterID = recs[len(recs)-1].ID
	}
	if len(ids) == 0 {
		return res, nil
	}

	if b.size() > 0 {
		ep := b.build()
		ep.CreatedAt = now
		existing, ok, err := e.store.GroupEpisode(ctx, g)
		if err != nil {
			return res, err
		}
		if ok {
			merged := extendEpisode(existing, ep, e.cfg.SummaryMaxLen)
			if res.updated, err = e.store.ExtendEpisode(ctx, merged, ep.SourceIDs); err != nil {
				return res, err
			}
		} else if _, res.created, err = e.store.InsertEpisode(ctx, ep); err != nil {
			return res, err
		}
	}
	if _, err := e.store.DeleteWorking(ctx, ids); err != nil {
		return res, err
	}
	res.promoted = b.size()
	return res, nil
}

// episodeBuilder summarizes the records of one group, which share a topic
// and a UTC day.
type episodeBuilder struct {
	ep       model.EpisodicRecord
	maxLen   int
	contents []string
	vecs     []embedding.Vector
	sessions map[string]bool
	emotions map[string]bool
	counts   map[string]int
}

func newEpisodeBuilder(maxLen int) *episodeBuilder {
	return &episodeBuilder{
		maxLen:   maxLen,
		sessions: make(map[string]bool),
		emotions: make(map[string]bool),
		counts:   make(map[string]int),
	}
}

func (b *episodeBuilder) size() int { return len(b.ep.SourceIDs) }

func (b *episodeBuilder) add(r model.WorkingRecord) {
	if b.size() == 0 {
		b.ep.Topic = r.Topic
		b.ep.Importance = r.Importance
		b.ep.HappenedAt = r.CreatedAt
	}
	b.contents = append(b.contents, r.Content)
	b.vecs = append(b.vecs, r.Embedding)
	b.ep.SourceIDs = append(b.ep.SourceIDs, r.ID)
	if r.Importance > b.ep.Importance {
		b.ep.Importance = r.Importance
	}
	if r.CreatedAt.Before(b.ep.HappenedAt) {
		b.ep.HappenedAt = r.CreatedAt
	}
	if r.SessionID != "" && !b.sessions[r.SessionID] {
		b.sessions[r.SessionID] = true
		b.ep.Participants = append(b.ep.Participants, r.SessionID)
	}
	emo := r.Emotion
	if emo == "" {
		emo = model.DefaultEmotion
	}
	if !b.emotions[emo] {
		b.emotions[emo] = true
		b.ep.EmotionalTags = append(b.ep.EmotionalTags, emo)
	}
	b.counts[emo]++
}

func (b *episodeBuilder) build() model.EpisodicRecord {
	ep := b.ep
	ep.Emotion = ""
	// Ties go to the emotion seen first.
	for _, emo := range ep.EmotionalTags {
		if b.counts[emo] > b.counts[ep.Emotion] {
			ep.Emotion = emo
		}
	}
	ep.Title = model.EpisodeTitle(ep.Topic, ep.HappenedAt)
	ep.Content = strings.Join(b.contents, " / ")
	ep.Summary = truncateRunes(ep.Content, b.maxLen)
	ep.Embedding = embedding.Mean(b.vecs)
	return ep
}

// buildEpisode summarizes recs, which share a topic and a UTC day and are
// ordered oldest first.
func buildEpisode(recs []model.WorkingRecord, maxLen int) model.EpisodicRecord {
	b := newEpisodeBuilder(maxLen)
	for _, r := range recs {
		b.add(r)
	}
	return b.build()
}

// extendEpisode folds add, built from later records of the same group, into
// existing. The existing dominant emotion is kept.
func extendEpisode(existing *model.EpisodicRecord, add model.EpisodicRecord, maxLen int) model.EpisodicRecord {
	ep := *existing
	if add.Importance > ep.Importance {
		ep.Importance = add.Importance
	}
	if add.HappenedAt.Before(ep.HappenedAt) {
		ep.HappenedAt = add.HappenedAt
	}
	ep.Participants = appendNew(append([]string(nil), ep.Participants...), add.Participants...)
	ep.EmotionalTags = appendNew(append([]string(nil), ep.EmotionalTags...), add.EmotionalTags...)
	if ep.Emotion == "" {
		ep.Emotion = add.Emotion
	}
	ep.Title = model.EpisodeTitle(ep.Topic, ep.HappenedAt)
	ep.Content = existing.Content + " / " + add.Content
	ep.Summary = truncateRunes(ep.Content, maxLen)
	ep.Embedding = weightedMean(existing.Embedding, len(existing.SourceIDs), add.Embedding, len(add.SourceIDs))
	ep.SourceIDs = append(append([]string(nil), existing.SourceIDs...), add.SourceIDs...)
	return ep
}

func appendNew(dst []string, src ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range src {
		if s != "" && !seen[s] {
			seen[s] = true
			dst = append(dst, s)
		}
	}
	return dst
}

// weightedMean averages two embeddings by the number of records behind each.
// On a dimension mismatch the existing vector wins.
func weightedMean(a embedding.Vector, wa int, b embedding.Vector, wb int) embedding.Vector {
	switch {
	case len(b) == 0:
		return a
	case len(a) == 0:
		return b
	case len(a) != len(b):
		return a
	}
	if wa < 1 {
		wa = 1
	}
	if wb < 1 {
		wb = 1
	}
	out := make(embedding.Vector, len(a))
	for i := range a {
		out[i] = (a[i]*float32(wa) + b[i]*float32(wb)) / float32(wa+wb)
	}
	return out
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
