package consolidate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time         { return c.t }
func (c *clock) set(t time.Time)        { c.t = t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func day(d, h int) time.Time {
	return time.Date(2025, 3, d, h, 0, 0, 0, time.UTC)
}

func setup(t *testing.T) (*store.SQLiteStore, *clock, config.ConsolidationConfig) {
	t.Helper()
	clk := &clock{t: day(10, 8)}
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "consolidate.db"), store.WithClock(clk.now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk, config.DefaultConfig().Consolidation
}

func remember(t *testing.T, s store.Store, content, topic, emotion, session string, importance int, at time.Time) string {
	t.Helper()
	id, err := s.AppendWorking(context.Background(), model.WorkingRecord{
		Base:      model.Base{Content: content, Topic: topic, Emotion: emotion, Importance: importance, CreatedAt: at},
		SessionID: session,
	})
	require.NoError(t, err)
	return id
}

func liveWorking(t *testing.T, s store.Store) []store.Hit {
	t.Helper()
	hits, err := s.Query(context.Background(), model.TierWorking, model.Filter{Limit: 100})
	require.NoError(t, err)
	return hits
}

func episodes(t *testing.T, s store.Store, topic string) []*model.EpisodicRecord {
	t.Helper()
	ctx := context.Background()
	hits, err := s.Query(ctx, model.TierEpisodic, model.Filter{Limit: 100, IncludeArchived: true})
	require.NoError(t, err)
	var out []*model.EpisodicRecord
	for _, h := range hits {
		if h.Record.GetBase().Topic != topic {
			continue
		}
		rec, err := s.GetByID(ctx, model.TierEpisodic, h.Record.GetBase().ID)
		require.NoError(t, err)
		out = append(out, rec.(*model.EpisodicRecord))
	}
	return out
}

func findPattern(t *testing.T, s store.Store, key string) *model.SemanticRecord {
	t.Helper()
	hits, err := s.Query(context.Background(), model.TierSemantic, model.Filter{Limit: 100})
	require.NoError(t, err)
	for _, h := range hits {
		if r := h.Record.(*model.SemanticRecord); r.Key == key {
			return r
		}
	}
	return nil
}

func TestRunNightly_PromotesGroups(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)

	a := remember(t, s, "morning coffee with oat milk", "coffee", "joy", "s1", 8, day(10, 9))
	b := remember(t, s, "second cup at the office", "coffee", "calm", "s2", 7, day(10, 10))
	remember(t, s, "decaf in the evening", "coffee", "neutral", "s1", 6, day(10, 11))
	remember(t, s, "filed the quarterly taxes", "taxes", "stress", "s1", 9, day(10, 10))

	clk.set(day(10, 23))
	e := New(s, cfg, WithClock(clk.now))
	stats, err := e.RunNightly(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Groups)
	assert.Equal(t, 2, stats.EpisodesCreated)
	assert.Equal(t, 3, stats.RecordsPromoted)
	assert.Empty(t, stats.Failures)

	eps := episodes(t, s, "coffee")
	require.Len(t, eps, 1)
	ep := eps[0]
	assert.Equal(t, "coffee — 2025-03-10", ep.Title)
	assert.Equal(t, "morning coffee with oat milk / second cup at the office", ep.Summary)
	assert.Equal(t, 8, ep.Importance)
	assert.True(t, ep.HappenedAt.Equal(day(10, 9)))
	assert.Equal(t, []string{"s1", "s2"}, ep.Participants)
	assert.Equal(t, []string{"joy", "calm"}, ep.EmotionalTags)
	assert.Equal(t, "joy", ep.Emotion, "ties go to the first emotion seen")
	assert.ElementsMatch(t, []string{a, b}, ep.SourceIDs)

	// The importance-6 record stays behind.
	left := liveWorking(t, s)
	require.Len(t, left, 1)
	assert.Equal(t, 6, left[0].Record.GetBase().Importance)
}

func TestRunNightly_EligibilityBoundaries(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)
	clk.set(day(10, 20))

	remember(t, s, "exactly an hour old", "walk", "joy", "", 7, day(10, 19))
	remember(t, s, "too fresh", "walk", "joy", "", 9, day(10, 19).Add(30*time.Minute))
	remember(t, s, "not important enough", "walk", "joy", "", 6, day(10, 12))

	stats, err := New(s, cfg, WithClock(clk.now)).RunNightly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordsPromoted)

	eps := episodes(t, s, "walk")
	require.Len(t, eps, 1)
	assert.Equal(t, "exactly an hour old", eps[0].Content)
	assert.Len(t, liveWorking(t, s), 2)
}

func TestRunNightly_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)

	remember(t, s, "ran 5k", "running", "proud", "", 8, day(10, 7))
	remember(t, s, "ran 5k again", "running", "proud", "", 8, day(10, 17))

	clk.set(day(10, 23))
	e := New(s, cfg, WithClock(clk.now))
	first, err := e.RunNightly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.EpisodesCreated)

	second, err := e.RunNightly(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.EpisodesCreated)
	assert.Zero(t, second.RecordsPromoted)
	assert.Len(t, episodes(t, s, "running"), 1)
}

func TestRunNightly_ResumesInterruptedRun(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)

	first := remember(t, s, "dinner with mom", "family", "love", "", 9, day(10, 18))
	// An earlier run inserted this episode but died before deleting its source.
	_, created, err := s.InsertEpisode(ctx, model.EpisodicRecord{
		Base:      model.Base{Content: "dinner with mom", Topic: "family", Importance: 9, CreatedAt: day(10, 21)},
		SourceIDs: []string{first},
	})
	require.NoError(t, err)
	require.True(t, created)
	second := remember(t, s, "called grandpa", "family", "love", "", 8, day(10, 19))

	clk.set(day(10, 23))
	stats, err := New(s, cfg, WithClock(clk.now)).RunNightly(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.EpisodesCreated)
	assert.Equal(t, 1, stats.EpisodesUpdated)
	assert.Equal(t, 1, stats.RecordsPromoted)
	assert.Empty(t, liveWorking(t, s))

	// The unlinked record joins the episode already holding its day and topic.
	eps := episodes(t, s, "family")
	require.Len(t, eps, 1)
	assert.ElementsMatch(t, []string{first, second}, eps[0].SourceIDs)
	assert.Equal(t, "dinner with mom / called grandpa", eps[0].Content)
}

func TestRunNightly_GroupLargerThanBatch(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)
	cfg.BatchSize = 2

	var ids []string
	for i, content := range []string{"green tea", "oolong", "chai"} {
		ids = append(ids, remember(t, s, content, "tea", "calm", "", 8, day(10, 9+i)))
	}

	clk.set(day(10, 23))
	e := New(s, cfg, WithClock(clk.now))
	first, err := e.RunNightly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.EpisodesCreated)
	assert.Equal(t, 3, first.RecordsPromoted)

	second, err := e.RunNightly(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.EpisodesCreated)
	assert.Zero(t, second.RecordsPromoted)

	eps := episodes(t, s, "tea")
	require.Len(t, eps, 1)
	assert.ElementsMatch(t, ids, eps[0].SourceIDs)
	assert.Equal(t, "green tea / oolong / chai", eps[0].Content)
	assert.Empty(t, liveWorking(t, s))
}

func TestRunNightly_LaterRecordsExtendEpisode(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)
	e := New(s, cfg, WithClock(clk.now))

	a := remember(t, s, "espresso before work", "coffee", "joy", "s1", 8, day(10, 9))
	clk.set(day(10, 12))
	stats, err := e.RunNightly(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.EpisodesCreated)

	b := remember(t, s, "cortado after dinner", "coffee", "calm", "s2", 9, day(10, 20))
	clk.set(day(10, 23))
	stats, err = e.RunNightly(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.EpisodesCreated)
	assert.Equal(t, 1, stats.EpisodesUpdated)
	assert.Equal(t, 1, stats.RecordsPromoted)

	eps := episodes(t, s, "coffee")
	require.Len(t, eps, 1)
	ep := eps[0]
	assert.ElementsMatch(t, []string{a, b}, ep.SourceIDs)
	assert.Equal(t, "espresso before work / cortado after dinner", ep.Content)
	assert.Equal(t, 9, ep.Importance)
	assert.Equal(t, []string{"s1", "s2"}, ep.Participants)
	assert.Equal(t, []string{"joy", "calm"}, ep.EmotionalTags)
	assert.Equal(t, "joy", ep.Emotion)
	assert.True(t, ep.HappenedAt.Equal(day(10, 9)))
	assert.Equal(t, "coffee — 2025-03-10", ep.Title)
}

func TestExtendEpisode_WeightsEmbeddings(t *testing.T) {
	existing := &model.EpisodicRecord{
		Base:       model.Base{ID: "ep", Topic: "t", Importance: 7, Content: "one", Embedding: []float32{1, 1}},
		HappenedAt: day(10, 9),
		SourceIDs:  []string{"w1"},
	}
	add := buildEpisode([]model.WorkingRecord{
		{Base: model.Base{ID: "w2", Content: "two", Topic: "t", Importance: 7, CreatedAt: day(10, 8),
			Embedding: []float32{4, 4}}},
		{Base: model.Base{ID: "w3", Content: "three", Topic: "t", Importance: 7, CreatedAt: day(10, 10),
			Embedding: []float32{4, 4}}},
	}, 0)

	ep := extendEpisode(existing, add, 9)
	assert.Equal(t, []float32{3, 3}, ep.Embedding)
	assert.Equal(t, "one / two / three", ep.Content)
	assert.Equal(t, "one / tw…", ep.Summary)
	assert.True(t, ep.HappenedAt.Equal(day(10, 8)))
	assert.Equal(t, []string{"w1", "w2", "w3"}, ep.SourceIDs)
	assert.Equal(t, []string{"w1"}, existing.SourceIDs, "existing record is not modified")
}

func TestRunNightly_ExpiredRecordsSweptNotPromoted(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)

	remember(t, s, "late night thought", "insomnia", "anxious", "", 9, day(9, 1))

	stats, err := New(s, cfg, WithClock(clk.now)).RunNightly(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Groups)
	assert.Zero(t, stats.EpisodesCreated)
	assert.Zero(t, stats.RecordsPromoted)
	assert.Equal(t, 1, stats.RecordsPruned)
	assert.Empty(t, episodes(t, s, "insomnia"))
	assert.Empty(t, liveWorking(t, s))
}

func TestRunNightly_SweepsExpired(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)

	remember(t, s, "saw a cat", "misc", "", "", 3, day(10, 9))
	remember(t, s, "saw a dog", "misc", "", "", 3, day(11, 9))

	clk.set(day(11, 10))
	stats, err := New(s, cfg, WithClock(clk.now)).RunNightly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordsPruned)
	assert.Len(t, liveWorking(t, s), 1)
}

func TestRunNightly_SummaryTruncated(t *testing.T) {
	recs := []model.WorkingRecord{
		{Base: model.Base{ID: "1", Content: "héllo wörld", Topic: "t", Importance: 7, CreatedAt: day(10, 9)}},
		{Base: model.Base{ID: "2", Content: "again and again", Topic: "t", Importance: 8, CreatedAt: day(10, 8),
			Embedding: []float32{1, 3}}},
		{Base: model.Base{ID: "3", Content: "x", Topic: "t", Emotion: "joy", Importance: 7, CreatedAt: day(10, 10),
			Embedding: []float32{3, 1}}},
	}
	ep := buildEpisode(recs, 16)
	assert.Equal(t, 16, utf8.RuneCountInString(ep.Summary))
	assert.Equal(t, "héllo wörld / a…", ep.Summary)
	assert.Equal(t, "héllo wörld / again and again / x", ep.Content)
	assert.True(t, ep.HappenedAt.Equal(day(10, 8)))
	assert.Equal(t, 8, ep.Importance)
	assert.Equal(t, []string{"neutral", "joy"}, ep.EmotionalTags)
	assert.Equal(t, "neutral", ep.Emotion)
	assert.Equal(t, []float32{2, 2}, ep.Embedding)
}

func TestRunNightly_AlreadyRunning(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)

	ok, err := s.TryLock(ctx, NightlyLock, "someone-else", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	e := New(s, cfg, WithClock(clk.now))
	_, err = e.RunNightly(ctx)
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)

	// Weekly has its own lock.
	_, err = e.RunWeekly(ctx)
	assert.NoError(t, err)

	// A stale lock is taken over.
	clk.advance(2 * time.Hour)
	_, err = e.RunNightly(ctx)
	assert.NoError(t, err)
}

func TestRunNightly_ReleasesLock(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)

	_, err := New(s, cfg, WithClock(clk.now)).RunNightly(ctx)
	require.NoError(t, err)

	ok, err := s.TryLock(ctx, NightlyLock, "next", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

// faultyStore fails selected operations on top of a real store.
type faultyStore struct {
	*store.SQLiteStore
	failTopic   string
	failPattern string
	failWith    error
}

func (f *faultyStore) InsertEpisode(ctx context.Context, ep model.EpisodicRecord) (string, bool, error) {
	if ep.Topic == f.failTopic {
		return "", false, f.failWith
	}
	return f.SQLiteStore.InsertEpisode(ctx, ep)
}

func (f *faultyStore) UpsertSemantic(ctx context.Context, p store.UpsertParams) (*model.SemanticRecord, store.UpsertOutcome, error) {
	if p.Key == f.failPattern {
		return nil, store.UpsertUnchanged, f.failWith
	}
	return f.SQLiteStore.UpsertSemantic(ctx, p)
}

// slowStore advances the clock by step after every group's delete, as if the
// group took that long, and lets a rival try to take the nightly lock.
type slowStore struct {
	*store.SQLiteStore
	clk      *clock
	step     time.Duration
	rivalGot []bool
}

func (s *slowStore) DeleteWorking(ctx context.Context, ids []string) (int, error) {
	n, err := s.SQLiteStore.DeleteWorking(ctx, ids)
	s.clk.advance(s.step)
	ok, lerr := s.SQLiteStore.TryLock(ctx, NightlyLock, "rival", time.Hour)
	if lerr != nil {
		return n, lerr
	}
	s.rivalGot = append(s.rivalGot, ok)
	return n, err
}

func TestRunNightly_RenewsLockBetweenGroups(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)
	cfg.LockTTL = time.Hour
	ss := &slowStore{SQLiteStore: s, clk: clk, step: 45 * time.Minute}

	for _, topic := range []string{"a", "b", "c"} {
		remember(t, s, "note on "+topic, topic, "", "", 8, day(10, 9))
	}

	clk.set(day(10, 12))
	stats, err := New(ss, cfg, WithClock(clk.now)).RunNightly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.EpisodesCreated)
	assert.Equal(t, []bool{false, false, false}, ss.rivalGot,
		"a run longer than the lock TTL must keep its lock")
}

func TestRunNightly_AbortsWhenLockLost(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)
	cfg.LockTTL = time.Hour
	ss := &slowStore{SQLiteStore: s, clk: clk, step: 2 * time.Hour}

	for _, topic := range []string{"a", "b", "c"} {
		remember(t, s, "note on "+topic, topic, "", "", 8, day(10, 9))
	}

	clk.set(day(10, 12))
	stats, err := New(ss, cfg, WithClock(clk.now)).RunNightly(ctx)
	require.ErrorIs(t, err, model.ErrLockLost)
	assert.Equal(t, 1, stats.EpisodesCreated)
	assert.Equal(t, []bool{true}, ss.rivalGot)
	assert.Len(t, liveWorking(t, s), 2, "groups after the takeover stay in the working tier")

	// The rival keeps the lock; the aborted run must not release it.
	ok, err := s.TryLock(ctx, NightlyLock, "third", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunNightly_PartialFailure(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)
	fs := &faultyStore{SQLiteStore: s, failTopic: "bad", failWith: errors.New("boom")}

	remember(t, s, "broken", "bad", "", "", 8, day(10, 9))
	remember(t, s, "fine", "good", "", "", 8, day(10, 9))

	clk.set(day(10, 12))
	stats, err := New(fs, cfg, WithClock(clk.now)).RunNightly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EpisodesCreated)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, "2025-03-10/bad", stats.Failures[0].Key)

	left := liveWorking(t, s)
	require.Len(t, left, 1)
	assert.Equal(t, "bad", left[0].Record.GetBase().Topic)
}

func TestRunNightly_AbortsWhenStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)
	fs := &faultyStore{SQLiteStore: s, failTopic: "a",
		failWith: &model.StoreUnavailableError{Op: "insert episode", Err: errors.New("disk gone")}}

	remember(t, s, "one", "a", "", "", 8, day(10, 9))
	remember(t, s, "two", "b", "", "", 8, day(10, 9))

	clk.set(day(10, 12))
	stats, err := New(fs, cfg, WithClock(clk.now)).RunNightly(ctx)
	require.Error(t, err)
	assert.True(t, model.IsUnavailable(err))
	assert.Zero(t, stats.EpisodesCreated)
	assert.Len(t, liveWorking(t, s), 2)
}

func TestRoundTrip_CoffeeJoyPattern(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)
	e := New(s, cfg, WithClock(clk.now))

	for _, d := range []int{10, 11} {
		remember(t, s, "coffee on the porch", "coffee", "joy", "", 8, day(d, 9))
		clk.set(day(d, 23))
		_, err := e.RunNightly(ctx)
		require.NoError(t, err)
	}

	clk.set(day(12, 12))
	stats, err := e.RunWeekly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EpisodesScanned)
	assert.Equal(t, 1, stats.PatternsCreated)

	p := findPattern(t, s, "coffee|joy")
	require.NotNil(t, p)
	assert.Equal(t, model.KnowledgePattern, p.KnowledgeType)
	assert.Equal(t, 2, p.EvidenceCount)
	assert.InDelta(t, 0.4, p.Confidence, 1e-9)
	require.NotNil(t, p.Value.Preference)
	assert.Equal(t, "coffee", p.Value.Preference.Subject)
	assert.Equal(t, "joy", p.Value.Preference.Sentiment)
	assert.InDelta(t, 1.0, p.Value.Preference.Strength, 1e-9)

	// Same evidence again changes nothing.
	stats, err = e.RunWeekly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PatternsUnchanged)
	assert.InDelta(t, 0.4, findPattern(t, s, "coffee|joy").Confidence, 1e-9)

	// A third day adds one new piece of evidence.
	remember(t, s, "coffee on the porch", "coffee", "joy", "", 8, day(12, 9))
	clk.set(day(12, 23))
	_, err = e.RunNightly(ctx)
	require.NoError(t, err)
	clk.set(day(13, 12))
	stats, err = e.RunWeekly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PatternsUpdated)

	p = findPattern(t, s, "coffee|joy")
	assert.Equal(t, 3, p.EvidenceCount)
	assert.InDelta(t, 0.46, p.Confidence, 1e-9)
}

func TestRunWeekly_BelowFrequencyIgnored(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)

	_, _, err := s.InsertEpisode(ctx, model.EpisodicRecord{
		Base:          model.Base{Content: "once", Topic: "skiing", Importance: 8, CreatedAt: clk.now()},
		EmotionalTags: []string{"fear", "joy"},
	})
	require.NoError(t, err)

	stats, err := New(s, cfg, WithClock(clk.now)).RunWeekly(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Candidates)
	assert.Nil(t, findPattern(t, s, "skiing|joy"))
}

func TestRunWeekly_ConfidenceStaysBounded(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)
	e := New(s, cfg, WithClock(clk.now))

	last := 0.0
	for round := 0; round < 30; round++ {
		for i := 0; i < 3; i++ {
			_, _, err := s.InsertEpisode(ctx, model.EpisodicRecord{
				Base:          model.Base{Content: "long run", Topic: "running", Emotion: "joy", Importance: 8, CreatedAt: clk.now()},
				EmotionalTags: []string{"joy"},
			})
			require.NoError(t, err)
		}
		_, err := e.RunWeekly(ctx)
		require.NoError(t, err)

		p := findPattern(t, s, "running|joy")
		require.NotNil(t, p)
		assert.GreaterOrEqual(t, p.Confidence, last)
		assert.LessOrEqual(t, p.Confidence, cfg.ConfidenceCap)
		last = p.Confidence
		clk.advance(time.Hour)
	}
	assert.InDelta(t, cfg.ConfidenceCap, last, 1e-9)
}

func TestRunWeekly_Archival(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)
	clk.set(day(14, 12))
	cutoff := clk.now().AddDate(0, 0, -cfg.RetentionDays)

	insert := func(topic string, importance int, happened time.Time) {
		_, _, err := s.InsertEpisode(ctx, model.EpisodicRecord{
			Base:       model.Base{Content: topic, Topic: topic, Importance: importance, CreatedAt: happened},
			HappenedAt: happened,
		})
		require.NoError(t, err)
	}
	insert("at-cutoff-low", 7, cutoff)
	insert("at-cutoff-floor", cfg.ArchiveImportanceFloor, cutoff)
	insert("at-cutoff-high", cfg.ArchiveImportanceFloor+1, cutoff)
	insert("day-younger", cfg.ArchiveImportanceFloor, cutoff.AddDate(0, 0, 1))

	stats, err := New(s, cfg, WithClock(clk.now)).RunWeekly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EpisodesArchived)

	assert.True(t, episodes(t, s, "at-cutoff-low")[0].Archived)
	assert.True(t, episodes(t, s, "at-cutoff-floor")[0].Archived,
		"exactly at the retention age and importance floor is archived")
	assert.False(t, episodes(t, s, "at-cutoff-high")[0].Archived)
	assert.False(t, episodes(t, s, "day-younger")[0].Archived,
		"one day younger than the retention age is kept")

	hits, err := s.Query(ctx, model.TierEpisodic, model.Filter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, hits, 2, "archived episodes are hidden by default")
}

func TestRunWeekly_PartialFailure(t *testing.T) {
	ctx := context.Background()
	s, clk, cfg := setup(t)
	fs := &faultyStore{SQLiteStore: s, failPattern: "tea|calm", failWith: errors.New("boom")}

	for _, topic := range []string{"tea", "tea", "cycling", "cycling"} {
		emo := "calm"
		if topic == "cycling" {
			emo = "joy"
		}
		_, _, err := s.InsertEpisode(ctx, model.EpisodicRecord{
			Base:          model.Base{Content: topic, Topic: topic, Importance: 8, CreatedAt: clk.now()},
			EmotionalTags: []string{emo},
		})
		require.NoError(t, err)
	}

	stats, err := New(fs, cfg, WithClock(clk.now)).RunWeekly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Candidates)
	assert.Equal(t, 1, stats.PatternsCreated)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, "tea|calm", stats.Failures[0].Key)
	assert.NotNil(t, findPattern(t, s, "cycling|joy"))
}

type recordingScheduler struct {
	jobs map[string]func(context.Context) error
}

func (r *recordingScheduler) Schedule(name string, run func(context.Context) error) error {
	r.jobs[name] = run
	return nil
}

func TestRegister(t *testing.T) {
	s, clk, cfg := setup(t)
	sched := &recordingScheduler{jobs: map[string]func(context.Context) error{}}
	require.NoError(t, New(s, cfg, WithClock(clk.now)).Register(sched))

	require.Contains(t, sched.jobs, NightlyLock)
	require.Contains(t, sched.jobs, WeeklyLock)
	assert.NoError(t, sched.jobs[NightlyLock](context.Background()))
	assert.NoError(t, sched.jobs[WeeklyLock](context.Background()))
}

func TestTickerScheduler_RejectsUnknownJob(t *testing.T) {
	ts := NewTickerScheduler(map[string]time.Duration{NightlyLock: time.Hour}, nil)
	assert.NoError(t, ts.Schedule(NightlyLock, func(context.Context) error { return nil }))
	assert.Error(t, ts.Schedule(WeeklyLock, func(context.Context) error { return nil }))
}

func TestTickerScheduler_Runs(t *testing.T) {
	ts := NewTickerScheduler(map[string]time.Duration{"job": 5 * time.Millisecond}, nil)
	fired := make(chan struct{}, 1)
	require.NoError(t, ts.Schedule("job", func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return model.ErrAlreadyRunning
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ts.Run(ctx)
		close(done)
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("job never fired")
	}
	cancel()
	<-done
}
