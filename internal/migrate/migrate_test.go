package migrate

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

var now = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newMigrator(w Writer, opts ...Option) *Migrator {
	cfg := config.DefaultConfig()
	return New(w, cfg.Migration, cfg.Consolidation, append([]Option{WithClock(clock)}, opts...)...)
}

const legacyJSONL = `{"id":"p1","kind":"preference","key":"coffee","value":{"subject":"coffee","sentiment":"likes","strength":0.8},"content":"likes oat milk lattes","topic":"food","confidence":0.7,"created_at":"2024-01-01T00:00:00Z"}
{"id":"w1","content":"asked about the weather","topic":"chat","importance":3,"created_at":"2025-03-14T08:00:00Z","session_id":"s9"}
{"id":"e1","content":"got promoted","topic":"career","importance":9,"created_at":"2025-01-10T09:00:00Z"}

{"id":"e2","content":"grandma's birthday","topic":"Family","importance":4,"created_at":"2025-02-01T18:00:00Z"}
{"id":"s1","content":"said hello","topic":"chat","importance":2,"created_at":"2025-02-01T18:00:00Z"}
{"id": "bad", "content": }
{"id":"x1","content":"   ","importance":9,"created_at":"2025-01-01T00:00:00Z"}
`

func TestClassify(t *testing.T) {
	c := NewClassifier(config.DefaultConfig().Migration, clock)
	old := now.Add(-48 * time.Hour)

	tests := []struct {
		name string
		rec  LegacyRecord
		tier model.Tier
		ok   bool
	}{
		{"knowledge kind", LegacyRecord{Kind: "preference", CreatedAt: now}, model.TierSemantic, true},
		{"keyed record", LegacyRecord{Key: "home", Importance: 9, CreatedAt: old}, model.TierSemantic, true},
		{"recent", LegacyRecord{Importance: 9, CreatedAt: now.Add(-23 * time.Hour)}, model.TierWorking, true},
		{"just outside recent window", LegacyRecord{Importance: 2, CreatedAt: now.Add(-24 * time.Hour)}, "", false},
		{"important", LegacyRecord{Importance: 7, CreatedAt: old}, model.TierEpisodic, true},
		{"significant topic", LegacyRecord{Topic: "Health", Importance: 2, CreatedAt: old}, model.TierEpisodic, true},
		{"legacy episode", LegacyRecord{Kind: KindEpisode, Importance: 3, CreatedAt: old}, model.TierEpisodic, true},
		{"trivial", LegacyRecord{Topic: "chat", Importance: 6, CreatedAt: old}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, ok := c.Classify(tt.rec)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.tier, tier)
		})
	}
}

func TestRun_JSONL(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rep, err := newMigrator(s).Run(ctx, NewJSONLSource(strings.NewReader(legacyJSONL)))
	require.NoError(t, err)

	assert.Equal(t, 7, rep.Processed)
	assert.Equal(t, map[model.Tier]int{
		model.TierWorking:  1,
		model.TierEpisodic: 2,
		model.TierSemantic: 1,
	}, rep.Written)
	assert.Equal(t, 1, rep.Skipped)
	require.Len(t, rep.Errors, 2)
	assert.Equal(t, 7, rep.Errors[0].Line)
	assert.Equal(t, "x1", rep.Errors[1].ID)
	assert.True(t, model.IsValidation(rep.Errors[1]))

	hits, err := s.Query(ctx, model.TierWorking, model.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	w := hits[0].Record.(*model.WorkingRecord)
	assert.True(t, w.CreatedAt.Equal(time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, model.WorkingTTL, w.ExpiresAt.Sub(w.CreatedAt))
	assert.Equal(t, "s9", w.SessionID)

	hits, err = s.Query(ctx, model.TierEpisodic, model.Filter{Text: "promoted"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	rec, err := s.GetByID(ctx, model.TierEpisodic, hits[0].Record.GetBase().ID)
	require.NoError(t, err)
	ep := rec.(*model.EpisodicRecord)
	assert.Equal(t, []string{"legacy:e1"}, ep.SourceIDs)
	assert.True(t, ep.HappenedAt.Equal(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, "career — 2025-01-10", ep.Title)

	hits, err = s.Query(ctx, model.TierSemantic, model.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	sem := hits[0].Record.(*model.SemanticRecord)
	assert.Equal(t, model.KnowledgePreference, sem.KnowledgeType)
	assert.Equal(t, "coffee", sem.Key)
	assert.InDelta(t, 0.7, sem.Confidence, 1e-9)
	require.NotNil(t, sem.Value.Preference)
	assert.Equal(t, "likes", sem.Value.Preference.Sentiment)
}

func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := newMigrator(s).Run(ctx, NewJSONLSource(strings.NewReader(legacyJSONL)))
	require.NoError(t, err)

	rep, err := newMigrator(s).Run(ctx, NewJSONLSource(strings.NewReader(legacyJSONL)))
	require.NoError(t, err)
	assert.Empty(t, rep.Written)
	assert.Equal(t, 4, rep.Duplicates)
	assert.Len(t, rep.Errors, 2)

	hits, err := s.Query(ctx, model.TierEpisodic, model.Filter{})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestRun_DryRun(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rep, err := newMigrator(s, WithDryRun(true)).Run(ctx, NewJSONLSource(strings.NewReader(legacyJSONL)))
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 2, rep.Written[model.TierEpisodic])

	for _, tier := range model.Tiers {
		hits, err := s.Query(ctx, tier, model.Filter{})
		require.NoError(t, err)
		assert.Empty(t, hits, tier)
	}
}

func TestRun_RepeatedKnowledgeAddsEvidence(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	input := `{"id":"a","kind":"fact","key":"home city","value":"Lisbon","content":"lives in Lisbon"}
{"id":"b","kind":"fact","key":"home city","value":"Lisbon","content":"lives in Lisbon"}
{"id":"c","kind":"fact","key":"age","value":41,"content":"is 41"}
{"id":"d","kind":"fact","key":"shoe","value":[1,2],"content":"bad value"}
`
	rep, err := newMigrator(s).Run(ctx, NewJSONLSource(strings.NewReader(input)))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Written[model.TierSemantic])
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "d", rep.Errors[0].ID)

	hits, err := s.Query(ctx, model.TierSemantic, model.Filter{Text: "lisbon"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	sem := hits[0].Record.(*model.SemanticRecord)
	assert.Equal(t, 2, sem.EvidenceCount)

	hits, err = s.Query(ctx, model.TierSemantic, model.Filter{Text: "41"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.ValueNumber, hits[0].Record.(*model.SemanticRecord).Value.Kind)
}

type brokenSource struct{ n int }

func (b *brokenSource) Next(context.Context) (LegacyRecord, error) {
	b.n++
	if b.n == 1 {
		return LegacyRecord{ID: "ok", Content: "x", Importance: 9, CreatedAt: now.Add(-72 * time.Hour)}, nil
	}
	return LegacyRecord{}, errors.New("disk read failed")
}
func (b *brokenSource) Close() error { return nil }

func TestRun_SourceFailureStops(t *testing.T) {
	rep, err := newMigrator(newStore(t)).Run(context.Background(), &brokenSource{})
	require.Error(t, err)
	assert.Equal(t, 1, rep.Written[model.TierEpisodic])
}

func TestJSONLSource(t *testing.T) {
	ctx := context.Background()
	src := NewJSONLSource(strings.NewReader("\n{\"id\":\"1\",\"content\":\"a\"}\nnot json\n"))

	rec, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", rec.ID)

	_, err = src.Next(ctx)
	var re *RecordError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.Line)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, src.Close())
}

func writeLegacyDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-memory.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
	CREATE TABLE memories (
		id          TEXT PRIMARY KEY,
		ns          TEXT NOT NULL,
		key         TEXT NOT NULL,
		content     TEXT NOT NULL,
		kind        TEXT NOT NULL DEFAULT 'semantic',
		tags        TEXT,
		version     INTEGER NOT NULL DEFAULT 1,
		supersedes  TEXT,
		created_at  TEXT NOT NULL,
		deleted_at  TEXT,
		priority    TEXT NOT NULL DEFAULT 'normal',
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TEXT,
		meta        TEXT,
		expires_at  TEXT
	);
	INSERT INTO memories (id, ns, key, content, kind, tags, version, created_at, deleted_at, priority) VALUES
		('m1', 'prefs', 'coffee', 'likes black coffee', 'semantic', NULL, 1, '2024-05-01T10:00:00Z', NULL, 'normal'),
		('m2', 'prefs', 'coffee', 'likes oat lattes', 'semantic', NULL, 2, '2024-06-01T10:00:00Z', NULL, 'high'),
		('m3', 'journal', 'trip', 'hiked in the alps', 'episodic', '["travel","summer"]', 1, '2024-07-01T10:00:00Z', NULL, 'critical'),
		('m4', 'howto', 'deploy', 'run make deploy', 'procedural', NULL, 1, '2024-08-01T10:00:00Z', NULL, 'low'),
		('m5', 'prefs', 'tea', 'likes tea', 'semantic', NULL, 1, '2024-08-02T10:00:00Z', '2024-09-01T00:00:00Z', 'normal');
	`)
	require.NoError(t, err)
	return path
}

func TestAgentMemorySource(t *testing.T) {
	ctx := context.Background()
	src, err := OpenAgentMemory(ctx, writeLegacyDB(t))
	require.NoError(t, err)
	defer src.Close()

	var recs []LegacyRecord
	for {
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.Len(t, recs, 3)

	assert.Equal(t, "m2", recs[0].ID, "latest version wins")
	assert.Equal(t, KindFact, recs[0].Kind)
	assert.Equal(t, "prefs/coffee", recs[0].Key)
	assert.Equal(t, 8, recs[0].Importance)

	assert.Equal(t, KindEpisode, recs[1].Kind)
	assert.Equal(t, "travel", recs[1].Topic)
	assert.Equal(t, 9, recs[1].Importance)
	assert.Empty(t, recs[1].Key)

	assert.Equal(t, KindConcept, recs[2].Kind)
	assert.Equal(t, 3, recs[2].Importance)
}

func TestOpenAgentMemory_Missing(t *testing.T) {
	_, err := OpenAgentMemory(context.Background(), filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}

func TestRun_AgentMemory(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	src, err := OpenAgentMemory(ctx, writeLegacyDB(t))
	require.NoError(t, err)
	defer src.Close()

	rep, err := newMigrator(s).Run(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Processed)
	assert.Equal(t, 2, rep.Written[model.TierSemantic])
	assert.Equal(t, 1, rep.Written[model.TierEpisodic])
}
