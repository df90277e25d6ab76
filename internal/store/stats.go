package store

import (
	"context"
	"os"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Stats holds database statistics.
type Stats struct {
	DBPath           string             `json:"db_path"`
	DBSizeBytes      int64              `json:"db_size_bytes"`
	Tiers            map[model.Tier]int `json:"tiers"`
	ExpiredWorking   int                `json:"expired_working"`
	ArchivedEpisodes int                `json:"archived_episodes"`
	KnowledgeTypes   []TypeStats        `json:"knowledge_types"`
	HeldLocks        []string           `json:"held_locks,omitempty"`
}

// TypeStats holds per-knowledge-type counts.
type TypeStats struct {
	Type          model.KnowledgeType `json:"type"`
	Count         int                 `json:"count"`
	AvgConfidence float64             `json:"avg_confidence"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath, Tiers: make(map[model.Tier]int)}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	now := formatTime(s.now())
	counts := []struct {
		dest  *int
		query string
		args  []interface{}
	}{
		{new(int), `SELECT COUNT(*) FROM working_records`, nil},
		{new(int), `SELECT COUNT(*) FROM episodic_records`, nil},
		{new(int), `SELECT COUNT(*) FROM semantic_records`, nil},
		{&st.ExpiredWorking, `SELECT COUNT(*) FROM working_records WHERE expires_at <= ?`, []interface{}{now}},
		{&st.ArchivedEpisodes, `SELECT COUNT(*) FROM episodic_records WHERE archived = 1`, nil},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return st, wrap("stats", err)
		}
	}
	st.Tiers[model.TierWorking] = *counts[0].dest
	st.Tiers[model.TierEpisodic] = *counts[1].dest
	st.Tiers[model.TierSemantic] = *counts[2].dest

	rows, err := s.db.QueryContext(ctx, `
		SELECT knowledge_type, COUNT(*) AS cnt, AVG(confidence)
		FROM semantic_records
		GROUP BY knowledge_type ORDER BY cnt DESC, knowledge_type`)
	if err != nil {
		return st, wrap("stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ts TypeStats
		var kt string
		if err := rows.Scan(&kt, &ts.Count, &ts.AvgConfidence); err != nil {
			return st, wrap("stats", err)
		}
		ts.Type = model.KnowledgeType(kt)
		st.KnowledgeTypes = append(st.KnowledgeTypes, ts)
	}
	if err := rows.Err(); err != nil {
		return st, wrap("stats", err)
	}

	lockRows, err := s.db.QueryContext(ctx,
		`SELECT name FROM advisory_locks WHERE expires_at > ? ORDER BY name`, now)
	if err != nil {
		return st, wrap("stats", err)
	}
	defer lockRows.Close()
	for lockRows.Next() {
		var name string
		if err := lockRows.Scan(&name); err != nil {
			return st, wrap("stats", err)
		}
		st.HeldLocks = append(st.HeldLocks, name)
	}
	return st, wrap("stats", lockRows.Err())
}
