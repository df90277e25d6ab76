package store

import (
	"context"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Snapshot is a full dump of the three tiers.
type Snapshot struct {
	ExportedAt time.Time              `json:"exported_at"`
	Working    []model.WorkingRecord  `json:"working"`
	Episodic   []model.EpisodicRecord `json:"episodic"`
	Semantic   []model.SemanticRecord `json:"semantic"`
}

// ExportAll returns every record of every tier with provenance attached.
// Archived episodes are included.
func (s *SQLiteStore) ExportAll(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{ExportedAt: s.now().UTC()}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workingColumns+` FROM working_records w ORDER BY w.id`)
	if err != nil {
		return nil, wrap("export working", err)
	}
	for rows.Next() {
		r, err := scanWorking(rows)
		if err != nil {
			rows.Close()
			return nil, wrap("export working", err)
		}
		snap.Working = append(snap.Working, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("export working", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT `+episodicColumns+` FROM episodic_records e ORDER BY e.id`)
	if err != nil {
		return nil, wrap("export episodic", err)
	}
	for rows.Next() {
		ep, err := scanEpisodic(rows)
		if err != nil {
			rows.Close()
			return nil, wrap("export episodic", err)
		}
		snap.Episodic = append(snap.Episodic, ep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("export episodic", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT `+semanticColumns+` FROM semantic_records s ORDER BY s.knowledge_type, s.key`)
	if err != nil {
		return nil, wrap("export semantic", err)
	}
	for rows.Next() {
		r, err := scanSemantic(rows)
		if err != nil {
			rows.Close()
			return nil, wrap("export semantic", err)
		}
		snap.Semantic = append(snap.Semantic, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("export semantic", err)
	}

	for i := range snap.Episodic {
		if snap.Episodic[i].SourceIDs, err = s.EpisodeSources(ctx, snap.Episodic[i].ID); err != nil {
			return nil, err
		}
	}
	for i := range snap.Semantic {
		if snap.Semantic[i].SourceEpisodeIDs, err = s.SemanticEvidence(ctx, snap.Semantic[i].ID); err != nil {
			return nil, err
		}
	}
	return snap, nil
}
