package store

import (
	"context"
)

// Provenance relates a consolidated record to the records it was built from.
type Provenance struct {
	FromID    string `json:"from_id"`
	ToID      string `json:"to_id"`
	Rel       string `json:"rel"` // summarizes | supports
	CreatedAt string `json:"created_at,omitempty"`
}

// EpisodeSources returns the working record ids an episode was built from.
// The working records themselves are usually gone by the time this is called.
func (s *SQLiteStore) EpisodeSources(ctx context.Context, episodeID string) ([]string, error) {
	return s.linkedIDs(ctx,
		`SELECT working_id FROM episode_sources WHERE episode_id = ? ORDER BY working_id`, episodeID)
}

// SemanticEvidence returns the provenance ids that support a semantic record.
func (s *SQLiteStore) SemanticEvidence(ctx context.Context, semanticID string) ([]string, error) {
	return s.linkedIDs(ctx,
		`SELECT episode_id FROM semantic_evidence WHERE semantic_id = ? ORDER BY episode_id`, semanticID)
}

// EpisodeForWorking reports which episode absorbed a working record, if any.
func (s *SQLiteStore) EpisodeForWorking(ctx context.Context, workingID string) (string, bool, error) {
	ids, err := s.linkedIDs(ctx,
		`SELECT episode_id FROM episode_sources WHERE working_id = ?`, workingID)
	if err != nil || len(ids) == 0 {
		return "", false, err
	}
	return ids[0], true, nil
}

// EpisodesForWorking maps each of ids that is already linked to its episode.
func (s *SQLiteStore) EpisodesForWorking(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string)
	for start := 0; start < len(ids); start += deleteBatch {
		end := start + deleteBatch
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		rows, err := s.db.QueryContext(ctx,
			`SELECT working_id, episode_id FROM episode_sources WHERE working_id IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...)
		if err != nil {
			return nil, wrap("lookup episode sources", err)
		}
		for rows.Next() {
			var w, e string
			if err := rows.Scan(&w, &e); err != nil {
				rows.Close()
				return nil, wrap("scan episode source", err)
			}
			out[w] = e
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, wrap("lookup episode sources", err)
		}
	}
	return out, nil
}

// GetLinks returns every provenance edge touching id, in either direction.
func (s *SQLiteStore) GetLinks(ctx context.Context, id string) ([]Provenance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT working_id, episode_id, 'summarizes', '' FROM episode_sources
		 WHERE working_id = ? OR episode_id = ?
		 UNION ALL
		 SELECT episode_id, semantic_id, 'supports', created_at FROM semantic_evidence
		 WHERE episode_id = ? OR semantic_id = ?`, id, id, id, id)
	if err != nil {
		return nil, wrap("get links", err)
	}
	defer rows.Close()

	var links []Provenance
	for rows.Next() {
		var l Provenance
		if err := rows.Scan(&l.FromID, &l.ToID, &l.Rel, &l.CreatedAt); err != nil {
			return nil, wrap("scan link", err)
		}
		links = append(links, l)
	}
	return links, wrap("get links", rows.Err())
}

func (s *SQLiteStore) linkedIDs(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, wrap("lookup provenance", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var x string
		if err := rows.Scan(&x); err != nil {
			return nil, wrap("scan provenance", err)
		}
		ids = append(ids, x)
	}
	return ids, wrap("lookup provenance", rows.Err())
}
