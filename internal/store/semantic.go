package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/model"
)

const semanticColumns = `s.id, s.knowledge_type, s.key, s.value, s.content, s.topic, s.emotion,
	s.confidence, s.evidence_count, s.embedding, s.created_at, s.updated_at`

// UpsertSemantic creates or reinforces the record identified by (Type, Key).
// Evidence is counted once per distinct source id, so replaying the same
// sources leaves the record untouched.
func (s *SQLiteStore) UpsertSemantic(ctx context.Context, p UpsertParams) (*model.SemanticRecord, UpsertOutcome, error) {
	if !model.ValidKnowledgeTypes[p.Type] {
		return nil, UpsertUnchanged, &model.ValidationError{Field: "knowledge_type", Reason: fmt.Sprintf("unknown type %q", p.Type)}
	}
	if strings.TrimSpace(p.Key) == "" {
		return nil, UpsertUnchanged, &model.ValidationError{Field: "key", Reason: "must not be empty"}
	}
	value, err := model.MarshalValue(p.Value)
	if err != nil {
		return nil, UpsertUnchanged, err
	}
	sources := dedupe(p.SourceIDs)
	if len(sources) == 0 {
		return nil, UpsertUnchanged, &model.ValidationError{Field: "source_ids", Reason: "at least one source is required"}
	}
	content := p.Content
	if content == "" {
		content = p.Key + ": " + p.Value.String()
	}
	emotion := p.Emotion
	if emotion == "" {
		emotion = model.DefaultEmotion
	}
	vec, err := embedding.Encode(p.Embedding)
	if err != nil {
		return nil, UpsertUnchanged, err
	}

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, UpsertUnchanged, wrap("begin upsert semantic", err)
	}
	defer tx.Rollback()

	var id string
	var confidence float64
	err = tx.QueryRowContext(ctx,
		`SELECT id, confidence FROM semantic_records WHERE knowledge_type = ? AND key = ?`,
		string(p.Type), p.Key).Scan(&id, &confidence)

	outcome := UpsertUpdated
	switch {
	case err == sql.ErrNoRows:
		outcome = UpsertCreated
		id = s.newID(now)
		confidence = p.InitialConfidence
		if confidence <= 0 {
			confidence = model.InitialConfidence(len(sources), model.DefaultConfidenceK, p.Cap)
		}
		if p.Cap > 0 && confidence > p.Cap {
			confidence = p.Cap
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO semantic_records (id, knowledge_type, key, value, content, topic, emotion,
			                               confidence, evidence_count, embedding, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(p.Type), p.Key, value, content, p.Topic, emotion,
			confidence, len(sources), vec, formatTime(now), formatTime(now))
		if err != nil {
			return nil, UpsertUnchanged, wrap("insert semantic record", err)
		}
		if err := linkEvidence(ctx, tx, id, sources, now); err != nil {
			return nil, UpsertUnchanged, err
		}

	case err != nil:
		return nil, UpsertUnchanged, wrap("lookup semantic record", err)

	default:
		known, err := evidenceIn(ctx, tx, id, sources)
		if err != nil {
			return nil, UpsertUnchanged, err
		}
		var fresh []string
		for _, src := range sources {
			if !known[src] {
				fresh = append(fresh, src)
			}
		}
		if len(fresh) == 0 {
			if err := tx.Commit(); err != nil {
				return nil, UpsertUnchanged, wrap("commit semantic", err)
			}
			rec, err := s.getSemantic(ctx, id)
			return rec, UpsertUnchanged, err
		}

		var vecArg interface{}
		if vec != nil {
			vecArg = vec
		}
		grown := model.GrowConfidence(confidence, len(fresh), p.Boost, p.Cap)
		if grown < confidence {
			grown = confidence
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE semantic_records
			 SET value = ?, content = ?, confidence = ?, evidence_count = evidence_count + ?,
			     embedding = COALESCE(?, embedding), updated_at = ?
			 WHERE id = ?`,
			value, content, grown, len(fresh), vecArg, formatTime(now), id)
		if err != nil {
			return nil, UpsertUnchanged, wrap("update semantic record", err)
		}
		if err := linkEvidence(ctx, tx, id, fresh, now); err != nil {
			return nil, UpsertUnchanged, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, UpsertUnchanged, wrap("commit semantic", err)
	}
	rec, err := s.getSemantic(ctx, id)
	if err != nil {
		return nil, UpsertUnchanged, err
	}
	return rec, outcome, nil
}

func linkEvidence(ctx context.Context, tx *sql.Tx, semanticID string, sources []string, now time.Time) error {
	for _, src := range sources {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO semantic_evidence (semantic_id, episode_id, created_at) VALUES (?, ?, ?)`,
			semanticID, src, formatTime(now)); err != nil {
			return wrap("link semantic evidence", err)
		}
	}
	return nil
}

func evidenceIn(ctx context.Context, tx *sql.Tx, semanticID string, sources []string) (map[string]bool, error) {
	args := append([]interface{}{semanticID}, stringArgs(sources)...)
	rows, err := tx.QueryContext(ctx,
		`SELECT episode_id FROM semantic_evidence
		 WHERE semantic_id = ? AND episode_id IN (`+placeholders(len(sources))+`)`, args...)
	if err != nil {
		return nil, wrap("lookup semantic evidence", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, wrap("scan semantic evidence", err)
		}
		known[src] = true
	}
	return known, wrap("lookup semantic evidence", rows.Err())
}

func dedupe(xs []string) []string {
	seen := make(map[string]bool, len(xs))
	var out []string
	for _, x := range xs {
		if x == "" || seen[x] {
			continue
		}
		seen[x] = true
		out = append(out, x)
	}
	return out
}

func scanSemantic(row scanner) (model.SemanticRecord, error) {
	var r model.SemanticRecord
	var kt, value, createdAt, updatedAt string
	var vec []byte
	if err := row.Scan(&r.ID, &kt, &r.Key, &value, &r.Content, &r.Topic, &r.Emotion,
		&r.Confidence, &r.EvidenceCount, &vec, &createdAt, &updatedAt); err != nil {
		return r, err
	}
	r.KnowledgeType = model.KnowledgeType(kt)
	v, err := model.UnmarshalValue(value)
	if err != nil {
		return r, fmt.Errorf("semantic %s: %w", r.ID, err)
	}
	r.Value = v
	r.Embedding, _ = embedding.Decode(vec)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.Importance = model.ImportanceFromConfidence(r.Confidence)
	return r, nil
}

func (s *SQLiteStore) getSemantic(ctx context.Context, id string) (*model.SemanticRecord, error) {
	r, err := scanSemantic(s.db.QueryRowContext(ctx,
		`SELECT `+semanticColumns+` FROM semantic_records s WHERE s.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("semantic %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get semantic record", err)
	}
	if r.SourceEpisodeIDs, err = s.SemanticEvidence(ctx, id); err != nil {
		return nil, err
	}
	return &r, nil
}
