package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/model"
)

const episodicColumns = `e.id, e.title, e.summary, e.content, e.topic, e.emotion, e.importance,
	e.embedding, e.participants, e.emotional_tags, e.happened_at, e.created_at, e.archived`

// InsertEpisode stores ep and links its sources in one transaction. If any
// source is already linked, a previous run got this far and the existing
// episode id is returned with created=false.
func (s *SQLiteStore) InsertEpisode(ctx context.Context, ep model.EpisodicRecord) (string, bool, error) {
	if ep.Importance < 1 || ep.Importance > 10 {
		return "", false, &model.ValidationError{Field: "importance", Reason: "must be between 1 and 10"}
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.now()
	}
	if ep.HappenedAt.IsZero() {
		ep.HappenedAt = ep.CreatedAt
	}
	if ep.ID == "" {
		ep.ID = s.newID(ep.CreatedAt)
	}
	if ep.Emotion == "" {
		ep.Emotion = model.DefaultEmotion
	}
	vec, err := embedding.Encode(ep.Embedding)
	if err != nil {
		return "", false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, wrap("begin insert episode", err)
	}
	defer tx.Rollback()

	if len(ep.SourceIDs) > 0 {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT episode_id FROM episode_sources WHERE working_id IN (`+placeholders(len(ep.SourceIDs))+`) LIMIT 1`,
			stringArgs(ep.SourceIDs)...).Scan(&existing)
		if err == nil {
			return existing, false, nil
		}
		if err != sql.ErrNoRows {
			return "", false, wrap("check episode sources", err)
		}
	}

	archived := 0
	if ep.Archived {
		archived = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO episodic_records (id, title, summary, content, topic, emotion, importance, embedding,
		                               participants, emotional_tags, happened_at, created_at, archived)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Title, ep.Summary, ep.Content, ep.Topic, ep.Emotion, ep.Importance, vec,
		encodeList(ep.Participants), encodeList(ep.EmotionalTags),
		formatTime(ep.HappenedAt), formatTime(ep.CreatedAt), archived)
	if err != nil {
		return "", false, wrap("insert episode", err)
	}

	for _, src := range ep.SourceIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO episode_sources (working_id, episode_id) VALUES (?, ?)`, src, ep.ID); err != nil {
			return "", false, wrap("link episode source", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, wrap("commit episode", err)
	}
	return ep.ID, true, nil
}

// GroupEpisode returns the oldest non-archived episode on key's topic that
// happened on key's day, with its sources filled in.
func (s *SQLiteStore) GroupEpisode(ctx context.Context, key GroupKey) (*model.EpisodicRecord, bool, error) {
	ep, err := scanEpisodic(s.db.QueryRowContext(ctx,
		`SELECT `+episodicColumns+`
		 FROM episodic_records e
		 WHERE e.topic = ? AND substr(e.happened_at, 1, 10) = ? AND e.archived = 0
		 ORDER BY e.id
		 LIMIT 1`, key.Topic, key.Day))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap("find group episode", err)
	}
	if ep.SourceIDs, err = s.EpisodeSources(ctx, ep.ID); err != nil {
		return nil, false, err
	}
	return &ep, true, nil
}

// ExtendEpisode overwrites the summarized fields of ep.ID with ep's and links
// newSources, in one transaction. It returns false without writing when any
// of newSources is already linked.
func (s *SQLiteStore) ExtendEpisode(ctx context.Context, ep model.EpisodicRecord, newSources []string) (bool, error) {
	if ep.Importance < 1 || ep.Importance > 10 {
		return false, &model.ValidationError{Field: "importance", Reason: "must be between 1 and 10"}
	}
	vec, err := embedding.Encode(ep.Embedding)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrap("begin extend episode", err)
	}
	defer tx.Rollback()

	if len(newSources) > 0 {
		var linked int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM episode_sources WHERE working_id IN (`+placeholders(len(newSources))+`)`,
			stringArgs(newSources)...).Scan(&linked); err != nil {
			return false, wrap("check episode sources", err)
		}
		if linked > 0 {
			return false, nil
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE episodic_records
		 SET title = ?, summary = ?, content = ?, emotion = ?, importance = ?, embedding = ?,
		     participants = ?, emotional_tags = ?, happened_at = ?
		 WHERE id = ?`,
		ep.Title, ep.Summary, ep.Content, ep.Emotion, ep.Importance, vec,
		encodeList(ep.Participants), encodeList(ep.EmotionalTags), formatTime(ep.HappenedAt), ep.ID)
	if err != nil {
		return false, wrap("extend episode", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("episode %s: %w", ep.ID, model.ErrNotFound)
	}

	for _, src := range newSources {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO episode_sources (working_id, episode_id) VALUES (?, ?)`, src, ep.ID); err != nil {
			return false, wrap("link episode source", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, wrap("commit episode", err)
	}
	return true, nil
}

// EpisodesCreatedSince pages through non-archived episodes created at or after since.
func (s *SQLiteStore) EpisodesCreatedSince(ctx context.Context, since time.Time, page PageParams) ([]model.EpisodicRecord, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = deleteBatch
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodicColumns+`
		 FROM episodic_records e
		 WHERE e.created_at >= ? AND e.archived = 0 AND e.id > ?
		 ORDER BY e.id
		 LIMIT ?`,
		formatTime(since), page.AfterID, limit)
	if err != nil {
		return nil, wrap("list recent episodes", err)
	}
	defer rows.Close()

	var out []model.EpisodicRecord
	for rows.Next() {
		ep, err := scanEpisodic(rows)
		if err != nil {
			return nil, wrap("scan episode", err)
		}
		out = append(out, ep)
	}
	return out, wrap("list recent episodes", rows.Err())
}

// ArchiveEpisodes flags up to limit episodes that happened at or before
// happenedBefore with importance at or below importanceAtMost. Both bounds
// are inclusive. Archived episodes are never deleted.
func (s *SQLiteStore) ArchiveEpisodes(ctx context.Context, happenedBefore time.Time, importanceAtMost, limit int) (int, error) {
	if limit <= 0 {
		limit = deleteBatch
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodic_records SET archived = 1 WHERE id IN (
			SELECT id FROM episodic_records
			WHERE archived = 0 AND happened_at <= ? AND importance <= ?
			LIMIT ?)`,
		formatTime(happenedBefore), importanceAtMost, limit)
	if err != nil {
		return 0, wrap("archive episodes", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanEpisodic(row scanner) (model.EpisodicRecord, error) {
	var ep model.EpisodicRecord
	var vec []byte
	var participants, tags sql.NullString
	var happenedAt, createdAt string
	var archived int
	if err := row.Scan(&ep.ID, &ep.Title, &ep.Summary, &ep.Content, &ep.Topic, &ep.Emotion, &ep.Importance,
		&vec, &participants, &tags, &happenedAt, &createdAt, &archived); err != nil {
		return ep, err
	}
	ep.Embedding, _ = embedding.Decode(vec)
	ep.Participants = decodeList(participants)
	ep.EmotionalTags = decodeList(tags)
	ep.HappenedAt = parseTime(happenedAt)
	ep.CreatedAt = parseTime(createdAt)
	ep.Archived = archived != 0
	return ep, nil
}

func (s *SQLiteStore) getEpisodic(ctx context.Context, id string) (*model.EpisodicRecord, error) {
	ep, err := scanEpisodic(s.db.QueryRowContext(ctx,
		`SELECT `+episodicColumns+` FROM episodic_records e WHERE e.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("episode %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get episode", err)
	}
	if ep.SourceIDs, err = s.EpisodeSources(ctx, id); err != nil {
		return nil, err
	}
	return &ep, nil
}
