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

const workingColumns = `w.id, w.session_id, w.content, w.topic, w.emotion, w.importance,
	w.embedding, w.created_at, w.expires_at`

// AppendWorking inserts r as a single row. A zero CreatedAt means now.
func (s *SQLiteStore) AppendWorking(ctx context.Context, r model.WorkingRecord) (string, error) {
	if strings.TrimSpace(r.Content) == "" {
		return "", &model.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if r.Importance < 1 || r.Importance > 10 {
		return "", &model.ValidationError{Field: "importance", Reason: "must be between 1 and 10"}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.CreatedAt.Add(model.WorkingTTL)
	if r.ID == "" {
		r.ID = s.newID(r.CreatedAt)
	}
	if r.Emotion == "" {
		r.Emotion = model.DefaultEmotion
	}

	vec, err := embedding.Encode(r.Embedding)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO working_records (id, session_id, content, topic, emotion, importance, embedding, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Content, r.Topic, r.Emotion, r.Importance, vec,
		formatTime(r.CreatedAt), formatTime(r.ExpiresAt))
	if err != nil {
		return "", wrap("insert working record", err)
	}
	return r.ID, nil
}

// DeleteExpiredWorking removes working records with expires_at <= now, in
// bounded batches so an interrupted sweep leaves the tier consistent.
func (s *SQLiteStore) DeleteExpiredWorking(ctx context.Context, now time.Time) (int, error) {
	cutoff := formatTime(now)
	total := 0
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM working_records WHERE id IN (
				SELECT id FROM working_records WHERE expires_at <= ? LIMIT ?)`,
			cutoff, deleteBatch)
		if err != nil {
			return total, wrap("delete expired working records", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if n < deleteBatch {
			return total, nil
		}
	}
}

// PromotionGroups lists the (day, topic) buckets holding promotable records.
func (s *SQLiteStore) PromotionGroups(ctx context.Context, p PromotionParams) ([]GroupKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT substr(created_at, 1, 10) AS day, topic, COUNT(*)
		 FROM working_records
		 WHERE importance >= ? AND created_at <= ? AND expires_at > ?
		 GROUP BY day, topic
		 ORDER BY day, topic`,
		p.MinImportance, formatTime(p.CreatedBefore), formatTime(s.promotionNow(p)))
	if err != nil {
		return nil, wrap("list promotion groups", err)
	}
	defer rows.Close()

	var keys []GroupKey
	for rows.Next() {
		var k GroupKey
		if err := rows.Scan(&k.Day, &k.Topic, &k.Count); err != nil {
			return nil, wrap("scan promotion group", err)
		}
		keys = append(keys, k)
	}
	return keys, wrap("list promotion groups", rows.Err())
}

func (s *SQLiteStore) promotionNow(p PromotionParams) time.Time {
	if p.Now.IsZero() {
		return s.now()
	}
	return p.Now
}

// WorkingInGroup returns one page of the promotable records in key, oldest first.
func (s *SQLiteStore) WorkingInGroup(ctx context.Context, key GroupKey, p PromotionParams, page PageParams) ([]model.WorkingRecord, error) {
	day, err := time.Parse("2006-01-02", key.Day)
	if err != nil {
		return nil, fmt.Errorf("parse group day %q: %w", key.Day, err)
	}
	limit := page.Limit
	if limit <= 0 {
		limit = deleteBatch
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workingColumns+`
		 FROM working_records w
		 WHERE w.topic = ? AND w.importance >= ? AND w.created_at <= ? AND w.expires_at > ?
		   AND w.created_at >= ? AND w.created_at < ? AND w.id > ?
		 ORDER BY w.id
		 LIMIT ?`,
		key.Topic, p.MinImportance, formatTime(p.CreatedBefore), formatTime(s.promotionNow(p)),
		formatTime(day), formatTime(day.AddDate(0, 0, 1)), page.AfterID, limit)
	if err != nil {
		return nil, wrap("list group records", err)
	}
	defer rows.Close()

	var out []model.WorkingRecord
	for rows.Next() {
		r, err := scanWorking(rows)
		if err != nil {
			return nil, wrap("scan working record", err)
		}
		out = append(out, r)
	}
	return out, wrap("list group records", rows.Err())
}

// DeleteWorking removes the given working records.
func (s *SQLiteStore) DeleteWorking(ctx context.Context, ids []string) (int, error) {
	total := 0
	for start := 0; start < len(ids); start += deleteBatch {
		end := start + deleteBatch
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM working_records WHERE id IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...)
		if err != nil {
			return total, wrap("delete working records", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func scanWorking(row scanner) (model.WorkingRecord, error) {
	var r model.WorkingRecord
	var vec []byte
	var createdAt, expiresAt string
	if err := row.Scan(&r.ID, &r.SessionID, &r.Content, &r.Topic, &r.Emotion, &r.Importance,
		&vec, &createdAt, &expiresAt); err != nil {
		return r, err
	}
	r.CreatedAt = parseTime(createdAt)
	r.ExpiresAt = parseTime(expiresAt)
	r.Embedding, _ = embedding.Decode(vec)
	return r, nil
}

func (s *SQLiteStore) getWorking(ctx context.Context, id string) (*model.WorkingRecord, error) {
	r, err := scanWorking(s.db.QueryRowContext(ctx,
		`SELECT `+workingColumns+` FROM working_records w WHERE w.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("working %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get working record", err)
	}
	return &r, nil
}
