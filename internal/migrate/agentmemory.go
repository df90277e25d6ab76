package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// priorityImportance maps agent-memory priorities onto the 1-10 scale.
var priorityImportance = map[string]int{
	"critical": 9,
	"high":     8,
	"normal":   5,
	"low":      3,
}

// AgentMemorySource reads the latest live version of every ns/key from an
// agent-memory database. The database is opened read-only.
type AgentMemorySource struct {
	db   *sql.DB
	rows *sql.Rows
}

// OpenAgentMemory opens the agent-memory database at path.
func OpenAgentMemory(ctx context.Context, path string) (*AgentMemorySource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open legacy db: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open legacy db: %w", err)
	}
	rows, err := db.QueryContext(ctx, `
		SELECT m.id, m.ns, m.key, m.content, m.kind, m.tags, m.priority, m.created_at
		FROM memories m
		WHERE m.deleted_at IS NULL
		  AND m.version = (
			SELECT MAX(x.version) FROM memories x
			WHERE x.ns = m.ns AND x.key = m.key AND x.deleted_at IS NULL)
		ORDER BY m.created_at, m.id`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read legacy memories: %w", err)
	}
	return &AgentMemorySource{db: db, rows: rows}, nil
}

// Next returns the next legacy memory converted to a LegacyRecord.
func (s *AgentMemorySource) Next(ctx context.Context) (LegacyRecord, error) {
	if err := ctx.Err(); err != nil {
		return LegacyRecord{}, err
	}
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return LegacyRecord{}, fmt.Errorf("read legacy memories: %w", err)
		}
		return LegacyRecord{}, io.EOF
	}

	var id, ns, key, content, kind, priority, createdAt string
	var tags sql.NullString
	if err := s.rows.Scan(&id, &ns, &key, &content, &kind, &tags, &priority, &createdAt); err != nil {
		return LegacyRecord{}, fmt.Errorf("scan legacy memory: %w", err)
	}

	rec := LegacyRecord{
		ID:         id,
		Content:    content,
		Topic:      ns,
		Importance: priorityImportance[priority],
	}
	if rec.Importance == 0 {
		rec.Importance = priorityImportance["normal"]
	}
	if tags.Valid && tags.String != "" {
		var tt []string
		if err := json.Unmarshal([]byte(tags.String), &tt); err == nil && len(tt) > 0 {
			rec.Topic = tt[0]
		}
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return rec, &RecordError{ID: id, Err: fmt.Errorf("parse created_at %q: %w", createdAt, err)}
	}
	rec.CreatedAt = t

	switch kind {
	case "semantic":
		rec.Kind = KindFact
		rec.Key = ns + "/" + key
	case "procedural":
		rec.Kind = KindConcept
		rec.Key = ns + "/" + key
	case "episodic":
		rec.Kind = KindEpisode
	default:
		return rec, &RecordError{ID: id, Err: fmt.Errorf("unknown legacy kind %q", kind)}
	}
	return rec, nil
}

// Close releases the legacy database.
func (s *AgentMemorySource) Close() error {
	s.rows.Close()
	return s.db.Close()
}
