package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rcliao/tiered-memory/internal/model"
)

// tsLayout is fixed-width so lexical order of stored timestamps is time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

const (
	defaultLimit            = 20
	defaultVectorCandidates = 500
	deleteBatch             = 500
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	vectorCandidates int

	mu      sync.Mutex // guards entropy
	entropy *rand.Rand
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the store's notion of now.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// WithVectorCandidates bounds how many rows an embedding-only query scores.
func WithVectorCandidates(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.vectorCandidates = n
		}
	}
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &model.StoreUnavailableError{Op: "open", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &model.StoreUnavailableError{Op: "open", Err: err}
	}

	s := &SQLiteStore{
		db:               db,
		now:              time.Now,
		vectorCandidates: defaultVectorCandidates,
		entropy:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS working_records (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL DEFAULT '',
		content     TEXT NOT NULL,
		topic       TEXT NOT NULL,
		emotion     TEXT NOT NULL,
		importance  INTEGER NOT NULL CHECK (importance BETWEEN 1 AND 10),
		embedding   BLOB,
		created_at  TEXT NOT NULL,
		expires_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_working_importance ON working_records(importance, created_at);
	CREATE INDEX IF NOT EXISTS idx_working_created ON working_records(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_working_expires ON working_records(expires_at);
	CREATE INDEX IF NOT EXISTS idx_working_topic ON working_records(topic);
	CREATE INDEX IF NOT EXISTS idx_working_emotion ON working_records(emotion);
	CREATE INDEX IF NOT EXISTS idx_working_session ON working_records(session_id);

	CREATE TABLE IF NOT EXISTS episodic_records (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL,
		summary        TEXT NOT NULL,
		content        TEXT NOT NULL,
		topic          TEXT NOT NULL,
		emotion        TEXT NOT NULL,
		importance     INTEGER NOT NULL CHECK (importance BETWEEN 1 AND 10),
		embedding      BLOB,
		participants   TEXT,
		emotional_tags TEXT,
		happened_at    TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		archived       INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_episodic_importance ON episodic_records(importance);
	CREATE INDEX IF NOT EXISTS idx_episodic_happened ON episodic_records(happened_at DESC);
	CREATE INDEX IF NOT EXISTS idx_episodic_created ON episodic_records(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_episodic_topic ON episodic_records(topic);
	CREATE INDEX IF NOT EXISTS idx_episodic_emotion ON episodic_records(emotion);
	CREATE INDEX IF NOT EXISTS idx_episodic_archived ON episodic_records(archived, happened_at);

	CREATE TABLE IF NOT EXISTS episode_sources (
		working_id  TEXT PRIMARY KEY,
		episode_id  TEXT NOT NULL REFERENCES episodic_records(id)
	);
	CREATE INDEX IF NOT EXISTS idx_episode_sources_episode ON episode_sources(episode_id);

	CREATE TABLE IF NOT EXISTS semantic_records (
		id              TEXT PRIMARY KEY,
		knowledge_type  TEXT NOT NULL,
		key             TEXT NOT NULL,
		value           TEXT NOT NULL,
		content         TEXT NOT NULL,
		topic           TEXT NOT NULL,
		emotion         TEXT NOT NULL,
		confidence      REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		evidence_count  INTEGER NOT NULL DEFAULT 0,
		embedding       BLOB,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		UNIQUE (knowledge_type, key)
	);
	CREATE INDEX IF NOT EXISTS idx_semantic_confidence ON semantic_records(confidence);
	CREATE INDEX IF NOT EXISTS idx_semantic_updated ON semantic_records(updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_semantic_topic ON semantic_records(topic);
	CREATE INDEX IF NOT EXISTS idx_semantic_emotion ON semantic_records(emotion);

	CREATE TABLE IF NOT EXISTS semantic_evidence (
		semantic_id  TEXT NOT NULL REFERENCES semantic_records(id),
		episode_id   TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (semantic_id, episode_id)
	);

	CREATE TABLE IF NOT EXISTS advisory_locks (
		name         TEXT PRIMARY KEY,
		holder       TEXT NOT NULL,
		acquired_at  TEXT NOT NULL,
		expires_at   TEXT NOT NULL
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS working_fts USING fts5(
		content, topic,
		content=working_records,
		content_rowid=rowid
	);
	CREATE VIRTUAL TABLE IF NOT EXISTS episodic_fts USING fts5(
		title, summary, content, topic,
		content=episodic_records,
		content_rowid=rowid
	);
	CREATE VIRTUAL TABLE IF NOT EXISTS semantic_fts USING fts5(
		content, key, topic,
		content=semantic_records,
		content_rowid=rowid
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 triggers for automatic sync
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS working_ai AFTER INSERT ON working_records BEGIN
			INSERT INTO working_fts(rowid, content, topic) VALUES (new.rowid, new.content, new.topic);
		END`,
		`CREATE TRIGGER IF NOT EXISTS working_ad AFTER DELETE ON working_records BEGIN
			INSERT INTO working_fts(working_fts, rowid, content, topic) VALUES('delete', old.rowid, old.content, old.topic);
		END`,
		`CREATE TRIGGER IF NOT EXISTS episodic_ai AFTER INSERT ON episodic_records BEGIN
			INSERT INTO episodic_fts(rowid, title, summary, content, topic) VALUES (new.rowid, new.title, new.summary, new.content, new.topic);
		END`,
		`CREATE TRIGGER IF NOT EXISTS episodic_au AFTER UPDATE OF title, summary, content, topic ON episodic_records BEGIN
			INSERT INTO episodic_fts(episodic_fts, rowid, title, summary, content, topic) VALUES('delete', old.rowid, old.title, old.summary, old.content, old.topic);
			INSERT INTO episodic_fts(rowid, title, summary, content, topic) VALUES (new.rowid, new.title, new.summary, new.content, new.topic);
		END`,
		`CREATE TRIGGER IF NOT EXISTS semantic_ai AFTER INSERT ON semantic_records BEGIN
			INSERT INTO semantic_fts(rowid, content, key, topic) VALUES (new.rowid, new.content, new.key, new.topic);
		END`,
		`CREATE TRIGGER IF NOT EXISTS semantic_au AFTER UPDATE OF content, key, topic ON semantic_records BEGIN
			INSERT INTO semantic_fts(semantic_fts, rowid, content, key, topic) VALUES('delete', old.rowid, old.content, old.key, old.topic);
			INSERT INTO semantic_fts(rowid, content, key, topic) VALUES (new.rowid, new.content, new.key, new.topic);
		END`,
	}
	for _, t := range triggers {
		if _, err := s.db.Exec(t); err != nil {
			return fmt.Errorf("create trigger: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database still answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// wrap classifies err: connectivity failures become StoreUnavailableError,
// everything else is annotated with op.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if unavailable(err) {
		return &model.StoreUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func unavailable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN,
			sqlite3.SQLITE_IOERR, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return true
		}
	}
	return strings.Contains(err.Error(), "database is closed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func encodeList(xs []string) *string {
	if len(xs) == 0 {
		return nil
	}
	b, _ := json.Marshal(xs)
	s := string(b)
	return &s
}

func decodeList(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var xs []string
	json.Unmarshal([]byte(ns.String), &xs)
	return xs
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(xs []string) []interface{} {
	args := make([]interface{}, len(xs))
	for i, x := range xs {
		args[i] = x
	}
	return args
}

type scanner interface {
	Scan(dest ...interface{}) error
}
