// Package migrate backfills the three tiers from flat legacy records.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// LegacyRecord is one flat record from a pre-existing store.
type LegacyRecord struct {
	ID           string          `json:"id"`
	Content      string          `json:"content"`
	Topic        string          `json:"topic"`
	Emotion      string          `json:"emotion"`
	Importance   int             `json:"importance"`
	CreatedAt    time.Time       `json:"created_at"`
	Kind         string          `json:"kind"`
	SessionID    string          `json:"session_id"`
	Participants []string        `json:"participants"`
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	Confidence   float64         `json:"confidence"`
}

// Source yields legacy records one at a time. Next returns io.EOF when the
// source is exhausted. A *RecordError means only that record is bad and
// the caller may keep reading; any other error ends the run.
type Source interface {
	Next(ctx context.Context) (LegacyRecord, error)
	Close() error
}

// RecordError describes one record that could not be migrated.
type RecordError struct {
	Line int    `json:"line,omitempty"`
	ID   string `json:"id,omitempty"`
	Err  error  `json:"-"`
}

func (e *RecordError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("record %s: %v", e.ID, e.Err)
	case e.Line > 0:
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return e.Err.Error()
}

func (e *RecordError) Unwrap() error { return e.Err }

// MarshalJSON reports the cause alongside the position.
func (e *RecordError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Line  int    `json:"line,omitempty"`
		ID    string `json:"id,omitempty"`
		Error string `json:"error"`
	}{e.Line, e.ID, e.Err.Error()})
}

// maxLine bounds a single JSONL record.
const maxLine = 4 << 20

// JSONLSource reads one JSON object per line. Blank lines are ignored.
type JSONLSource struct {
	sc     *bufio.Scanner
	closer io.Closer
	line   int
}

// NewJSONLSource reads from r. If r is an io.Closer it is closed by Close.
func NewJSONLSource(r io.Reader) *JSONLSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	src := &JSONLSource{sc: sc}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src
}

// Next returns the next record.
func (s *JSONLSource) Next(ctx context.Context) (LegacyRecord, error) {
	for s.sc.Scan() {
		s.line++
		if err := ctx.Err(); err != nil {
			return LegacyRecord{}, err
		}
		text := strings.TrimSpace(s.sc.Text())
		if text == "" {
			continue
		}
		var rec LegacyRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return LegacyRecord{}, &RecordError{Line: s.line, Err: fmt.Errorf("parse json: %w", err)}
		}
		return rec, nil
	}
	if err := s.sc.Err(); err != nil {
		return LegacyRecord{}, fmt.Errorf("read line %d: %w", s.line+1, err)
	}
	return LegacyRecord{}, io.EOF
}

// Close closes the underlying reader when it has one.
func (s *JSONLSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
