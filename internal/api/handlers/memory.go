// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/go-chi/chi/v5"

	"github.com/rcliao/tiered-memory/internal/api/middleware"
	"github.com/rcliao/tiered-memory/internal/api/response"
	"github.com/rcliao/tiered-memory/internal/ingest"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/recall"
	"github.com/rcliao/tiered-memory/internal/store"
)

// Appender accepts observations.
type Appender interface {
	Append(ctx context.Context, o ingest.Observation) (string, error)
}

// Recaller answers cross-tier queries.
type Recaller interface {
	Recall(ctx context.Context, q recall.Query) (*recall.Result, error)
}

// RecordReader fetches single records and their provenance.
type RecordReader interface {
	GetByID(ctx context.Context, tier model.Tier, id string) (model.Record, error)
	GetLinks(ctx context.Context, id string) ([]store.Provenance, error)
}

// MemoryHandler serves ingestion, recall and record lookup.
type MemoryHandler struct {
	appender Appender
	recaller Recaller
	records  RecordReader
	log      *bolt.Logger
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(a Appender, rc Recaller, rr RecordReader, log *bolt.Logger) *MemoryHandler {
	return &MemoryHandler{appender: a, recaller: rc, records: rr, log: log}
}

type appendResponse struct {
	ID string `json:"id"`
}

// recallResponse adds a warning to the result when the store could not be read.
type recallResponse struct {
	*recall.Result
	Warning string `json:"warning,omitempty"`
}

type recordResponse struct {
	Tier       model.Tier         `json:"tier"`
	Record     model.Record       `json:"record"`
	Provenance []store.Provenance `json:"provenance,omitempty"`
}

// Append handles POST /api/v1/observations
func (h *MemoryHandler) Append(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var o ingest.Observation
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Invalid request body", middleware.GetRequestID(ctx))
		return
	}
	if o.SessionID == "" {
		o.SessionID = r.Header.Get("X-Session-ID")
	}

	id, err := h.appender.Append(ctx, o)
	if err != nil {
		if !model.IsValidation(err) {
			h.log.Error().Err(err).Str("topic", o.Topic).Msg("append failed")
		}
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	response.JSON(w, http.StatusCreated, appendResponse{ID: id})
}

// Recall handles POST /api/v1/recall with a JSON query body.
func (h *MemoryHandler) Recall(w http.ResponseWriter, r *http.Request) {
	var q recall.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Invalid request body", middleware.GetRequestID(r.Context()))
		return
	}
	h.recall(w, r, q)
}

// RecallQuery handles GET /api/v1/recall with the query in URL parameters.
func (h *MemoryHandler) RecallQuery(w http.ResponseWriter, r *http.Request) {
	q, err := parseRecallParams(r)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	h.recall(w, r, q)
}

func (h *MemoryHandler) recall(w http.ResponseWriter, r *http.Request, q recall.Query) {
	ctx := r.Context()
	res, err := h.recaller.Recall(ctx, q)
	switch {
	case err == nil:
		response.JSON(w, http.StatusOK, recallResponse{Result: res})
	case model.IsUnavailable(err):
		// Callers get an empty answer rather than an outage.
		h.log.Warn().Err(err).Msg("recall degraded, store unavailable")
		response.JSON(w, http.StatusOK, recallResponse{
			Result:  &recall.Result{Items: []recall.Item{}, Counts: map[model.Tier]int{}, Partial: true},
			Warning: "memory store unavailable",
		})
	default:
		if !model.IsValidation(err) {
			h.log.Error().Err(err).Msg("recall failed")
		}
		response.HandleError(w, err, middleware.GetRequestID(ctx))
	}
}

// GetRecord handles GET /api/v1/records/{tier}/{id}
func (h *MemoryHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tier, err := model.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	id := chi.URLParam(r, "id")

	rec, err := h.records.GetByID(ctx, tier, id)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			h.log.Error().Err(err).Str("tier", string(tier)).Str("id", id).Msg("get record failed")
		}
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	links, err := h.records.GetLinks(ctx, id)
	if err != nil {
		h.log.Warn().Err(err).Str("id", id).Msg("provenance lookup failed")
	}
	response.JSON(w, http.StatusOK, recordResponse{Tier: tier, Record: rec, Provenance: links})
}

func parseRecallParams(r *http.Request) (recall.Query, error) {
	v := r.URL.Query()
	q := recall.Query{
		Text:    v.Get("text"),
		Emotion: v.Get("emotion"),
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &q.Since}, {"until", &q.Until}} {
		s := v.Get(p.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, invalidParam(p.name, "must be an RFC3339 timestamp")
		}
		*p.dst = &t
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{{"min_importance", &q.MinImportance}, {"limit", &q.Limit}, {"budget", &q.Budget}} {
		s := v.Get(p.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, invalidParam(p.name, "must be an integer")
		}
		*p.dst = n
	}

	if s := v.Get("include_archived"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return q, invalidParam("include_archived", "must be a boolean")
		}
		q.IncludeArchived = b
	}
	return q, nil
}

func invalidParam(field, reason string) error {
	return &model.InvalidQueryError{Cause: &model.ValidationError{Field: field, Reason: reason}}
}
