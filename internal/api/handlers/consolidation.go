package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/felixgeelhaar/bolt/v3"

	"github.com/rcliao/tiered-memory/internal/api/middleware"
	"github.com/rcliao/tiered-memory/internal/api/response"
	"github.com/rcliao/tiered-memory/internal/consolidate"
	"github.com/rcliao/tiered-memory/internal/model"
)

// Consolidator runs the consolidation procedures on demand.
type Consolidator interface {
	RunNightly(ctx context.Context) (*consolidate.NightlyStats, error)
	RunWeekly(ctx context.Context) (*consolidate.WeeklyStats, error)
}

// ConsolidationHandler triggers consolidation runs.
type ConsolidationHandler struct {
	engine Consolidator
	log    *bolt.Logger
}

// NewConsolidationHandler creates a new consolidation handler.
func NewConsolidationHandler(engine Consolidator, log *bolt.Logger) *ConsolidationHandler {
	return &ConsolidationHandler{engine: engine, log: log}
}

// Nightly handles POST /api/v1/consolidation/nightly
func (h *ConsolidationHandler) Nightly(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.RunNightly(r.Context())
	h.respond(w, r, "nightly", stats, err)
}

// Weekly handles POST /api/v1/consolidation/weekly
func (h *ConsolidationHandler) Weekly(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.RunWeekly(r.Context())
	h.respond(w, r, "weekly", stats, err)
}

// respond reports a run. Per-item failures travel inside the stats, so any
// error here means the run itself did not complete.
func (h *ConsolidationHandler) respond(w http.ResponseWriter, r *http.Request, procedure string, stats interface{}, err error) {
	if err == nil {
		response.JSON(w, http.StatusOK, stats)
		return
	}
	if !errors.Is(err, model.ErrAlreadyRunning) {
		h.log.Error().Err(err).Str("procedure", procedure).Msg("consolidation failed")
	}
	response.HandleError(w, err, middleware.GetRequestID(r.Context()))
}
