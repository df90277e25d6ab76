package handlers

import (
	"context"
	"net/http"

	"github.com/rcliao/tiered-memory/internal/api/middleware"
	"github.com/rcliao/tiered-memory/internal/api/response"
	"github.com/rcliao/tiered-memory/internal/store"
)

// StoreInspector reports store liveness and size.
type StoreInspector interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context, dbPath string) (*store.Stats, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store  StoreInspector
	dbPath string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(s StoreInspector, dbPath string) *HealthHandler {
	return &HealthHandler{store: s, dbPath: dbPath}
}

// Health handles the /healthz endpoint.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Stats handles GET /api/v1/stats
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context(), h.dbPath)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, st)
}
