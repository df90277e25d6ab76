package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/observe"
)

// HTTPServer serves the API until shut down.
type HTTPServer struct {
	server *http.Server
	obs    *observe.Observer
}

// NewHTTPServer creates a new HTTP server instance.
func NewHTTPServer(cfg config.ServerConfig, obs *observe.Observer, h *Handlers) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(cfg, obs, h),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		obs: obs,
	}
}

// Start blocks serving requests. It returns nil after Shutdown.
func (s *HTTPServer) Start() error {
	s.obs.Log().Info().Str("addr", s.server.Addr).Msg("starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.obs.Log().Error().Err(err).Msg("HTTP server failed")
		return fmt.Errorf("start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.obs.Log().Info().Msg("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	s.obs.Log().Info().Msg("HTTP server stopped")
	return nil
}
