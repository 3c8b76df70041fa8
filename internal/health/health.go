// Package health exposes readiness and history endpoints over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/autolang/internal/history"
)

// Status is reported by the /health endpoint.
type Status struct {
	Ready       bool      `json:"ready"`
	QueueLength int       `json:"queue_length"`
	LastRefresh time.Time `json:"last_refresh"`
}

// Server serves the health endpoints.
type Server struct {
	bind    string
	status  func() Status
	history *history.Store
	router  chi.Router
}

// New builds the health server. status is polled per request; store may
// be nil when history is disabled.
func New(bind string, status func() Status, store *history.Store) *Server {
	s := &Server{
		bind:    bind,
		status:  status,
		history: store,
		router:  chi.NewRouter(),
	}
	s.router.Use(middleware.Recoverer)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/history", s.handleHistory)
	return s
}

// Start serves until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.bind,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.bind).Msg("Starting health server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down health server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.status().Ready {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	entries, err := s.history.Recent(r.Context(), 100)
	if err != nil {
		log.Error().Err(err).Msg("Unable to query history")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Unable to encode response")
	}
}
