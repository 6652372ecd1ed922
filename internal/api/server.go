package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"CompareChat/internal/backend"
	"CompareChat/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server exposes comparisons over HTTP with Server-Sent Events
type Server struct {
	router   *chi.Mux
	registry *backend.Registry
	left     string
	right    string
	store    *store.Store
	logger   *slog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithStore enables the read-only session routes
func WithStore(st *store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// NewServer creates a server comparing the left and right backends of registry by default
func NewServer(registry *backend.Registry, left, right string, logger *slog.Logger, opts ...Option) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		registry: registry,
		left:     left,
		right:    right,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/backends", s.backends)
		r.Post("/compare", s.compare)
		r.Post("/chat/{backend}", s.chat)
		if s.store != nil {
			r.Get("/sessions", s.listSessions)
			r.Get("/sessions/{id}", s.getSession)
		}
	})

	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) backends(w http.ResponseWriter, r *http.Request) {
	infos := make([]backend.Info, 0, s.registry.Count())
	for _, client := range s.registry.All() {
		infos = append(infos, client.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backends": infos,
		"left":     s.left,
		"right":    s.right,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListSessions(r.Context(), 50)
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.LoadSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to load session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
