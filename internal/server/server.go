// Package server exposes a running instance over HTTP/JSON.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/kittclouds/kittgraph/internal/app"
	"github.com/kittclouds/kittgraph/internal/config"
)

// Server represents the HTTP server
type Server struct {
	app    *app.App
	logger zerolog.Logger
	router *chi.Mux

	httpServer *http.Server
	listener   net.Listener
	closed     atomic.Bool
}

// New creates a new server instance
func New(a *app.App, logger zerolog.Logger) *Server {
	s := &Server{
		app:    a,
		logger: logger.With().Str("component", "server").Logger(),
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(hlog.NewHandler(s.logger))
	s.router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/notes", func(r chi.Router) {
			r.Post("/", s.handleCreateNote)
			r.Get("/", s.handleListNotes)
			r.Get("/{id}", s.handleGetNote)
			r.Put("/{id}", s.handleUpdateNote)
			r.Delete("/{id}", s.handleDeleteNote)
		})
		r.Route("/folders", func(r chi.Router) {
			r.Post("/", s.handleCreateFolder)
			r.Get("/", s.handleListFolders)
			r.Get("/{id}", s.handleGetFolder)
			r.Put("/{id}", s.handleUpdateFolder)
			r.Delete("/{id}", s.handleDeleteFolder)
		})
		r.Route("/entities", func(r chi.Router) {
			r.Post("/", s.handleUpsertEntity)
			r.Get("/", s.handleListEntities)
			r.Get("/{id}", s.handleGetEntity)
			r.Put("/{id}", s.handleUpsertEntity)
			r.Delete("/{id}", s.handleDeleteEntity)
		})
		r.Route("/edges", func(r chi.Router) {
			r.Post("/", s.handleCreateEdge)
			r.Get("/", s.handleListEdges)
			r.Get("/{id}", s.handleGetEdge)
			r.Delete("/{id}", s.handleDeleteEdge)
		})

		r.Post("/search", s.handleSearch)
		r.Post("/mentions", s.handleMentions)
		r.Delete("/search/cache", s.handlePurgeCache)

		r.Route("/graph", func(r chi.Router) {
			r.Get("/stats", s.handleGraphStats)
			r.Get("/snapshot", s.handleGraphSnapshot)
			r.Get("/top", s.handleGraphTop)
			r.Get("/nodes/{id}", s.handleGraphNode)
			r.Get("/nodes/{id}/links", s.handleGraphLinks)
			r.Get("/nodes/{id}/subgraph", s.handleGraphSubgraph)
			r.Put("/threshold", s.handleSetThreshold)
			r.Post("/recompute", s.handleRecompute)
		})

		r.Post("/sync/flush", s.handleFlush)
		r.Get("/sync/metrics", s.handleMetrics)

		r.Put("/embeddings/{id}", s.handleUpsertEmbedding)
		r.Delete("/embeddings/{id}", s.handleDeleteEmbedding)
	})
}

// Handler returns the HTTP handler (useful for testing)
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := s.app.Config.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("starting server")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.app.Sync.State().Hydrated {
		status = "hydrating"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":  status,
		"version": config.Version,
		"pending": s.app.Sync.HasPendingChanges(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": config.Version,
	})
}
