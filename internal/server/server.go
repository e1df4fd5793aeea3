// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/noldarim/launchpad/internal/bus"
	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/orchestrator/models"
	"github.com/noldarim/launchpad/internal/orchestrator/services"

	"github.com/go-chi/chi/v5"
)

const defaultMaxBodyBytes = 1 << 20

// Deps are the services the API serves.
type Deps struct {
	Pipelines *services.PipelineService
	Users     *services.UserService
	Bus       *bus.Bus
	Version   string
}

// Server is the REST + SSE + WebSocket API server.
type Server struct {
	httpServer *http.Server
	registry   *ClientRegistry
}

// New creates and wires up the API server. It does NOT start listening —
// call Run() for that.
func New(cfg *config.AppConfig, deps Deps) *Server {
	registry := NewClientRegistry()
	streamer := NewRunStreamer(deps.Bus)
	handlers := NewHandlers(deps.Pipelines, deps.Users, streamer, deps.Version)

	maxBody := cfg.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.Server.AllowedOrigins))
	r.Use(MaxBodySize(maxBody))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handlers.Health)

		r.Group(func(r chi.Router) {
			r.Use(Identity(deps.Users, cfg.Auth.DevEmail))

			r.Get("/me", handlers.Me)

			// Pipelines
			r.Get("/pipelines", handlers.ListPipelines)
			r.With(RequireRole(models.RoleDev)).Post("/pipelines", handlers.CreatePipeline)

			r.Route("/pipelines/{id}", func(r chi.Router) {
				r.Get("/", handlers.GetPipeline)
				r.With(RequireRole(models.RoleDev)).Delete("/", handlers.DeletePipeline)
				r.Get("/runs", handlers.ListRuns)
				r.With(RequireRole(models.RoleDev)).Post("/runs", handlers.TriggerRun)
				r.Get("/logs", handlers.PipelineLogs)
			})

			// Runs
			r.Get("/runs/{id}", handlers.GetRun)
			r.Get("/runs/{id}/history", handlers.RunHistory)
			r.Get("/runs/{id}/events", handlers.RunEvents)

			// WebSocket
			r.Get("/ws", HandleWebSocket(registry, deps.Pipelines, streamer, cfg.Server.AllowedOrigins))

			// Administration
			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireRole(models.RoleAdmin))
				r.Get("/users", handlers.ListUsers)
				r.Put("/users/{id}/role", handlers.SetUserRole)
			})
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		registry: registry,
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. Blocks until the server is shut down or the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown gracefully stops the HTTP server. Open event streams are cut
// when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	getLog().Info().Int("ws_clients", s.registry.Len()).Msg("Shutting down API server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.httpServer.Close()
		return err
	}
	return nil
}
