// Package api exposes the settlement engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/damocles-platform/settlementd/internal/domain"
	"github.com/damocles-platform/settlementd/internal/executor"
	"github.com/damocles-platform/settlementd/internal/leverage"
	"github.com/damocles-platform/settlementd/internal/negotiation"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, leverages *leverage.Service, orch *negotiation.Orchestrator, exec *executor.Executor, version string) *Server {
	handler := NewHandler(repo, cache, bus, leverages, orch, exec, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Settlement lifecycle
	router.Route("/settlements", func(r chi.Router) {
		r.Post("/", handler.CreateSettlement)
		r.Post("/negotiate", handler.AutoNegotiate)
		r.Get("/{id}", handler.GetSettlement)
		r.Get("/{id}/rounds", handler.ListNegotiationRounds)
		r.Post("/{id}/accept", handler.AcceptSettlement)
		r.Post("/{id}/reject", handler.RejectSettlement)
		r.Post("/{id}/counter", handler.CounterSettlement)
		r.Post("/{id}/execute", handler.ExecuteSettlement)
	})

	// Leverage scoring
	router.Post("/leverage/score", handler.ScoreLeverage)
	router.Get("/creditors/{id}/leverage", handler.GetCreditorLeverage)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
