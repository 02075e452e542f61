// Package server sets up the HTTP router, middleware, and request handlers
// for Luthien's ingress endpoints.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/luthienresearch/luthien/internal/config"
	"github.com/luthienresearch/luthien/internal/eventbus"
	"github.com/luthienresearch/luthien/internal/orchestrator"
	"github.com/luthienresearch/luthien/internal/policyhotswap"
	"github.com/luthienresearch/luthien/internal/upstream"
)

// Server holds the HTTP router and every dependency handlers need; the
// router just dispatches to methods on it.
type Server struct {
	router chi.Router
	cfg    *config.Config

	// clients maps model name to the upstream.Client that serves it,
	// built at startup from the config's provider and model lists.
	clients map[string]upstream.Client

	orch   *orchestrator.Orchestrator
	policy *policyhotswap.Handle
	broker *eventbus.Broker
	tracer trace.Tracer
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, clients map[string]upstream.Client, orch *orchestrator.Orchestrator, policy *policyhotswap.Handle, broker *eventbus.Broker, tracer trace.Tracer) *Server {
	s := &Server{
		cfg:     cfg,
		clients: clients,
		orch:    orch,
		policy:  policy,
		broker:  broker,
		tracer:  tracer,
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.maxBodyBytes)

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/messages", s.handleMessages)

	r.Get("/v1/events", s.handleGlobalEvents)
	r.Get("/v1/calls/{callID}/events", s.handleCallEvents)

	s.router = r
}

// maxBodyBytes enforces the configurable request size cap, returning 413
// once the limit is exceeded rather than letting an oversized body exhaust
// memory. http.MaxBytesReader is the stdlib's own answer to this, so no
// middleware dependency is involved.
func (s *Server) maxBodyBytes(next http.Handler) http.Handler {
	limit := s.cfg.Server.MaxBodyBytes
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limit > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
