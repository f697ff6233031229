package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kanshi/internal/breaker"
	"github.com/ashita-ai/kanshi/internal/pipeline"
	"github.com/ashita-ai/kanshi/internal/ratelimit"
	"github.com/ashita-ai/kanshi/internal/rules"
	"github.com/ashita-ai/kanshi/internal/storage"
)

// Server is the Kanshi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Limiter, Dispatcher, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store     storage.Store
	Pipeline  *pipeline.Pipeline
	RuleCache *rules.Cache
	Breakers  *breaker.Controller
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Dispatcher  *pipeline.Dispatcher
	Broker      *Broker
	Limiter     ratelimit.Limiter
	OpenAPISpec []byte

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Pipeline:            cfg.Pipeline,
		Dispatcher:          cfg.Dispatcher,
		RuleCache:           cfg.RuleCache,
		Breakers:            cfg.Breakers,
		Broker:              cfg.Broker,
		Limiter:             cfg.Limiter,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Query endpoints are limited by client IP. Ingest carries its own
	// per-app limit inside the handler, keyed by the decoded app_id.
	queryRL := ratelimit.Middleware(cfg.Limiter, "query", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Ingestion.
	mux.HandleFunc("POST /v1/interactions", h.HandleIngest)

	// Breaker and recent activity queries (rate limited by IP).
	mux.Handle("GET /v1/apps/{app_id}/breaker", queryRL(http.HandlerFunc(h.HandleBreakerState)))
	mux.Handle("GET /v1/apps/{app_id}/verdicts", queryRL(http.HandlerFunc(h.HandleRecentVerdicts)))
	mux.Handle("GET /v1/apps/{app_id}/drift", queryRL(http.HandlerFunc(h.HandleRecentDrift)))
	mux.Handle("GET /v1/apps/{app_id}/transitions", queryRL(http.HandlerFunc(h.HandleRecentTransitions)))

	// Rule management.
	mux.Handle("POST /v1/rules/refresh", queryRL(http.HandlerFunc(h.HandleRulesRefresh)))

	// Event stream (no rate limit; long-lived connection).
	mux.HandleFunc("GET /v1/stream", h.HandleSubscribe)

	// Health and API documentation (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	// Authentication is owned by the fronting gateway, not this process.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
