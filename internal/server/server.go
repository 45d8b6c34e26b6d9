package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiroku-ml/kiroku/internal/auth"
	"github.com/kiroku-ml/kiroku/internal/ingest"
	"github.com/kiroku-ml/kiroku/internal/ratelimit"
	"github.com/kiroku-ml/kiroku/internal/sink"
	"github.com/kiroku-ml/kiroku/internal/telemetry"
)

// Server is the Kiroku HTTP server.
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

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Keystore, Sink, Limiter, Metrics.
type Config struct {
	// Required dependencies.
	Service *ingest.Service
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr   *auth.JWTManager
	Keystore *auth.Keystore
	Sink     sink.Sink
	Limiter  ratelimit.Limiter
	Metrics  *telemetry.IngestMetrics

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	SinkName            string
	MaxQueryPoints      int
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Service:             cfg.Service,
		JWTMgr:              cfg.JWTMgr,
		Keystore:            cfg.Keystore,
		Sink:                cfg.Sink,
		Metrics:             cfg.Metrics,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		SinkName:            cfg.SinkName,
		MaxQueryPoints:      cfg.MaxQueryPoints,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Ingest and query share a per-project limiter key; token exchange
	// is limited by client IP since it runs before authentication.
	apiRL := ratelimit.Middleware(cfg.Limiter, projectKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Run lifecycle and ingestion (rate limited).
	mux.Handle("POST /api/v1/runs", apiRL(http.HandlerFunc(h.HandleInitRun)))
	mux.Handle("POST /api/v1/ingest/batch", apiRL(http.HandlerFunc(h.HandleIngestBatch)))
	mux.Handle("POST /api/v1/runs/{run_id}/finish", apiRL(http.HandlerFunc(h.HandleFinishRun)))
	mux.Handle("POST /api/v1/runs/{run_id}/heartbeat", apiRL(http.HandlerFunc(h.HandleHeartbeat)))

	// Query endpoints (rate limited).
	mux.Handle("GET /api/v1/runs", apiRL(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /api/v1/runs/{run_id}", apiRL(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /api/v1/runs/{run_id}/metrics", apiRL(http.HandlerFunc(h.HandleQueryMetrics)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
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

// projectKeyFunc extracts the rate limit key from the request context.
// Scoped keys are limited per project; operator keys and auth-disabled
// deployments fall back to client IP.
func projectKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims != nil && claims.ProjectID != "" {
		return "project:" + claims.ProjectID
	}
	return ratelimit.IPKeyFunc(r)
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
