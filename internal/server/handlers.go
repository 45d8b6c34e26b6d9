package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/kiroku-ml/kiroku/internal/auth"
	"github.com/kiroku-ml/kiroku/internal/ingest"
	"github.com/kiroku-ml/kiroku/internal/model"
	"github.com/kiroku-ml/kiroku/internal/registry"
	"github.com/kiroku-ml/kiroku/internal/sink"
	"github.com/kiroku-ml/kiroku/internal/telemetry"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *ingest.Service
	jwtMgr              *auth.JWTManager
	keystore            *auth.Keystore
	sink                sink.Sink
	metrics             *telemetry.IngestMetrics
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	sinkName            string
	maxQueryPoints      int
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): JWTMgr, Keystore, Sink, Metrics.
type HandlersDeps struct {
	Service             *ingest.Service
	JWTMgr              *auth.JWTManager
	Keystore            *auth.Keystore
	Sink                sink.Sink
	Metrics             *telemetry.IngestMetrics
	Logger              *slog.Logger
	Version             string
	SinkName            string
	MaxQueryPoints      int
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		svc:                 d.Service,
		jwtMgr:              d.JWTMgr,
		keystore:            d.Keystore,
		sink:                d.Sink,
		metrics:             d.Metrics,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		sinkName:            d.SinkName,
		maxQueryPoints:      d.MaxQueryPoints,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token: exchanges an API key for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.jwtMgr == nil || h.keystore == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "authentication is disabled")
		return
	}

	var req model.TokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	key, err := h.keystore.Authenticate(req.KeyID, req.APIKey)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(key)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	if h.sink != nil {
		if err := h.sink.Ping(r.Context()); err != nil {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	_, total := h.svc.ListRuns(r.Context(), registry.ListFilter{Limit: 1, Status: model.RunStatusRunning})

	resp := model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Sink:          h.sinkName,
		ActiveRuns:    total,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	writeJSON(w, r, httpStatus, resp)
}

// writeInternalError logs the underlying error and returns an opaque 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeServiceError maps ingest service errors to HTTP status codes.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *ingest.ConflictError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.Is(err, registry.ErrNotRunning):
		writeError(w, r, http.StatusPreconditionFailed, model.ErrCodePreconditionFailed, "run is not running")
	case errors.As(err, &conflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, conflict.Error())
	case errors.Is(err, ingest.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.writeInternalError(w, r, "internal error", err)
	}
}

// authorizeProject checks whether the request's claims may touch projectID.
// With auth disabled (no claims in context) everything is allowed.
func (h *Handlers) authorizeProject(w http.ResponseWriter, r *http.Request, projectID string) bool {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.CanAccess(projectID) {
		return true
	}
	writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "key is not scoped to this project")
	return false
}

// recordBatchOutcome feeds the ingestion instruments. No-op provider when
// OTEL is disabled.
func (h *Handlers) recordBatchOutcome(r *http.Request, outcome string, accepted int64, dropped int) {
	if h.metrics == nil {
		return
	}
	ctx := r.Context()
	h.metrics.BatchesTotal.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	if accepted > 0 {
		h.metrics.PointsAccepted.Add(ctx, accepted)
	}
	if dropped > 0 {
		h.metrics.ItemsDropped.Add(ctx, int64(dropped))
	}
}
