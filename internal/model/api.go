package model

import (
	"fmt"
	"time"
)

// Identifier length limits. These bound what a caller-controlled string can
// put into log lines, sink columns, and the idempotency ledger key space.
const (
	MaxRunIDLen     = 128
	MaxProjectIDLen = 128
	MaxRunNameLen   = 512
	MaxBatchIDLen   = 128
)

// ValidateRunID checks a caller-supplied run identifier.
// Empty is allowed at init time (the server generates one).
func ValidateRunID(id string) error {
	if len(id) > MaxRunIDLen {
		return fmt.Errorf("run_id exceeds maximum length of %d characters", MaxRunIDLen)
	}
	return nil
}

// ValidateProjectID checks the required project identifier.
func ValidateProjectID(id string) error {
	if id == "" {
		return fmt.Errorf("project_id is required")
	}
	if len(id) > MaxProjectIDLen {
		return fmt.Errorf("project_id exceeds maximum length of %d characters", MaxProjectIDLen)
	}
	return nil
}

// APIResponse is the standard envelope for single-object responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodePreconditionFailed = "PRECONDITION_FAILED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
)

// TokenRequest is the request body for POST /auth/token.
type TokenRequest struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

// TokenResponse carries the issued JWT.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InitRunRequest is the request body for POST /api/v1/runs.
type InitRunRequest struct {
	ProjectID string            `json:"project_id"`
	RunID     string            `json:"run_id,omitempty"`
	Name      *string           `json:"name,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// InitRunResponse is returned for both new and resumed runs.
type InitRunResponse struct {
	RunID      string    `json:"run_id"`
	Resumed    bool      `json:"resumed"`
	ServerTime time.Time `json:"server_time"`
	Warnings   []string  `json:"warnings,omitempty"`
}

// IngestBatchRequest is the request body for POST /api/v1/ingest/batch.
// BatchID and Seq are optional: the server generates a batch id (so the
// idempotency ledger always has a key) and defaults seq to 0.
type IngestBatchRequest struct {
	RunID   string        `json:"run_id"`
	BatchID string        `json:"batch_id,omitempty"`
	Seq     *int64        `json:"seq,omitempty"`
	Metrics []MetricPoint `json:"metrics"`
	Params  []Param       `json:"params"`
	Tags    []Tag         `json:"tags"`
}

// IngestBatchResponse reports the batch outcome. Warnings carry cardinality
// drops and out-of-order notices — degradation is surfaced, never silent.
type IngestBatchResponse struct {
	Accepted  int64    `json:"accepted"`
	Duplicate bool     `json:"duplicate"`
	Warnings  []string `json:"warnings,omitempty"`

	// DroppedCount is the number of tags and metric names removed by
	// cardinality limits. Internal, for instrumentation.
	DroppedCount int `json:"-"`
}

// FinishRunRequest is the request body for POST /api/v1/runs/{run_id}/finish.
type FinishRunRequest struct {
	Status string `json:"status"`
}

// FinishRunResponse carries the computed duration and final counters.
type FinishRunResponse struct {
	Status          RunStatus `json:"status"`
	DurationSeconds float64   `json:"duration_seconds"`
	TotalMetrics    uint64    `json:"total_metrics"`
	TotalParams     uint64    `json:"total_params"`
	FinishedAt      time.Time `json:"finished_at"`
}

// HeartbeatResponse acknowledges a liveness ping.
type HeartbeatResponse struct {
	ServerTime time.Time `json:"server_time"`
}

// RunDetail is the run representation returned by list and get endpoints.
type RunDetail struct {
	RunID           string            `json:"run_id"`
	ProjectID       string            `json:"project_id"`
	Name            *string           `json:"name,omitempty"`
	Status          RunStatus         `json:"status"`
	MetricsCount    uint64            `json:"metrics_count"`
	ParamsCount     uint64            `json:"params_count"`
	Tags            map[string]string `json:"tags"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	DurationSeconds float64           `json:"duration_seconds"`
	MetricsSummary  []MetricSummary   `json:"metrics_summary,omitempty"`
}

// ListRunsResponse is the paginated list envelope for GET /api/v1/runs.
type ListRunsResponse struct {
	Runs   []RunDetail `json:"runs"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Sink          string `json:"sink"`
	ActiveRuns    int    `json:"active_runs"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// QueryMetricsResponse is the body for GET /api/v1/runs/{run_id}/metrics.
type QueryMetricsResponse struct {
	RunID            string         `json:"run_id"`
	Series           []MetricSeries `json:"series"`
	AvailableMetrics []string       `json:"available_metrics"`
}
