// Package model defines the core domain types for Kiroku.
//
// Types use strong typing (enums, time.Time) and avoid interface{}
// wherever possible. All maps and slices returned by the services are
// copies; callers never share mutable state with a registry table.
package model

import "time"

// RunStatus represents the lifecycle state of a tracked run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusFailed   RunStatus = "failed"
	RunStatusKilled   RunStatus = "killed"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusFinished, RunStatusFailed, RunStatusKilled:
		return true
	}
	return false
}

// ParseRunStatus converts a wire string into a RunStatus.
func ParseRunStatus(s string) (RunStatus, bool) {
	switch RunStatus(s) {
	case RunStatusRunning, RunStatusFinished, RunStatusFailed, RunStatusKilled:
		return RunStatus(s), true
	}
	return "", false
}

// Run is the top-level execution context for one training/experiment job.
type Run struct {
	RunID        string            `json:"run_id"`
	ProjectID    string            `json:"project_id"`
	Name         *string           `json:"name,omitempty"`
	Status       RunStatus         `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	MetricsCount uint64            `json:"metrics_count"`
	ParamsCount  uint64            `json:"params_count"`
	Tags         map[string]string `json:"tags"`
}

// Duration returns the wall-clock span between creation and the last update.
func (r Run) Duration() time.Duration {
	return r.UpdatedAt.Sub(r.CreatedAt)
}

// MetricPoint is an append-only numeric measurement within a run.
type MetricPoint struct {
	Name      string   `json:"name"`
	Step      int64    `json:"step"`
	Value     float64  `json:"value"`
	Timestamp *float64 `json:"timestamp,omitempty"` // Unix seconds; client wall clock.
}

// Param is an immutable key-value pair logged at run start.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Tag is a mutable label on a run (upsert semantics, last write wins).
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AggregatedPoint is one downsampling bucket: derived, never stored.
type AggregatedPoint struct {
	Step  int64   `json:"step"` // Bucket start, not midpoint.
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// MetricSeries is the query result for a single metric name.
type MetricSeries struct {
	Name        string            `json:"name"`
	Points      []AggregatedPoint `json:"points"`
	TotalPoints int               `json:"total_points"` // Before downsampling.
	Downsampled bool              `json:"downsampled"`
}

// MetricSummary is the latest observation of one metric, used in run detail.
type MetricSummary struct {
	Name      string  `json:"name"`
	LastValue float64 `json:"last_value"`
	LastStep  int64   `json:"last_step"`
}

// BatchRecord is one idempotency ledger entry, keyed by (run_id, batch_id).
// Immutable after creation; a reused batch_id with a different payload hash
// is a conflict, never an overwrite.
type BatchRecord struct {
	ProjectID   string    `json:"project_id"`
	RunID       string    `json:"run_id"`
	BatchID     string    `json:"batch_id"`
	Seq         int64     `json:"seq"`
	PayloadHash string    `json:"payload_hash"`
	MetricCount int       `json:"metric_count"`
	ParamCount  int       `json:"param_count"`
	TagCount    int       `json:"tag_count"`
	CreatedAt   time.Time `json:"created_at"`
}
