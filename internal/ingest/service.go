// Package ingest implements the ingestion orchestrator: the single entry
// point through which every batch flows.
//
// Per batch the order is fixed: resolve the run → idempotency
// classification → cardinality filtering → registry counters/tags →
// metric store append → durable sink forward. Each step consumes only the
// previous step's already-filtered output, so cross-component consistency
// never depends on shared state. Duplicate and conflict detection happen
// strictly before any mutation, guaranteeing at-most-once application of
// a batch's side effects.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kiroku-ml/kiroku/internal/cardinality"
	"github.com/kiroku-ml/kiroku/internal/idempotency"
	"github.com/kiroku-ml/kiroku/internal/metricstore"
	"github.com/kiroku-ml/kiroku/internal/model"
	"github.com/kiroku-ml/kiroku/internal/registry"
	"github.com/kiroku-ml/kiroku/internal/sink"
)

// ErrInvalidInput is returned when a required identifier is missing or
// malformed. No side effects have been performed.
var ErrInvalidInput = errors.New("ingest: invalid input")

// ConflictError reports a batch id reused with different content. The
// caller must treat this as a client bug and not retry with the same id.
type ConflictError struct {
	BatchID      string
	ExpectedHash string
	ActualHash   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ingest: batch %s conflicts with existing batch (expected hash %s, got %s)",
		e.BatchID, e.ExpectedHash, e.ActualHash)
}

// Service sequences the ingestion components. It owns none of their
// state — it only orchestrates calls and aggregates results.
type Service struct {
	registry *registry.Registry
	ledger   *idempotency.Ledger
	guard    *cardinality.Guard
	metrics  *metricstore.Store
	sink     sink.Sink
	logger   *slog.Logger
}

// Deps holds the service's collaborators. Sink may be nil (treated as disabled).
type Deps struct {
	Registry *registry.Registry
	Ledger   *idempotency.Ledger
	Guard    *cardinality.Guard
	Metrics  *metricstore.Store
	Sink     sink.Sink
	Logger   *slog.Logger
}

// New creates the orchestrator.
func New(d Deps) *Service {
	s := &Service{
		registry: d.Registry,
		ledger:   d.Ledger,
		guard:    d.Guard,
		metrics:  d.Metrics,
		sink:     d.Sink,
		logger:   d.Logger,
	}
	if s.sink == nil {
		s.sink = sink.Noop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// InitRun creates or resumes a run. Idempotent: a second call with the
// same explicit run id returns the existing run flagged resumed, with
// counters and tags intact.
func (s *Service) InitRun(ctx context.Context, req model.InitRunRequest) (model.InitRunResponse, error) {
	if err := model.ValidateProjectID(req.ProjectID); err != nil {
		return model.InitRunResponse{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if err := model.ValidateRunID(req.RunID); err != nil {
		return model.InitRunResponse{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	run, resumed, err := s.registry.InitRun(req.RunID, req.ProjectID, req.Name, req.Tags)
	if err != nil {
		return model.InitRunResponse{}, err
	}

	if !resumed {
		s.forwardRun(ctx, run)
		s.logger.Info("run initialized",
			"run_id", run.RunID, "project_id", run.ProjectID)
	} else {
		s.logger.Debug("run resumed", "run_id", run.RunID)
	}

	return model.InitRunResponse{
		RunID:      run.RunID,
		Resumed:    resumed,
		ServerTime: time.Now().UTC(),
	}, nil
}

// IngestBatch processes one batch end to end and returns its outcome.
//
// The batch record is written to the idempotency ledger before the
// run-status precondition check: a batch that fails because the run has
// since finished stays recorded, so a retry of the same batch returns
// duplicate instead of hammering a precondition that can never succeed
// again.
func (s *Service) IngestBatch(ctx context.Context, req model.IngestBatchRequest) (model.IngestBatchResponse, error) {
	if req.RunID == "" {
		return model.IngestBatchResponse{}, fmt.Errorf("%w: run_id is required", ErrInvalidInput)
	}
	if len(req.BatchID) > model.MaxBatchIDLen {
		return model.IngestBatchResponse{}, fmt.Errorf("%w: batch_id exceeds maximum length of %d characters",
			ErrInvalidInput, model.MaxBatchIDLen)
	}

	run, err := s.registry.Get(req.RunID)
	if err != nil {
		return model.IngestBatchResponse{}, err
	}

	batchID := req.BatchID
	if batchID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return model.IngestBatchResponse{}, fmt.Errorf("ingest: generate batch id: %w", err)
		}
		batchID = id.String()
	}
	var seq int64
	if req.Seq != nil {
		seq = *req.Seq
	}

	hash := idempotency.PayloadHash(req.Metrics, req.Params, req.Tags)
	outcome := s.ledger.CheckAndRecord(run.ProjectID, req.RunID, batchID, seq, hash, idempotency.Counts{
		Metrics: len(req.Metrics),
		Params:  len(req.Params),
		Tags:    len(req.Tags),
	})

	var warnings []string
	switch outcome.Kind {
	case idempotency.Duplicate:
		s.logger.Debug("duplicate batch", "run_id", req.RunID, "batch_id", batchID)
		return model.IngestBatchResponse{Accepted: 0, Duplicate: true}, nil
	case idempotency.Conflict:
		s.logger.Warn("conflicting batch",
			"run_id", req.RunID, "batch_id", batchID,
			"expected_hash", outcome.ExpectedHash, "actual_hash", outcome.ActualHash)
		return model.IngestBatchResponse{}, &ConflictError{
			BatchID:      batchID,
			ExpectedHash: outcome.ExpectedHash,
			ActualHash:   outcome.ActualHash,
		}
	case idempotency.OutOfOrder:
		warnings = append(warnings, fmt.Sprintf(
			"batch received out of order (expected seq >= %d, got %d)",
			outcome.ExpectedSeq, outcome.ActualSeq))
	}

	metricNames := distinctNames(req.Metrics)
	validation := s.guard.ValidateBatch(run.ProjectID, req.RunID, req.Tags, metricNames)
	warnings = append(warnings, validation.Warnings...)

	if validation.HasDrops() {
		admitted, observed, _ := s.guard.ProjectStats(run.ProjectID)
		s.logger.Warn("cardinality limits dropped items",
			"project_id", run.ProjectID, "run_id", req.RunID,
			"dropped_tags", len(validation.DroppedTags),
			"dropped_metrics", len(validation.DroppedMetrics),
			"admitted_pairs", admitted,
			"observed_pairs_estimate", observed)
	}

	acceptedNames := make(map[string]struct{}, len(validation.AcceptedMetrics))
	for _, name := range validation.AcceptedMetrics {
		acceptedNames[name] = struct{}{}
	}
	acceptedPoints := make([]model.MetricPoint, 0, len(req.Metrics))
	for _, p := range req.Metrics {
		if _, ok := acceptedNames[p.Name]; ok {
			acceptedPoints = append(acceptedPoints, p)
		}
	}

	// Precondition check: only a Running run takes counter mutations. The
	// batch record above survives this failure deliberately.
	if err := s.registry.UpdateCounters(req.RunID, uint64(len(acceptedPoints)), uint64(len(req.Params))); err != nil {
		return model.IngestBatchResponse{}, err
	}

	if len(validation.AcceptedTags) > 0 {
		upserts := make(map[string]string, len(validation.AcceptedTags))
		for _, tag := range validation.AcceptedTags {
			upserts[tag.Key] = tag.Value
		}
		if _, _, err := s.registry.MergeTags(req.RunID, upserts, nil); err != nil {
			return model.IngestBatchResponse{}, err
		}
	}

	s.metrics.Append(req.RunID, acceptedPoints)

	s.forwardBatch(ctx, req.RunID, batchID, seq, hash, req, acceptedPoints)

	accepted := int64(len(acceptedPoints) + len(req.Params) + len(validation.AcceptedTags))
	s.logger.Debug("ingested batch",
		"run_id", req.RunID, "batch_id", batchID, "seq", seq,
		"accepted", accepted,
		"dropped_tags", len(validation.DroppedTags),
		"dropped_metrics", len(validation.DroppedMetrics))

	return model.IngestBatchResponse{
		Accepted:     accepted,
		Duplicate:    false,
		Warnings:     warnings,
		DroppedCount: len(validation.DroppedTags) + len(validation.DroppedMetrics),
	}, nil
}

// FinishRun moves a run to a terminal status and returns the computed
// duration and final counters. Repeated finishes re-stamp; the per-run
// cardinality sets are released since a terminal run admits no new labels.
func (s *Service) FinishRun(ctx context.Context, runID string, status model.RunStatus) (model.FinishRunResponse, error) {
	if runID == "" {
		return model.FinishRunResponse{}, fmt.Errorf("%w: run_id is required", ErrInvalidInput)
	}

	run, err := s.registry.Finish(runID, status)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidStatus) {
			return model.FinishRunResponse{}, fmt.Errorf("%w: %s is not a terminal status", ErrInvalidInput, status)
		}
		return model.FinishRunResponse{}, err
	}

	s.guard.ClearRun(runID)
	s.forwardRun(ctx, run)

	s.logger.Info("run finished",
		"run_id", runID, "status", status,
		"duration_s", run.Duration().Seconds(), "metrics", run.MetricsCount)

	return model.FinishRunResponse{
		Status:          run.Status,
		DurationSeconds: run.Duration().Seconds(),
		TotalMetrics:    run.MetricsCount,
		TotalParams:     run.ParamsCount,
		FinishedAt:      run.UpdatedAt,
	}, nil
}

// Heartbeat advances the run's updated_at for liveness.
func (s *Service) Heartbeat(_ context.Context, runID string) (model.HeartbeatResponse, error) {
	if runID == "" {
		return model.HeartbeatResponse{}, fmt.Errorf("%w: run_id is required", ErrInvalidInput)
	}
	ts, err := s.registry.Heartbeat(runID)
	if err != nil {
		return model.HeartbeatResponse{}, err
	}
	return model.HeartbeatResponse{ServerTime: ts}, nil
}

// GetRun returns the run detail including per-metric summaries.
func (s *Service) GetRun(_ context.Context, runID string) (model.RunDetail, error) {
	run, err := s.registry.Get(runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	detail := toDetail(run)
	detail.MetricsSummary = s.metrics.Summaries(runID)
	return detail, nil
}

// ListRuns returns a created_at-descending page of runs and the total
// count of matches.
func (s *Service) ListRuns(_ context.Context, f registry.ListFilter) ([]model.RunDetail, int) {
	runs, total := s.registry.List(f)
	details := make([]model.RunDetail, len(runs))
	for i, run := range runs {
		details[i] = toDetail(run)
	}
	return details, total
}

// QueryMetrics serves the downsampled read path. It validates run
// existence against the registry and then queries the metric store
// directly, bypassing idempotency and cardinality.
func (s *Service) QueryMetrics(_ context.Context, runID string, q metricstore.QueryParams) (model.QueryMetricsResponse, error) {
	if _, err := s.registry.Get(runID); err != nil {
		return model.QueryMetricsResponse{}, err
	}
	return model.QueryMetricsResponse{
		RunID:            runID,
		Series:           s.metrics.Query(runID, q),
		AvailableMetrics: s.metrics.Names(runID),
	}, nil
}

// forwardRun pushes a run metadata snapshot to the durable sink. The
// in-memory model stays authoritative; sink failures are logged, never
// surfaced to the training job.
func (s *Service) forwardRun(ctx context.Context, run model.Run) {
	if err := s.sink.UpsertRun(ctx, run); err != nil {
		s.logger.Error("sink: upsert run failed", "run_id", run.RunID, "error", err)
	}
}

func (s *Service) forwardBatch(ctx context.Context, runID, batchID string, seq int64, hash string, req model.IngestBatchRequest, acceptedPoints []model.MetricPoint) {
	rec, ok := s.ledger.Batch(runID, batchID)
	if !ok {
		// CheckAndRecord just wrote it; missing means a concurrent ClearRun.
		rec = model.BatchRecord{
			RunID: runID, BatchID: batchID, Seq: seq, PayloadHash: hash,
			MetricCount: len(req.Metrics), ParamCount: len(req.Params), TagCount: len(req.Tags),
			CreatedAt: time.Now().UTC(),
		}
	}
	if err := s.sink.RecordBatch(ctx, rec); err != nil {
		s.logger.Error("sink: record batch failed", "run_id", runID, "batch_id", batchID, "error", err)
	}
	if err := s.sink.AppendPoints(ctx, runID, acceptedPoints); err != nil {
		s.logger.Error("sink: append points failed", "run_id", runID, "batch_id", batchID, "error", err)
	}
	if err := s.sink.UpsertParams(ctx, runID, req.Params); err != nil {
		s.logger.Error("sink: upsert params failed", "run_id", runID, "batch_id", batchID, "error", err)
	}
	if run, err := s.registry.Get(runID); err == nil {
		s.forwardRun(ctx, run)
	}
}

// distinctNames extracts the unique metric names of a batch in first-seen
// order, so quota evaluation is order-deterministic for a given batch.
func distinctNames(points []model.MetricPoint) []string {
	seen := make(map[string]struct{}, len(points))
	names := make([]string, 0, len(points))
	for _, p := range points {
		if _, ok := seen[p.Name]; ok {
			continue
		}
		seen[p.Name] = struct{}{}
		names = append(names, p.Name)
	}
	return names
}

func toDetail(run model.Run) model.RunDetail {
	return model.RunDetail{
		RunID:           run.RunID,
		ProjectID:       run.ProjectID,
		Name:            run.Name,
		Status:          run.Status,
		MetricsCount:    run.MetricsCount,
		ParamsCount:     run.ParamsCount,
		Tags:            run.Tags,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
		DurationSeconds: run.Duration().Seconds(),
	}
}
