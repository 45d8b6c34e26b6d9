package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/kiroku-ml/kiroku/internal/ingest"
	"github.com/kiroku-ml/kiroku/internal/model"
	"github.com/kiroku-ml/kiroku/internal/registry"
)

// HandleInitRun handles POST /api/v1/runs.
func (h *Handlers) HandleInitRun(w http.ResponseWriter, r *http.Request) {
	var req model.InitRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if !h.authorizeProject(w, r, req.ProjectID) {
		return
	}

	resp, err := h.svc.InitRun(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if resp.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, r, status, resp)
}

// HandleIngestBatch handles POST /api/v1/ingest/batch.
func (h *Handlers) HandleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req model.IngestBatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if !h.authorizeRun(w, r, req.RunID) {
		return
	}

	resp, err := h.svc.IngestBatch(r.Context(), req)
	if err != nil {
		var conflict *ingest.ConflictError
		switch {
		case errors.As(err, &conflict):
			h.recordBatchOutcome(r, "conflict", 0, 0)
		case errors.Is(err, registry.ErrNotRunning):
			h.recordBatchOutcome(r, "precondition_failed", 0, 0)
		}
		h.writeServiceError(w, r, err)
		return
	}

	outcome := "accepted"
	if resp.Duplicate {
		outcome = "duplicate"
	}
	h.recordBatchOutcome(r, outcome, resp.Accepted, resp.DroppedCount)

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleFinishRun handles POST /api/v1/runs/{run_id}/finish.
func (h *Handlers) HandleFinishRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !h.authorizeRun(w, r, runID) {
		return
	}

	// An empty body means a plain successful finish.
	var req model.FinishRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}

	status := model.RunStatusFinished
	if req.Status != "" {
		parsed, ok := model.ParseRunStatus(req.Status)
		if !ok {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown run status: "+req.Status)
			return
		}
		status = parsed
	}

	resp, err := h.svc.FinishRun(r.Context(), runID, status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleHeartbeat handles POST /api/v1/runs/{run_id}/heartbeat.
func (h *Handlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !h.authorizeRun(w, r, runID) {
		return
	}

	resp, err := h.svc.Heartbeat(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// authorizeRun resolves the run's project and checks the claims scope.
// Unknown runs pass through so the service can return the proper 404.
func (h *Handlers) authorizeRun(w http.ResponseWriter, r *http.Request, runID string) bool {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.ProjectID == "" {
		return true
	}
	run, err := h.svc.GetRun(r.Context(), runID)
	if err != nil {
		return true
	}
	return h.authorizeProject(w, r, run.ProjectID)
}
