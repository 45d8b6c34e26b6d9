package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kiroku-ml/kiroku/internal/metricstore"
	"github.com/kiroku-ml/kiroku/internal/model"
	"github.com/kiroku-ml/kiroku/internal/registry"
)

// HandleListRuns handles GET /api/v1/runs.
// Query params: project_id, status, limit, offset.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := registry.ListFilter{
		ProjectID: q.Get("project_id"),
	}
	if s := q.Get("status"); s != "" {
		status, ok := model.ParseRunStatus(s)
		if !ok {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown run status: "+s)
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = queryInt(q.Get("limit"), registry.DefaultListLimit); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be an integer")
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset"), 0); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "offset must be an integer")
		return
	}

	// Project-scoped keys only see their own project, regardless of filter.
	if claims := ClaimsFromContext(r.Context()); claims != nil && claims.ProjectID != "" {
		if filter.ProjectID != "" && filter.ProjectID != claims.ProjectID {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "key is not scoped to this project")
			return
		}
		filter.ProjectID = claims.ProjectID
	}

	runs, total := h.svc.ListRuns(r.Context(), filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = registry.DefaultListLimit
	}
	if limit > registry.MaxListLimit {
		limit = registry.MaxListLimit
	}
	writeJSON(w, r, http.StatusOK, model.ListRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: max(filter.Offset, 0),
	})
}

// HandleGetRun handles GET /api/v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	run, err := h.svc.GetRun(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if !h.authorizeProject(w, r, run.ProjectID) {
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleQueryMetrics handles GET /api/v1/runs/{run_id}/metrics.
// Query params: names (comma-separated), max_points, start_step, end_step.
func (h *Handlers) HandleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !h.authorizeRun(w, r, runID) {
		return
	}

	q := r.URL.Query()
	params := metricstore.QueryParams{}

	if names := q.Get("names"); names != "" {
		for _, name := range strings.Split(names, ",") {
			if trimmed := strings.TrimSpace(name); trimmed != "" {
				params.Names = append(params.Names, trimmed)
			}
		}
	}

	maxPoints, err := queryInt(q.Get("max_points"), h.maxQueryPoints)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "max_points must be an integer")
		return
	}
	if maxPoints <= 0 || maxPoints > h.maxQueryPoints {
		maxPoints = h.maxQueryPoints
	}
	params.MaxPoints = maxPoints

	if v := q.Get("start_step"); v != "" {
		start, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "start_step must be an integer")
			return
		}
		params.StartStep = &start
	}
	if v := q.Get("end_step"); v != "" {
		end, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "end_step must be an integer")
			return
		}
		params.EndStep = &end
	}

	resp, err := h.svc.QueryMetrics(r.Context(), runID, params)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
