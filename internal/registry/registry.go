// Package registry owns run identity and lifecycle state.
//
// The registry is the single authority on which runs exist and whether a
// run may still accept mutations. Every other ingestion component
// validates against it. State is an in-process table guarded by one
// reader/writer lock; readers (list, get) proceed concurrently and are
// excluded only by writers.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiroku-ml/kiroku/internal/model"
)

var (
	// ErrNotFound is returned when a referenced run does not exist.
	ErrNotFound = errors.New("registry: run not found")
	// ErrNotRunning is returned when a mutating operation targets a run
	// that has already reached a terminal status.
	ErrNotRunning = errors.New("registry: run is not running")
	// ErrInvalidStatus is returned when Finish is called with a
	// non-terminal target status.
	ErrInvalidStatus = errors.New("registry: status is not terminal")
)

// MaxListLimit caps the page size of List.
const MaxListLimit = 1000

// DefaultListLimit is used when the caller does not specify a limit.
const DefaultListLimit = 100

// Registry is the in-memory run table. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*model.Run

	// now is swappable for tests that pin timestamps.
	now func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		runs: make(map[string]*model.Run),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// InitRun creates a run, or returns the existing one unchanged when the id
// is already known (idempotent create, resumed=true). An empty runID asks
// the registry to generate a time-sortable UUIDv7.
func (r *Registry) InitRun(runID, projectID string, name *string, tags map[string]string) (model.Run, bool, error) {
	if projectID == "" {
		return model.Run{}, false, errors.New("registry: project_id is required")
	}
	if runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return model.Run{}, false, fmt.Errorf("registry: generate run id: %w", err)
		}
		runID = id.String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.runs[runID]; ok {
		return cloneRun(existing), true, nil
	}

	now := r.now()
	run := &model.Run{
		RunID:     runID,
		ProjectID: projectID,
		Name:      name,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      make(map[string]string, len(tags)),
	}
	for k, v := range tags {
		run.Tags[k] = v
	}
	r.runs[runID] = run
	return cloneRun(run), false, nil
}

// Get returns a copy of the run, or ErrNotFound.
func (r *Registry) Get(runID string) (model.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok {
		return model.Run{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return cloneRun(run), nil
}

// UpdateCounters advances the monotonically increasing metric/param
// counters. The run must exist and still be running; a terminal run
// returns ErrNotRunning so callers surface PreconditionFailed.
func (r *Registry) UpdateCounters(runID string, deltaMetrics, deltaParams uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if run.Status != model.RunStatusRunning {
		return fmt.Errorf("%w: %s (status: %s)", ErrNotRunning, runID, run.Status)
	}

	run.MetricsCount += deltaMetrics
	run.ParamsCount += deltaParams
	run.UpdatedAt = r.now()
	return nil
}

// MergeTags upserts and removes tags on a run. Upserts always apply (last
// write wins per key); removals only delete keys that exist. Returns the
// applied and removed counts. Tag updates on a terminal run are accepted
// as harmless no-op-equivalents, matching heartbeat semantics.
func (r *Registry) MergeTags(runID string, upserts map[string]string, removals []string) (applied, removed int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	for k, v := range upserts {
		run.Tags[k] = v
		applied++
	}
	for _, k := range removals {
		if _, ok := run.Tags[k]; ok {
			delete(run.Tags, k)
			removed++
		}
	}
	run.UpdatedAt = r.now()
	return applied, removed, nil
}

// Finish moves a run to a terminal status and stamps updated_at, returning
// the computed duration and final counters. Finishing an already-terminal
// run is accepted and simply re-stamps, including transitions between
// terminal statuses; a terminal run never re-enters Running.
func (r *Registry) Finish(runID string, status model.RunStatus) (model.Run, error) {
	if !status.IsTerminal() {
		return model.Run{}, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return model.Run{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	run.Status = status
	run.UpdatedAt = r.now()
	return cloneRun(run), nil
}

// Heartbeat advances updated_at only. Liveness, never content.
func (r *Registry) Heartbeat(runID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	run.UpdatedAt = r.now()
	return run.UpdatedAt, nil
}

// ListFilter selects runs for List. Zero values mean "no filter".
type ListFilter struct {
	ProjectID string
	Status    model.RunStatus
	Limit     int
	Offset    int
}

// List returns runs matching the filter, sorted by created_at descending,
// along with the total match count before pagination.
func (r *Registry) List(f ListFilter) ([]model.Run, int) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	r.mu.RLock()
	matched := make([]*model.Run, 0, len(r.runs))
	for _, run := range r.runs {
		if f.ProjectID != "" && run.ProjectID != f.ProjectID {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		matched = append(matched, run)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		// Stable order for runs created in the same instant.
		return matched[i].RunID > matched[j].RunID
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]model.Run, 0, end-offset)
	for _, run := range matched[offset:end] {
		page = append(page, cloneRun(run))
	}
	r.mu.RUnlock()

	return page, total
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

func cloneRun(run *model.Run) model.Run {
	out := *run
	out.Tags = make(map[string]string, len(run.Tags))
	for k, v := range run.Tags {
		out.Tags[k] = v
	}
	return out
}
