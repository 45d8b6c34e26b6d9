// Package metricstore holds ingested metric points per run and serves
// bucketed aggregate queries with a bounded output size.
//
// Points are kept grouped by metric name in arrival order. There is no
// uniqueness constraint on (name, step) — resumed runs legitimately log
// the same step twice.
package metricstore

import (
	"sort"
	"sync"

	"github.com/kiroku-ml/kiroku/internal/model"
)

// DefaultMaxPoints is the query downsampling target when the caller does
// not specify one.
const DefaultMaxPoints = 1000

// runSeries is the per-run point storage, grouped by metric name.
type runSeries struct {
	byName map[string][]model.MetricPoint
}

// Store is the in-memory metric point store. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*runSeries
}

// New creates an empty store.
func New() *Store {
	return &Store{runs: make(map[string]*runSeries)}
}

// Append inserts points for a run in arrival order. Pure insert; the
// caller has already passed the points through cardinality filtering.
func (s *Store) Append(runID string, points []model.MetricPoint) {
	if len(points) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		run = &runSeries{byName: make(map[string][]model.MetricPoint)}
		s.runs[runID] = run
	}
	for _, p := range points {
		run.byName[p.Name] = append(run.byName[p.Name], p)
	}
}

// Names returns the sorted metric names recorded for a run.
func (s *Store) Names(runID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(run.byName))
	for name := range run.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QueryParams selects and bounds a metric query.
type QueryParams struct {
	// Names restricts the query; empty means all of the run's metrics.
	// Requested names with no recorded points are silently omitted.
	Names []string
	// MaxPoints bounds the per-series output size. <=0 uses the default.
	MaxPoints int
	// StartStep/EndStep filter points to an inclusive step range.
	StartStep *int64
	EndStep   *int64
}

// Query returns one aggregated series per selected metric, sorted by name.
// Series at or under MaxPoints are returned as exact singleton aggregates;
// larger series are downsampled into at most MaxPoints buckets.
func (s *Store) Query(runID string, q QueryParams) []model.MetricSeries {
	maxPoints := q.MaxPoints
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil
	}

	var names []string
	if len(q.Names) == 0 {
		for name := range run.byName {
			names = append(names, name)
		}
	} else {
		for _, name := range q.Names {
			if _, exists := run.byName[name]; exists {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	series := make([]model.MetricSeries, 0, len(names))
	for _, name := range names {
		var filtered []model.MetricPoint
		for _, p := range run.byName[name] {
			if q.StartStep != nil && p.Step < *q.StartStep {
				continue
			}
			if q.EndStep != nil && p.Step > *q.EndStep {
				continue
			}
			filtered = append(filtered, p)
		}

		series = append(series, model.MetricSeries{
			Name:        name,
			Points:      Downsample(filtered, maxPoints),
			TotalPoints: len(filtered),
			Downsampled: len(filtered) > maxPoints,
		})
	}
	return series
}

// Summaries returns the last observed value and step per metric, sorted by
// name. Used by the run detail endpoint.
func (s *Store) Summaries(runID string) []model.MetricSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil
	}

	summaries := make([]model.MetricSummary, 0, len(run.byName))
	for name, points := range run.byName {
		if len(points) == 0 {
			continue
		}
		last := points[len(points)-1]
		summaries = append(summaries, model.MetricSummary{
			Name:      name,
			LastValue: last.Value,
			LastStep:  last.Step,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

// PointCount returns the total number of stored points for a run.
func (s *Store) PointCount(runID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return 0
	}
	total := 0
	for _, points := range run.byName {
		total += len(points)
	}
	return total
}

// ClearRun drops all stored points for a run.
func (s *Store) ClearRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}
