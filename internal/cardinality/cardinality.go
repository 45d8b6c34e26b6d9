// Package cardinality bounds label-space growth before it reaches storage.
//
// The guard tracks the distinct tag keys and metric names admitted per run
// and the distinct (key, value) tag pairs admitted per project. Membership,
// not frequency, drives the limits: an already-admitted item is always
// re-admitted, even after its quota is full. Excess items are dropped with
// a warning — a batch never fails on cardinality alone.
package cardinality

import (
	"fmt"
	"sync"

	"github.com/axiomhq/hyperloglog"

	"github.com/kiroku-ml/kiroku/internal/model"
)

// Limits configures the guard. All fields are overridable via config.
type Limits struct {
	MaxTagKeysPerRun     int
	MaxMetricNamesPerRun int
	MaxTagsPerProject    int
	MaxTagKeyLength      int
	MaxTagValueLength    int
	MaxMetricNameLength  int
}

// DefaultLimits mirrors the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxTagKeysPerRun:     100,
		MaxMetricNamesPerRun: 1000,
		MaxTagsPerProject:    10000,
		MaxTagKeyLength:      256,
		MaxTagValueLength:    1024,
		MaxMetricNameLength:  256,
	}
}

// Result reports which items of a batch were admitted.
type Result struct {
	AcceptedTags    []model.Tag
	AcceptedMetrics []string
	DroppedTags     []model.Tag
	DroppedMetrics  []string
	Warnings        []string
}

// HasDrops reports whether anything was dropped.
func (r Result) HasDrops() bool {
	return len(r.DroppedTags) > 0 || len(r.DroppedMetrics) > 0
}

// runSets tracks admitted membership for one run.
type runSets struct {
	tagKeys     map[string]struct{}
	metricNames map[string]struct{}
}

// projectSets tracks admitted membership for one project, plus an
// estimator of all *observed* pairs (admitted or dropped) so operators can
// compare incoming cardinality against what the guard let through.
type projectSets struct {
	tagPairs map[[2]string]struct{}
	observed *hyperloglog.Sketch
}

// Guard enforces cardinality limits. Safe for concurrent use.
type Guard struct {
	limits Limits

	mu       sync.Mutex
	runs     map[string]*runSets
	projects map[string]*projectSets
}

// New creates a guard with the given limits.
func New(limits Limits) *Guard {
	return &Guard{
		limits:   limits,
		runs:     make(map[string]*runSets),
		projects: make(map[string]*projectSets),
	}
}

// Limits returns the configured limits.
func (g *Guard) Limits() Limits {
	return g.limits
}

// ValidateBatch filters a batch's tags and metric names against the
// configured ceilings. Rules are evaluated per item, first violation wins:
// length checks, then the run's distinct-key (or distinct-name) quota,
// then the project's distinct-pair quota. One summary warning is emitted
// per violated-limit category per batch; length violations additionally
// warn per item. Admission sets only ever grow.
func (g *Guard) ValidateBatch(projectID, runID string, tags []model.Tag, metricNames []string) Result {
	var res Result

	g.mu.Lock()
	defer g.mu.Unlock()

	run, ok := g.runs[runID]
	if !ok {
		run = &runSets{
			tagKeys:     make(map[string]struct{}),
			metricNames: make(map[string]struct{}),
		}
		g.runs[runID] = run
	}
	project, ok := g.projects[projectID]
	if !ok {
		project = &projectSets{
			tagPairs: make(map[[2]string]struct{}),
			observed: hyperloglog.New14(),
		}
		g.projects[projectID] = project
	}

	var warnedRunKeys, warnedProjectPairs, warnedMetricNames bool

	for _, tag := range tags {
		project.observed.Insert([]byte(tag.Key + "\x00" + tag.Value))

		if len(tag.Key) > g.limits.MaxTagKeyLength {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"tag key %q exceeds max length %d", truncate(tag.Key, 32), g.limits.MaxTagKeyLength))
			res.DroppedTags = append(res.DroppedTags, tag)
			continue
		}
		if len(tag.Value) > g.limits.MaxTagValueLength {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"tag value for %q exceeds max length %d", tag.Key, g.limits.MaxTagValueLength))
			res.DroppedTags = append(res.DroppedTags, tag)
			continue
		}

		if _, seen := run.tagKeys[tag.Key]; !seen {
			if len(run.tagKeys) >= g.limits.MaxTagKeysPerRun {
				if !warnedRunKeys {
					res.Warnings = append(res.Warnings, fmt.Sprintf(
						"run %s has reached max tag keys (%d)", runID, g.limits.MaxTagKeysPerRun))
					warnedRunKeys = true
				}
				res.DroppedTags = append(res.DroppedTags, tag)
				continue
			}
		}

		pair := [2]string{tag.Key, tag.Value}
		if _, seen := project.tagPairs[pair]; !seen {
			if len(project.tagPairs) >= g.limits.MaxTagsPerProject {
				if !warnedProjectPairs {
					res.Warnings = append(res.Warnings, fmt.Sprintf(
						"project %s has reached max tags (%d)", projectID, g.limits.MaxTagsPerProject))
					warnedProjectPairs = true
				}
				res.DroppedTags = append(res.DroppedTags, tag)
				continue
			}
		}

		run.tagKeys[tag.Key] = struct{}{}
		project.tagPairs[pair] = struct{}{}
		res.AcceptedTags = append(res.AcceptedTags, tag)
	}

	for _, name := range metricNames {
		if len(name) > g.limits.MaxMetricNameLength {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"metric name %q exceeds max length %d", truncate(name, 32), g.limits.MaxMetricNameLength))
			res.DroppedMetrics = append(res.DroppedMetrics, name)
			continue
		}

		if _, seen := run.metricNames[name]; !seen {
			if len(run.metricNames) >= g.limits.MaxMetricNamesPerRun {
				if !warnedMetricNames {
					res.Warnings = append(res.Warnings, fmt.Sprintf(
						"run %s has reached max metric names (%d)", runID, g.limits.MaxMetricNamesPerRun))
					warnedMetricNames = true
				}
				res.DroppedMetrics = append(res.DroppedMetrics, name)
				continue
			}
		}

		run.metricNames[name] = struct{}{}
		res.AcceptedMetrics = append(res.AcceptedMetrics, name)
	}

	return res
}

// RunStats returns the admitted distinct tag-key and metric-name counts
// for a run, and whether the run is tracked at all.
func (g *Guard) RunStats(runID string) (tagKeys, metricNames int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	run, found := g.runs[runID]
	if !found {
		return 0, 0, false
	}
	return len(run.tagKeys), len(run.metricNames), true
}

// ProjectIDs returns the projects with tracked tag admissions, in no
// particular order. Used by the telemetry gauges to enumerate what to
// observe.
func (g *Guard) ProjectIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.projects))
	for id := range g.projects {
		ids = append(ids, id)
	}
	return ids
}

// ProjectStats returns the admitted distinct pair count and the estimated
// observed distinct pair count (including dropped items) for a project.
func (g *Guard) ProjectStats(projectID string) (admitted int, observedEstimate uint64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	project, found := g.projects[projectID]
	if !found {
		return 0, 0, false
	}
	return len(project.tagPairs), project.observed.Estimate(), true
}

// ClearRun drops per-run tracking, e.g. when a run finishes. Project-level
// admission is deliberately retained — pairs stay indexed downstream.
func (g *Guard) ClearRun(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, runID)
}

// Reset drops all tracking. Test hook.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs = make(map[string]*runSets)
	g.projects = make(map[string]*projectSets)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
