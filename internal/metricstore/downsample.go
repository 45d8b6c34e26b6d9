package metricstore

import (
	"sort"

	"github.com/kiroku-ml/kiroku/internal/model"
)

// Downsample reduces a point series to at most maxPoints aggregate buckets
// in one O(n) pass.
//
// At or under the limit, every point becomes a singleton aggregate
// (mean=min=max=value, count=1) — exact passthrough. Over the limit, the
// observed step range [minStep, maxStep] is partitioned into exactly
// maxPoints equal-width buckets (width floored at 1 step so a degenerate
// single-step range cannot produce zero-width buckets). Each point lands in
// floor((step-minStep)/width), clamped to the last bucket to absorb
// floating-point rounding at the upper boundary. Empty buckets are omitted;
// output is sorted by bucket step ascending, labeled with the bucket start.
func Downsample(points []model.MetricPoint, maxPoints int) []model.AggregatedPoint {
	if len(points) == 0 {
		return []model.AggregatedPoint{}
	}

	if len(points) <= maxPoints {
		out := make([]model.AggregatedPoint, len(points))
		for i, p := range points {
			out[i] = model.AggregatedPoint{
				Step:  p.Step,
				Mean:  p.Value,
				Min:   p.Value,
				Max:   p.Value,
				Count: 1,
			}
		}
		return out
	}

	minStep, maxStep := points[0].Step, points[0].Step
	for _, p := range points[1:] {
		if p.Step < minStep {
			minStep = p.Step
		}
		if p.Step > maxStep {
			maxStep = p.Step
		}
	}

	stepRange := maxStep - minStep
	if stepRange < 1 {
		stepRange = 1
	}
	bucketWidth := float64(stepRange) / float64(maxPoints)

	type bucket struct {
		sum   float64
		min   float64
		max   float64
		count int
	}
	buckets := make(map[int]*bucket, maxPoints)

	for _, p := range points {
		idx := int(float64(p.Step-minStep) / bucketWidth)
		if idx >= maxPoints {
			idx = maxPoints - 1
		}
		b, ok := buckets[idx]
		if !ok {
			buckets[idx] = &bucket{sum: p.Value, min: p.Value, max: p.Value, count: 1}
			continue
		}
		b.sum += p.Value
		b.count++
		if p.Value < b.min {
			b.min = p.Value
		}
		if p.Value > b.max {
			b.max = p.Value
		}
	}

	out := make([]model.AggregatedPoint, 0, len(buckets))
	for idx, b := range buckets {
		out = append(out, model.AggregatedPoint{
			Step:  minStep + int64(float64(idx)*bucketWidth),
			Mean:  b.sum / float64(b.count),
			Min:   b.min,
			Max:   b.max,
			Count: b.count,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}
