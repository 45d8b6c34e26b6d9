package idempotency

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"github.com/kiroku-ml/kiroku/internal/model"
)

// PayloadHash computes the SHA-256 content fingerprint of a batch.
//
// Metrics are sorted by (name, step), params by name, tags by key before
// hashing, so the fingerprint is insensitive to the arrival order of list
// elements — the load-bearing property for retry safety. Numeric fields
// are encoded fixed-width little-endian; two batches with identical
// content always hash identically.
func PayloadHash(metrics []model.MetricPoint, params []model.Param, tags []model.Tag) string {
	h := sha256.New()

	sortedMetrics := make([]model.MetricPoint, len(metrics))
	copy(sortedMetrics, metrics)
	sort.Slice(sortedMetrics, func(i, j int) bool {
		if sortedMetrics[i].Name != sortedMetrics[j].Name {
			return sortedMetrics[i].Name < sortedMetrics[j].Name
		}
		return sortedMetrics[i].Step < sortedMetrics[j].Step
	})

	var buf [8]byte
	for _, m := range sortedMetrics {
		h.Write([]byte(m.Name))
		binary.LittleEndian.PutUint64(buf[:], uint64(m.Step))
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(m.Value))
		h.Write(buf[:])
	}

	sortedParams := make([]model.Param, len(params))
	copy(sortedParams, params)
	sort.Slice(sortedParams, func(i, j int) bool {
		return sortedParams[i].Name < sortedParams[j].Name
	})
	for _, p := range sortedParams {
		h.Write([]byte(p.Name))
		h.Write([]byte(p.Value))
	}

	sortedTags := make([]model.Tag, len(tags))
	copy(sortedTags, tags)
	sort.Slice(sortedTags, func(i, j int) bool {
		return sortedTags[i].Key < sortedTags[j].Key
	})
	for _, t := range sortedTags {
		h.Write([]byte(t.Key))
		h.Write([]byte(t.Value))
	}

	return hex.EncodeToString(h.Sum(nil))
}
