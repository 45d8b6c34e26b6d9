// Package idempotency deduplicates ingestion batches per run.
//
// Every batch carries a client-assigned batch id and a content fingerprint.
// The ledger decides whether a batch is new, an exact retry (duplicate), a
// reused id with different content (conflict — the only hard failure), or
// accepted but behind the run's sequence watermark (out of order, still
// applied — replays from an offline spool are legitimate).
//
// Classification and recording happen under a single write section so two
// concurrent retries of the same batch can never both observe New.
package idempotency

import (
	"sync"
	"time"

	"github.com/kiroku-ml/kiroku/internal/model"
)

// Kind labels a classification outcome.
type Kind int

const (
	// New means the batch has not been seen; side effects should be applied.
	New Kind = iota
	// Duplicate means an identical batch was already recorded; the caller
	// must not re-apply side effects.
	Duplicate
	// Conflict means the batch id was reused with a different payload.
	// The batch must be rejected entirely and is not recorded.
	Conflict
	// OutOfOrder means the sequence number is behind the run's watermark.
	// The batch is recorded and applied; the outcome carries a warning.
	OutOfOrder
)

// String returns the lower-case outcome name for logs and warnings.
func (k Kind) String() string {
	switch k {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	case Conflict:
		return "conflict"
	case OutOfOrder:
		return "out_of_order"
	}
	return "unknown"
}

// Outcome is the result of classifying one batch.
type Outcome struct {
	Kind Kind

	// ExpectedHash/ActualHash are set on Conflict.
	ExpectedHash string
	ActualHash   string

	// ExpectedSeq/ActualSeq are set on OutOfOrder. ExpectedSeq is the
	// watermark at classification time; the watermark never regresses.
	ExpectedSeq int64
	ActualSeq   int64
}

// ShouldApply reports whether the batch's side effects should be applied.
func (o Outcome) ShouldApply() bool {
	return o.Kind == New || o.Kind == OutOfOrder
}

// batchKey is the composite ledger key. A value type, so no separator
// encoding is needed and map lookups stay allocation-free.
type batchKey struct {
	runID   string
	batchID string
}

// Ledger is the in-memory idempotency store. Safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	batches map[batchKey]model.BatchRecord
	// watermarks maps run id to the highest seq observed. Monotonic.
	watermarks map[string]int64

	now func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		batches:    make(map[batchKey]model.BatchRecord),
		watermarks: make(map[string]int64),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Counts carries the batch item counts stored alongside the record.
type Counts struct {
	Metrics int
	Params  int
	Tags    int
}

// CheckAndRecord classifies a batch and, on any outcome except Conflict,
// records it (first-seen wins). The existence check, watermark update, and
// insert happen under one write lock: concurrent identical retries observe
// exactly one New.
func (l *Ledger) CheckAndRecord(projectID, runID, batchID string, seq int64, payloadHash string, counts Counts) Outcome {
	key := batchKey{runID: runID, batchID: batchID}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.batches[key]; ok {
		if existing.PayloadHash == payloadHash {
			return Outcome{Kind: Duplicate}
		}
		return Outcome{
			Kind:         Conflict,
			ExpectedHash: existing.PayloadHash,
			ActualHash:   payloadHash,
		}
	}

	out := Outcome{Kind: New}
	watermark := l.watermarks[runID]
	switch {
	case seq > 0 && seq < watermark:
		out = Outcome{Kind: OutOfOrder, ExpectedSeq: watermark, ActualSeq: seq}
	case seq > watermark:
		l.watermarks[runID] = seq
	}

	l.batches[key] = model.BatchRecord{
		ProjectID:   projectID,
		RunID:       runID,
		BatchID:     batchID,
		Seq:         seq,
		PayloadHash: payloadHash,
		MetricCount: counts.Metrics,
		ParamCount:  counts.Params,
		TagCount:    counts.Tags,
		CreatedAt:   l.now(),
	}
	return out
}

// Check classifies without recording. Used by read paths and tests.
func (l *Ledger) Check(runID, batchID, payloadHash string) Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if existing, ok := l.batches[batchKey{runID: runID, batchID: batchID}]; ok {
		if existing.PayloadHash == payloadHash {
			return Outcome{Kind: Duplicate}
		}
		return Outcome{
			Kind:         Conflict,
			ExpectedHash: existing.PayloadHash,
			ActualHash:   payloadHash,
		}
	}
	return Outcome{Kind: New}
}

// Batch returns the recorded entry for (runID, batchID), if any.
func (l *Ledger) Batch(runID, batchID string) (model.BatchRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.batches[batchKey{runID: runID, batchID: batchID}]
	return rec, ok
}

// BatchesForRun returns all recorded batches for a run.
func (l *Ledger) BatchesForRun(runID string) []model.BatchRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.BatchRecord
	for key, rec := range l.batches {
		if key.runID == runID {
			out = append(out, rec)
		}
	}
	return out
}

// Sequence returns the current watermark for a run (0 if none observed).
func (l *Ledger) Sequence(runID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.watermarks[runID]
}

// ClearRun drops the ledger entries and watermark for a run, e.g. on
// explicit cleanup after run completion.
func (l *Ledger) ClearRun(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.batches {
		if key.runID == runID {
			delete(l.batches, key)
		}
	}
	delete(l.watermarks, runID)
}

// Len returns the number of recorded batches.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.batches)
}
