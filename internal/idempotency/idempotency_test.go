package idempotency

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-ml/kiroku/internal/model"
)

func TestCheckAndRecordOutcomes(t *testing.T) {
	l := NewLedger()

	out := l.CheckAndRecord("proj-1", "run-1", "batch-1", 1, "hash-a", Counts{Metrics: 3})
	assert.Equal(t, New, out.Kind)
	assert.True(t, out.ShouldApply())

	// Exact retry.
	out = l.CheckAndRecord("proj-1", "run-1", "batch-1", 1, "hash-a", Counts{Metrics: 3})
	assert.Equal(t, Duplicate, out.Kind)
	assert.False(t, out.ShouldApply())

	// Reused id, different content.
	out = l.CheckAndRecord("proj-1", "run-1", "batch-1", 1, "hash-b", Counts{Metrics: 3})
	assert.Equal(t, Conflict, out.Kind)
	assert.Equal(t, "hash-a", out.ExpectedHash)
	assert.Equal(t, "hash-b", out.ActualHash)
	assert.False(t, out.ShouldApply())

	// The conflicting payload must not overwrite the original record.
	rec, ok := l.Batch("run-1", "batch-1")
	require.True(t, ok)
	assert.Equal(t, "hash-a", rec.PayloadHash)
}

func TestOutOfOrderStillApplies(t *testing.T) {
	l := NewLedger()

	out := l.CheckAndRecord("proj-1", "run-1", "batch-5", 5, "hash-5", Counts{})
	require.Equal(t, New, out.Kind)

	out = l.CheckAndRecord("proj-1", "run-1", "batch-3", 3, "hash-3", Counts{})
	assert.Equal(t, OutOfOrder, out.Kind)
	assert.True(t, out.ShouldApply())
	assert.Equal(t, int64(5), out.ExpectedSeq)
	assert.Equal(t, int64(3), out.ActualSeq)

	// The late batch is recorded and the watermark does not regress.
	_, ok := l.Batch("run-1", "batch-3")
	assert.True(t, ok)
	assert.Equal(t, int64(5), l.Sequence("run-1"))
}

func TestWatermarkMonotonic(t *testing.T) {
	l := NewLedger()

	for _, seq := range []int64{1, 4, 2, 9, 7} {
		l.CheckAndRecord("proj-1", "run-1", fmt.Sprintf("batch-%d", seq), seq, fmt.Sprintf("hash-%d", seq), Counts{})
	}
	assert.Equal(t, int64(9), l.Sequence("run-1"))
}

func TestZeroSeqNeverOutOfOrder(t *testing.T) {
	l := NewLedger()

	out := l.CheckAndRecord("proj-1", "run-1", "batch-a", 8, "hash-a", Counts{})
	require.Equal(t, New, out.Kind)

	// Clients that never set seq send 0; that is "unsequenced", not late.
	out = l.CheckAndRecord("proj-1", "run-1", "batch-b", 0, "hash-b", Counts{})
	assert.Equal(t, New, out.Kind)
	assert.Equal(t, int64(8), l.Sequence("run-1"))
}

func TestWatermarksArePerRun(t *testing.T) {
	l := NewLedger()

	l.CheckAndRecord("proj-1", "run-1", "batch-1", 10, "hash-1", Counts{})
	out := l.CheckAndRecord("proj-1", "run-2", "batch-1", 2, "hash-2", Counts{})
	assert.Equal(t, New, out.Kind)
}

func TestConcurrentRetriesSingleNew(t *testing.T) {
	l := NewLedger()

	const workers = 32
	outcomes := make([]Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = l.CheckAndRecord("proj-1", "run-1", "batch-1", 1, "hash-a", Counts{Metrics: 1})
		}(i)
	}
	wg.Wait()

	news := 0
	for _, out := range outcomes {
		switch out.Kind {
		case New:
			news++
		case Duplicate:
		default:
			t.Fatalf("unexpected outcome %s", out.Kind)
		}
	}
	assert.Equal(t, 1, news)
	assert.Equal(t, 1, l.Len())
}

func TestClearRun(t *testing.T) {
	l := NewLedger()
	l.CheckAndRecord("proj-1", "run-1", "batch-1", 3, "hash-1", Counts{})
	l.CheckAndRecord("proj-1", "run-2", "batch-1", 1, "hash-2", Counts{})

	l.ClearRun("run-1")

	_, ok := l.Batch("run-1", "batch-1")
	assert.False(t, ok)
	assert.Equal(t, int64(0), l.Sequence("run-1"))
	_, ok = l.Batch("run-2", "batch-1")
	assert.True(t, ok)
}

func TestBatchesForRun(t *testing.T) {
	l := NewLedger()
	l.CheckAndRecord("proj-1", "run-1", "batch-1", 1, "hash-1", Counts{Metrics: 2, Params: 1})
	l.CheckAndRecord("proj-1", "run-1", "batch-2", 2, "hash-2", Counts{Tags: 3})
	l.CheckAndRecord("proj-1", "run-2", "batch-1", 1, "hash-3", Counts{})

	batches := l.BatchesForRun("run-1")
	assert.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, "run-1", b.RunID)
		assert.False(t, b.CreatedAt.IsZero())
	}
}

func TestPayloadHashOrderInsensitive(t *testing.T) {
	metricsA := []model.MetricPoint{
		{Name: "loss", Step: 1, Value: 0.5},
		{Name: "loss", Step: 2, Value: 0.4},
		{Name: "acc", Step: 1, Value: 0.9},
	}
	metricsB := []model.MetricPoint{
		{Name: "acc", Step: 1, Value: 0.9},
		{Name: "loss", Step: 2, Value: 0.4},
		{Name: "loss", Step: 1, Value: 0.5},
	}
	paramsA := []model.Param{{Name: "lr", Value: "0.001"}, {Name: "epochs", Value: "10"}}
	paramsB := []model.Param{{Name: "epochs", Value: "10"}, {Name: "lr", Value: "0.001"}}
	tagsA := []model.Tag{{Key: "env", Value: "dev"}, {Key: "gpu", Value: "a100"}}
	tagsB := []model.Tag{{Key: "gpu", Value: "a100"}, {Key: "env", Value: "dev"}}

	assert.Equal(t,
		PayloadHash(metricsA, paramsA, tagsA),
		PayloadHash(metricsB, paramsB, tagsB))
}

func TestPayloadHashValueSensitive(t *testing.T) {
	base := []model.MetricPoint{{Name: "loss", Step: 1, Value: 0.5}}

	assert.NotEqual(t,
		PayloadHash(base, nil, nil),
		PayloadHash([]model.MetricPoint{{Name: "loss", Step: 1, Value: 0.50001}}, nil, nil))
	assert.NotEqual(t,
		PayloadHash(base, nil, nil),
		PayloadHash([]model.MetricPoint{{Name: "loss", Step: 2, Value: 0.5}}, nil, nil))
	assert.NotEqual(t,
		PayloadHash(nil, []model.Param{{Name: "lr", Value: "0.001"}}, nil),
		PayloadHash(nil, []model.Param{{Name: "lr", Value: "0.01"}}, nil))
	assert.NotEqual(t,
		PayloadHash(nil, nil, []model.Tag{{Key: "env", Value: "dev"}}),
		PayloadHash(nil, nil, []model.Tag{{Key: "env", Value: "prod"}}))
}

func TestPayloadHashEmptyBatch(t *testing.T) {
	assert.Equal(t, PayloadHash(nil, nil, nil), PayloadHash(nil, nil, nil))
	assert.NotEmpty(t, PayloadHash(nil, nil, nil))
}
