package sink_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-ml/kiroku/internal/model"
	"github.com/kiroku-ml/kiroku/internal/sink"
)

func newTestSQLite(t *testing.T) *sink.SQLite {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := sink.NewSQLite(ctx, filepath.Join(t.TempDir(), "kiroku.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })
	return s
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	now := time.Now().UTC()
	run := model.Run{
		RunID:     "run-sq-1",
		ProjectID: "proj-1",
		Status:    model.RunStatusRunning,
		Tags:      map[string]string{"arch": "vit"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.UpsertRun(ctx, run))

	run.Status = model.RunStatusFinished
	run.MetricsCount = 4
	require.NoError(t, s.UpsertRun(ctx, run))

	rec := model.BatchRecord{
		ProjectID:   "proj-1",
		RunID:       run.RunID,
		BatchID:     "b-1",
		PayloadHash: "h1",
		CreatedAt:   now,
	}
	require.NoError(t, s.RecordBatch(ctx, rec))
	require.NoError(t, s.RecordBatch(ctx, rec))

	require.NoError(t, s.AppendPoints(ctx, run.RunID, []model.MetricPoint{
		{Name: "loss", Step: 0, Value: 1.5},
		{Name: "loss", Step: 1, Value: 1.1},
	}))
	require.NoError(t, s.UpsertParams(ctx, run.RunID, []model.Param{
		{Name: "lr", Value: "0.1"},
	}))

	require.NoError(t, s.Ping(ctx))
}

func TestSQLiteSinkEmptyAppend(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.AppendPoints(context.Background(), "run-x", nil))
}
