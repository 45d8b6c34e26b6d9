// Package sink provides the durable storage boundary for ingested data.
//
// The core pipeline is in-memory and authoritative: the sink receives only
// already-deduplicated, already-filtered data, append-only, and is never
// consulted for idempotency or cardinality decisions. Implementations are
// a PostgreSQL sink (production), a SQLite sink (single-node dev
// deployments), and a no-op sink (sink disabled).
package sink

import (
	"context"

	"github.com/kiroku-ml/kiroku/internal/model"
)

// Sink persists accepted ingestion data. Implementations must be safe for
// concurrent use.
type Sink interface {
	// UpsertRun writes the current run metadata snapshot.
	UpsertRun(ctx context.Context, run model.Run) error

	// RecordBatch mirrors one idempotency ledger entry.
	RecordBatch(ctx context.Context, rec model.BatchRecord) error

	// AppendPoints writes accepted metric points for a run.
	AppendPoints(ctx context.Context, runID string, points []model.MetricPoint) error

	// UpsertParams writes accepted params for a run (first write wins per
	// name; params are immutable in the data model).
	UpsertParams(ctx context.Context, runID string, params []model.Param) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Noop discards everything. Used when no durable sink is configured.
type Noop struct{}

// UpsertRun discards the snapshot.
func (Noop) UpsertRun(context.Context, model.Run) error { return nil }

// RecordBatch discards the ledger entry.
func (Noop) RecordBatch(context.Context, model.BatchRecord) error { return nil }

// AppendPoints discards the points.
func (Noop) AppendPoints(context.Context, string, []model.MetricPoint) error { return nil }

// UpsertParams discards the params.
func (Noop) UpsertParams(context.Context, string, []model.Param) error { return nil }

// Ping always succeeds.
func (Noop) Ping(context.Context) error { return nil }

// Close is a no-op.
func (Noop) Close(context.Context) error { return nil }
