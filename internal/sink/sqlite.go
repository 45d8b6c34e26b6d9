package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/kiroku-ml/kiroku/internal/model"
)

// sqliteSchema is applied on open. SQLite has no JSONB or TIMESTAMPTZ, so
// tags are stored as JSON text and times as RFC3339 strings (database/sql
// converts time.Time for us).
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id        TEXT PRIMARY KEY,
    project_id    TEXT NOT NULL,
    name          TEXT,
    status        TEXT NOT NULL,
    metrics_count INTEGER NOT NULL DEFAULT 0,
    params_count  INTEGER NOT NULL DEFAULT 0,
    tags          TEXT NOT NULL DEFAULT '{}',
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_project_created ON runs (project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS batches (
    run_id       TEXT NOT NULL,
    batch_id     TEXT NOT NULL,
    project_id   TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    payload_hash TEXT NOT NULL,
    metric_count INTEGER NOT NULL,
    param_count  INTEGER NOT NULL,
    tag_count    INTEGER NOT NULL,
    created_at   TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, batch_id)
);

CREATE TABLE IF NOT EXISTS metric_points (
    run_id      TEXT NOT NULL,
    name        TEXT NOT NULL,
    step        INTEGER NOT NULL,
    value       REAL NOT NULL,
    client_time REAL
);
CREATE INDEX IF NOT EXISTS idx_metric_points_run_name_step ON metric_points (run_id, name, step);

CREATE TABLE IF NOT EXISTS run_params (
    run_id     TEXT NOT NULL,
    name       TEXT NOT NULL,
    value      TEXT NOT NULL,
    PRIMARY KEY (run_id, name)
);
`

// SQLite is a single-file sink for dev and single-node deployments.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) the database file and ensures the schema.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent ingest.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink: ensure sqlite schema: %w", err)
	}

	return &SQLite{db: db, logger: logger}, nil
}

// UpsertRun writes the current run metadata snapshot.
func (s *SQLite) UpsertRun(ctx context.Context, run model.Run) error {
	tags, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("sink: marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, project_id, name, status, metrics_count, params_count, tags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
		   status = excluded.status,
		   metrics_count = excluded.metrics_count,
		   params_count = excluded.params_count,
		   tags = excluded.tags,
		   updated_at = excluded.updated_at`,
		run.RunID, run.ProjectID, run.Name, string(run.Status),
		run.MetricsCount, run.ParamsCount, string(tags), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sink: upsert run: %w", err)
	}
	return nil
}

// RecordBatch mirrors one ledger entry, first write wins.
func (s *SQLite) RecordBatch(ctx context.Context, rec model.BatchRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO batches (run_id, batch_id, project_id, seq, payload_hash, metric_count, param_count, tag_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.BatchID, rec.ProjectID, rec.Seq, rec.PayloadHash,
		rec.MetricCount, rec.ParamCount, rec.TagCount, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sink: record batch: %w", err)
	}
	return nil
}

// AppendPoints inserts accepted points in one transaction.
func (s *SQLite) AppendPoints(ctx context.Context, runID string, points []model.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sink: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metric_points (run_id, name, step, value, client_time) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sink: prepare append: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, pt := range points {
		if _, err := stmt.ExecContext(ctx, runID, pt.Name, pt.Step, pt.Value, pt.Timestamp); err != nil {
			return fmt.Errorf("sink: append point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sink: commit append: %w", err)
	}
	return nil
}

// UpsertParams writes params, first write wins per (run, name).
func (s *SQLite) UpsertParams(ctx context.Context, runID string, params []model.Param) error {
	for _, param := range params {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO run_params (run_id, name, value) VALUES (?, ?, ?)`,
			runID, param.Name, param.Value,
		); err != nil {
			return fmt.Errorf("sink: upsert param %s: %w", param.Name, err)
		}
	}
	return nil
}

// Ping checks the database handle.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database file.
func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}
