package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiroku-ml/kiroku/internal/model"
)

// Postgres is the production sink backed by a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects a pool and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: ping: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by tests.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// RunMigrations executes unapplied SQL migration files from the provided
// filesystem in order, tracking applied files in schema_migrations so each
// runs at most once. A simple forward-only runner for dev and testing.
func (p *Postgres) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("sink: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := p.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("sink: load applied migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("sink: scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sink: iterate migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("sink: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("sink: read migration %s: %w", name, err)
		}

		p.logger.Info("running migration", "file", name)
		if _, err := p.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("sink: execute migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("sink: record migration %s: %w", name, err)
		}
	}
	return nil
}

// UpsertRun writes the current run metadata snapshot.
func (p *Postgres) UpsertRun(ctx context.Context, run model.Run) error {
	tags, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("sink: marshal tags: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO runs (run_id, project_id, name, status, metrics_count, params_count, tags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (run_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   metrics_count = EXCLUDED.metrics_count,
		   params_count = EXCLUDED.params_count,
		   tags = EXCLUDED.tags,
		   updated_at = EXCLUDED.updated_at`,
		run.RunID, run.ProjectID, run.Name, string(run.Status),
		run.MetricsCount, run.ParamsCount, tags, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sink: upsert run: %w", err)
	}
	return nil
}

// RecordBatch mirrors one ledger entry. First write wins — the ledger
// never mutates a recorded batch.
func (p *Postgres) RecordBatch(ctx context.Context, rec model.BatchRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO batches (run_id, batch_id, project_id, seq, payload_hash, metric_count, param_count, tag_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT DO NOTHING`,
		rec.RunID, rec.BatchID, rec.ProjectID, rec.Seq, rec.PayloadHash,
		rec.MetricCount, rec.ParamCount, rec.TagCount, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sink: record batch: %w", err)
	}
	return nil
}

// AppendPoints batch-inserts accepted points via COPY.
func (p *Postgres) AppendPoints(ctx context.Context, runID string, points []model.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}

	rows := make([][]any, len(points))
	for i, pt := range points {
		rows[i] = []any{runID, pt.Name, pt.Step, pt.Value, pt.Timestamp}
	}

	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"metric_points"},
		[]string{"run_id", "name", "step", "value", "client_time"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("sink: copy points: %w", err)
	}
	return nil
}

// UpsertParams writes params, first write wins per (run, name).
func (p *Postgres) UpsertParams(ctx context.Context, runID string, params []model.Param) error {
	for _, param := range params {
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO run_params (run_id, name, value) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			runID, param.Name, param.Value,
		); err != nil {
			return fmt.Errorf("sink: upsert param %s: %w", param.Name, err)
		}
	}
	return nil
}

// Ping checks connectivity to the database.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}
