package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresWriter creates a new PostgreSQL catalog writer and makes sure
// the catalog table exists.
func NewPostgresWriter(ctx context.Context, dsn string) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}

	w := &PostgresWriter{
		pool: pool,
		log:  slog.With("component", "catalog"),
	}

	// Initialize schema
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// NewPool opens a small pgx pool and pings it.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// RecordRun upserts the run row. A run is recorded when it starts and again
// when it finishes.
func (w *PostgresWriter) RecordRun(ctx context.Context, run Run) error {
	query := `
		INSERT INTO _etl_runs (
			run_id, target_table, state, failed_step, error_kind, error_message,
			source_uri, source_checksum, source_bytes,
			rows_attempted, rows_loaded, rows_skipped,
			producer_version, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (run_id)
		DO UPDATE SET
			state = EXCLUDED.state,
			failed_step = EXCLUDED.failed_step,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			source_uri = EXCLUDED.source_uri,
			source_checksum = EXCLUDED.source_checksum,
			source_bytes = EXCLUDED.source_bytes,
			rows_attempted = EXCLUDED.rows_attempted,
			rows_loaded = EXCLUDED.rows_loaded,
			rows_skipped = EXCLUDED.rows_skipped,
			finished_at = EXCLUDED.finished_at
	`

	var finishedAt *time.Time
	if !run.FinishedAt.IsZero() {
		finishedAt = &run.FinishedAt
	}

	_, err := w.pool.Exec(ctx, query,
		run.RunID,
		run.Table,
		run.State,
		nullable(run.FailedStep),
		nullable(run.ErrorKind),
		nullable(run.ErrorMessage),
		nullable(run.SourceURI),
		nullable(run.SourceChecksum),
		run.SourceBytes,
		run.Attempted,
		run.Loaded,
		run.Skipped,
		nullable(run.ProducerVersion),
		run.StartedAt,
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	w.log.Debug("recorded run", "run_id", run.RunID, "state", run.State)
	return nil
}

// RecentRuns returns the latest runs of a table, newest first.
func (w *PostgresWriter) RecentRuns(ctx context.Context, table string, limit int) ([]Run, error) {
	query := `
		SELECT run_id, target_table, state,
		       COALESCE(failed_step, ''), COALESCE(error_kind, ''), COALESCE(error_message, ''),
		       COALESCE(source_uri, ''), COALESCE(source_checksum, ''), source_bytes,
		       rows_attempted, rows_loaded, rows_skipped,
		       COALESCE(producer_version, ''), started_at, finished_at
		FROM _etl_runs
		WHERE target_table = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := w.pool.Query(ctx, query, table, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			finishedAt *time.Time
		)
		if err := rows.Scan(
			&r.RunID, &r.Table, &r.State,
			&r.FailedStep, &r.ErrorKind, &r.ErrorMessage,
			&r.SourceURI, &r.SourceChecksum, &r.SourceBytes,
			&r.Attempted, &r.Loaded, &r.Skipped,
			&r.ProducerVersion, &r.StartedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finishedAt != nil {
			r.FinishedAt = *finishedAt
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
