// Package catalog records the lineage of every run in PostgreSQL.
package catalog

import (
	"context"
	"time"
)

// Run is one row of the run catalog.
type Run struct {
	RunID           string    `json:"run_id"`
	Table           string    `json:"table"`
	State           string    `json:"state"`
	FailedStep      string    `json:"failed_step,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error,omitempty"`
	SourceURI       string    `json:"source_uri,omitempty"`
	SourceChecksum  string    `json:"source_checksum,omitempty"`
	SourceBytes     int64     `json:"source_bytes"`
	Attempted       int64     `json:"rows_attempted"`
	Loaded          int64     `json:"rows_loaded"`
	Skipped         int64     `json:"rows_skipped"`
	ProducerVersion string    `json:"producer_version,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Writer persists run records.
type Writer interface {
	RecordRun(ctx context.Context, run Run) error
	RecentRuns(ctx context.Context, table string, limit int) ([]Run, error)
	Close() error
}

// NewWriter connects to dsn, or returns a writer that drops everything when
// dsn is empty.
func NewWriter(ctx context.Context, dsn string) (Writer, error) {
	if dsn == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, dsn)
}

type noopWriter struct{}

func (noopWriter) RecordRun(context.Context, Run) error { return nil }

func (noopWriter) RecentRuns(context.Context, string, int) ([]Run, error) { return nil, nil }

func (noopWriter) Close() error { return nil }
