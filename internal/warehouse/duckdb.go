package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	duckdb "github.com/duckdb/duckdb-go/v2"

	"github.com/withObsrvr/listings-etl/internal/errkind"
	"github.com/withObsrvr/listings-etl/internal/listings"
	"github.com/withObsrvr/listings-etl/internal/storage"
)

// DuckDBClient is a local stand-in for the cloud warehouse. Its "stage" is a
// directory per table under stageDir.
type DuckDBClient struct {
	db       *sql.DB
	stageDir string
	log      *slog.Logger
}

// OpenDuckDB opens (or creates) the database file at path. An empty path
// opens an in-memory database.
func OpenDuckDB(ctx context.Context, path, stageDir string) (*DuckDBClient, error) {
	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open duckdb %s: %w", path, err)
	}

	return &DuckDBClient{
		db:       db,
		stageDir: stageDir,
		log:      slog.With("component", "duckdb"),
	}, nil
}

func (c *DuckDBClient) Dialect() Dialect { return DialectDuckDB }

func (c *DuckDBClient) Exec(ctx context.Context, query string) error {
	_, err := c.db.ExecContext(ctx, query)
	return err
}

// Stage copies the file into <stageDir>/<table>/, replacing any earlier copy.
func (c *DuckDBClient) Stage(ctx context.Context, table Table, localPath string) (StagedFile, error) {
	if err := ctx.Err(); err != nil {
		return StagedFile{}, errkind.FromContext("stage", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return StagedFile{}, errkind.WithRetry(errkind.New(errkind.StageUploadError, "stage", err), false)
	}
	defer src.Close()

	name := filepath.Base(localPath)
	dest := filepath.Join(c.stageDir, strings.ToLower(table.Name), name)
	if _, err := storage.WriteFileAtomic(dest, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	}); err != nil {
		return StagedFile{}, errkind.WithRetry(errkind.New(errkind.StageUploadError, "stage", err), true)
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		abs = dest
	}
	c.log.Debug("staged file", "table", table.FQN(), "path", abs)
	return StagedFile{Table: table, Name: name, Location: abs}, nil
}

// CopyInto loads the staged file. DuckDB does not report rejected rows, so
// the loaded count is the table's row count delta.
func (c *DuckDBClient) CopyInto(ctx context.Context, file StagedFile, columns []string, policy listings.RowPolicy) (CopyReport, error) {
	before, err := c.count(ctx, file.Table)
	if err != nil {
		return CopyReport{}, err
	}
	if _, err := c.db.ExecContext(ctx, copyDuckDBSQL(file, columns, policy)); err != nil {
		return CopyReport{FirstError: err.Error()}, err
	}
	after, err := c.count(ctx, file.Table)
	if err != nil {
		return CopyReport{}, err
	}
	return CopyReport{RowsLoaded: after - before}, nil
}

func (c *DuckDBClient) count(ctx context.Context, t Table) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.FQN()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t, err)
	}
	return n, nil
}

func (c *DuckDBClient) RemoveStaged(_ context.Context, file StagedFile) error {
	if err := os.Remove(file.Location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (c *DuckDBClient) QueryVerification(ctx context.Context, table Table) (Verification, error) {
	var v Verification
	err := c.db.QueryRowContext(ctx, verificationSQL(table)).Scan(&v.Rows, &v.PricesWithSymbols, &v.NightsBelowOne)
	if err != nil {
		return Verification{}, fmt.Errorf("verify %s: %w", table, err)
	}
	return v, nil
}

// Close also closes the connector, which database/sql owns.
func (c *DuckDBClient) Close() error {
	return c.db.Close()
}

func copyDuckDBSQL(file StagedFile, columns []string, policy listings.RowPolicy) string {
	opts := "FORMAT csv, HEADER false, DELIMITER ',', QUOTE '\"'"
	if policy == listings.PolicySkip {
		opts += ", IGNORE_ERRORS true"
	}
	return fmt.Sprintf("COPY %s (%s) FROM %s (%s)",
		file.Table.FQN(),
		strings.Join(columns, ", "),
		quoteLiteral(filepath.ToSlash(file.Location)),
		opts,
	)
}
