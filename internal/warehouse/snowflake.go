package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/snowflakedb/gosnowflake"

	"github.com/withObsrvr/listings-etl/internal/errkind"
	"github.com/withObsrvr/listings-etl/internal/listings"
)

// Snowflake error numbers that no retry can fix.
const (
	sfInsufficientPrivileges = 3001
	sfObjectDoesNotExist     = 2003
)

// SnowflakeClient loads through the table's implicit stage (@%table).
type SnowflakeClient struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSnowflake connects and pings the account.
func OpenSnowflake(ctx context.Context, cfg Config) (*SnowflakeClient, error) {
	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  cfg.Password,
		Role:      cfg.Role,
		Warehouse: cfg.Warehouse,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
	})
	if err != nil {
		return nil, fmt.Errorf("build snowflake dsn: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snowflake: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to snowflake account %s: %w", cfg.Account, err)
	}

	return &SnowflakeClient{
		db:  db,
		log: slog.With("component", "snowflake"),
	}, nil
}

func (c *SnowflakeClient) Dialect() Dialect { return DialectSnowflake }

func (c *SnowflakeClient) Exec(ctx context.Context, query string) error {
	_, err := c.db.ExecContext(ctx, query)
	return err
}

// Stage PUTs the file into the table stage, replacing any earlier upload
// with the same name.
func (c *SnowflakeClient) Stage(ctx context.Context, table Table, localPath string) (StagedFile, error) {
	abs, err := filepath.Abs(localPath)
	if err == nil {
		_, err = os.Stat(abs)
	}
	if err != nil {
		return StagedFile{}, errkind.WithRetry(errkind.New(errkind.StageUploadError, "stage", err), false)
	}

	query := putSQL(table, abs)
	c.log.Debug("staging file", "query", query)

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return StagedFile{}, classifyStageError(err)
	}
	results, err := scanAll(rows)
	if err != nil {
		return StagedFile{}, classifyStageError(err)
	}

	name := filepath.Base(abs)
	for _, r := range results {
		if status := strings.ToUpper(r["status"]); status != "" && status != "UPLOADED" && status != "SKIPPED" {
			return StagedFile{}, errkind.Newf(errkind.StageUploadError, "stage",
				"put %s: status %s: %s", name, status, r["message"])
		}
		if target := r["target"]; target != "" {
			name = target
		}
	}

	return StagedFile{
		Table:    table,
		Name:     name,
		Location: tableStage(table) + "/" + name,
	}, nil
}

// CopyInto runs COPY INTO and sums the per-file report rows.
func (c *SnowflakeClient) CopyInto(ctx context.Context, file StagedFile, columns []string, policy listings.RowPolicy) (CopyReport, error) {
	rows, err := c.db.QueryContext(ctx, copySnowflakeSQL(file, columns, policy))
	if err != nil {
		return CopyReport{}, err
	}
	results, err := scanAll(rows)
	if err != nil {
		return CopyReport{}, err
	}
	return sumCopyResults(results), nil
}

func (c *SnowflakeClient) RemoveStaged(ctx context.Context, file StagedFile) error {
	_, err := c.db.ExecContext(ctx, "REMOVE "+file.Location)
	return err
}

func (c *SnowflakeClient) QueryVerification(ctx context.Context, table Table) (Verification, error) {
	var v Verification
	err := c.db.QueryRowContext(ctx, verificationSQL(table)).Scan(&v.Rows, &v.PricesWithSymbols, &v.NightsBelowOne)
	if err != nil {
		return Verification{}, fmt.Errorf("verify %s: %w", table, err)
	}
	return v, nil
}

func (c *SnowflakeClient) Close() error {
	return c.db.Close()
}

// tableStage returns the implicit stage of a table, e.g. @DB.SCHEMA.%LISTINGS.
func tableStage(t Table) string {
	prefix := ""
	if t.Database != "" && t.Schema != "" {
		prefix = t.Database + "." + t.Schema + "."
	} else if t.Schema != "" {
		prefix = t.Schema + "."
	}
	return "@" + prefix + "%" + t.Name
}

func putSQL(t Table, absPath string) string {
	return fmt.Sprintf("PUT %s %s AUTO_COMPRESS=TRUE OVERWRITE=TRUE",
		quoteLiteral("file://"+filepath.ToSlash(absPath)), tableStage(t))
}

// copySnowflakeSQL builds the COPY INTO statement. SKIP_HEADER is 0 because
// transfer files are written without a header row.
func copySnowflakeSQL(file StagedFile, columns []string, policy listings.RowPolicy) string {
	onError := "CONTINUE"
	if policy == listings.PolicyFail {
		onError = "ABORT_STATEMENT"
	}
	return fmt.Sprintf(
		"COPY INTO %s (%s) FROM %s FILES = (%s) "+
			"FILE_FORMAT = (TYPE = CSV FIELD_DELIMITER = ',' SKIP_HEADER = 0 FIELD_OPTIONALLY_ENCLOSED_BY = '\"') "+
			"ON_ERROR = %s",
		file.Table.FQN(),
		strings.Join(columns, ", "),
		tableStage(file.Table),
		quoteLiteral(file.Name),
		onError,
	)
}

func sumCopyResults(results []map[string]string) CopyReport {
	var rep CopyReport
	for _, r := range results {
		rep.RowsParsed += parseCount(r["rows_parsed"])
		rep.RowsLoaded += parseCount(r["rows_loaded"])
		rep.ErrorsSeen += parseCount(r["errors_seen"])
		if rep.FirstError == "" {
			rep.FirstError = r["first_error"]
		}
	}
	return rep
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// scanAll reads every row as a column-name to text map. Column names are
// lower-cased.
func scanAll(rows *sql.Rows) ([]map[string]string, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]string
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]string, len(cols))
		for i, col := range cols {
			row[strings.ToLower(col)] = vals[i].String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func classifyStageError(err error) error {
	if errors.Is(err, context.Canceled) {
		return errkind.FromContext("stage", err)
	}
	e := errkind.WithRetry(errkind.New(errkind.StageUploadError, "stage", err), true)

	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		switch sfErr.Number {
		case sfInsufficientPrivileges, sfObjectDoesNotExist:
			e.Retryable = false
		}
	}
	return e
}
