// Package warehouse talks to the columnar warehouse that receives the
// listings table: DDL, the table's stage, copy-into and verification queries.
package warehouse

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/withObsrvr/listings-etl/internal/listings"
)

// Client is the narrow set of warehouse operations the loader needs.
type Client interface {
	// Exec runs a single statement that returns no rows.
	Exec(ctx context.Context, query string) error
	// Stage uploads a local file into the table's stage.
	Stage(ctx context.Context, table Table, localPath string) (StagedFile, error)
	// CopyInto loads a staged file into the table.
	CopyInto(ctx context.Context, file StagedFile, columns []string, policy listings.RowPolicy) (CopyReport, error)
	// RemoveStaged deletes a staged file.
	RemoveStaged(ctx context.Context, file StagedFile) error
	// QueryVerification runs the read-only post-load checks.
	QueryVerification(ctx context.Context, table Table) (Verification, error)
	// Dialect names the SQL dialect spoken by the client.
	Dialect() Dialect
	Close() error
}

// Config selects and parameterizes a warehouse backend.
type Config struct {
	Backend   string // "snowflake" | "duckdb"
	Account   string
	User      string
	Password  string
	Role      string
	Warehouse string
	Database  string
	Schema    string

	DuckDBPath string
	StageDir   string
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Backend {
	case "snowflake":
		return OpenSnowflake(ctx, cfg)
	case "duckdb":
		return OpenDuckDB(ctx, cfg.DuckDBPath, cfg.StageDir)
	default:
		return nil, fmt.Errorf("unknown warehouse backend %q", cfg.Backend)
	}
}

// Table identifies the target table.
type Table struct {
	Database string
	Schema   string
	Name     string
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// Validate rejects identifiers that would need quoting.
func (t Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table name is empty")
	}
	for _, part := range []string{t.Database, t.Schema, t.Name} {
		if part != "" && !identPattern.MatchString(part) {
			return fmt.Errorf("invalid identifier %q", part)
		}
	}
	return nil
}

// FQN returns database.schema.table, omitting empty parts.
func (t Table) FQN() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Database, t.Schema, t.Name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

func (t Table) String() string { return t.FQN() }

// StagedFile is a file sitting in a table's stage.
type StagedFile struct {
	Table    Table  `json:"table"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

// CopyReport is what the warehouse says about a copy-into.
type CopyReport struct {
	RowsParsed int64
	RowsLoaded int64
	ErrorsSeen int64
	FirstError string
}

// Verification holds the post-load check counts.
type Verification struct {
	Rows              int64 `json:"rows"`
	PricesWithSymbols int64 `json:"prices_with_symbols"`
	NightsBelowOne    int64 `json:"nights_below_one"`
}

// OK reports whether no row failed a check.
func (v Verification) OK() bool {
	return v.PricesWithSymbols == 0 && v.NightsBelowOne == 0
}

// Dialect maps logical column types to concrete SQL types.
type Dialect string

const (
	DialectSnowflake Dialect = "snowflake"
	DialectDuckDB    Dialect = "duckdb"
)

// ColumnType renders a logical type in this dialect.
func (d Dialect) ColumnType(t listings.ColumnType) string {
	switch d {
	case DialectDuckDB:
		switch t {
		case listings.TypeInteger:
			return "BIGINT"
		case listings.TypeDecimal:
			return "DECIMAL(10,2)"
		case listings.TypeTimestamp:
			return "TIMESTAMP"
		default:
			return "VARCHAR"
		}
	default:
		switch t {
		case listings.TypeInteger:
			return "INTEGER"
		case listings.TypeDecimal:
			return "NUMBER(10,2)"
		case listings.TypeTimestamp:
			return "DATETIME"
		default:
			return "STRING"
		}
	}
}

// CreateOrReplaceSQL renders the statement that destroys and recreates the
// table with the given columns.
func CreateOrReplaceSQL(d Dialect, t Table, columns []listings.Column) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("table %s: at least one column is required", t.FQN())
	}

	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = c.Name + " " + d.ColumnType(c.Type)
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s (\n  %s\n)", t.FQN(), strings.Join(defs, ",\n  ")), nil
}

// verificationSQL is portable between Snowflake and DuckDB.
func verificationSQL(t Table) string {
	return fmt.Sprintf(`SELECT
  COUNT(*),
  COALESCE(SUM(CASE WHEN CAST(price AS VARCHAR) LIKE '%%$%%' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN minimum_nights < 1 THEN 1 ELSE 0 END), 0)
FROM %s`, t.FQN())
}

// quoteLiteral renders s as a single-quoted SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
