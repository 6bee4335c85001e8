package warehouse

import (
	"strings"
	"testing"

	"github.com/withObsrvr/listings-etl/internal/listings"
)

func TestCreateOrReplaceSQL(t *testing.T) {
	table := Table{Database: "AIRBNB", Schema: "DEV", Name: "listings"}

	sf, err := CreateOrReplaceSQL(DialectSnowflake, table, listings.Columns)
	if err != nil {
		t.Fatalf("CreateOrReplaceSQL failed: %v", err)
	}
	for _, want := range []string{
		"CREATE OR REPLACE TABLE AIRBNB.DEV.listings (",
		"id INTEGER",
		"listing_url STRING",
		"price NUMBER(10,2)",
		"created_at DATETIME",
	} {
		if !strings.Contains(sf, want) {
			t.Errorf("snowflake DDL missing %q:\n%s", want, sf)
		}
	}

	dd, err := CreateOrReplaceSQL(DialectDuckDB, Table{Name: "listings"}, listings.Columns)
	if err != nil {
		t.Fatalf("CreateOrReplaceSQL failed: %v", err)
	}
	for _, want := range []string{"id BIGINT", "name VARCHAR", "price DECIMAL(10,2)", "updated_at TIMESTAMP"} {
		if !strings.Contains(dd, want) {
			t.Errorf("duckdb DDL missing %q:\n%s", want, dd)
		}
	}
}

func TestCreateOrReplaceRejectsBadIdentifiers(t *testing.T) {
	for _, table := range []Table{
		{Name: ""},
		{Name: "listings; DROP TABLE x"},
		{Schema: "dev-1", Name: "listings"},
	} {
		if _, err := CreateOrReplaceSQL(DialectSnowflake, table, listings.Columns); err == nil {
			t.Errorf("expected error for %+v", table)
		}
	}
}

func TestSnowflakeStatements(t *testing.T) {
	table := Table{Database: "AIRBNB", Schema: "DEV", Name: "listings"}

	put := putSQL(table, "/tmp/run-1/listings_transfer.csv")
	if put != "PUT 'file:///tmp/run-1/listings_transfer.csv' @AIRBNB.DEV.%listings AUTO_COMPRESS=TRUE OVERWRITE=TRUE" {
		t.Errorf("unexpected PUT: %s", put)
	}

	file := StagedFile{Table: table, Name: "listings_transfer.csv.gz"}
	cols := listings.ColumnNames()

	cont := copySnowflakeSQL(file, cols, listings.PolicySkip)
	for _, want := range []string{
		"COPY INTO AIRBNB.DEV.listings (id, listing_url, name, room_type, minimum_nights, host_id, price, created_at, updated_at)",
		"FROM @AIRBNB.DEV.%listings",
		"FILES = ('listings_transfer.csv.gz')",
		"SKIP_HEADER = 0",
		"FIELD_OPTIONALLY_ENCLOSED_BY = '\"'",
		"ON_ERROR = CONTINUE",
	} {
		if !strings.Contains(cont, want) {
			t.Errorf("COPY missing %q:\n%s", want, cont)
		}
	}

	abort := copySnowflakeSQL(file, cols, listings.PolicyFail)
	if !strings.HasSuffix(abort, "ON_ERROR = ABORT_STATEMENT") {
		t.Errorf("fail policy should abort: %s", abort)
	}
}

func TestTableStageUnqualified(t *testing.T) {
	if got := tableStage(Table{Name: "listings"}); got != "@%listings" {
		t.Errorf("tableStage = %s", got)
	}
}

func TestSumCopyResults(t *testing.T) {
	rep := sumCopyResults([]map[string]string{
		{"file": "a.csv.gz", "status": "PARTIALLY_LOADED", "rows_parsed": "100", "rows_loaded": "97", "errors_seen": "3", "first_error": "Numeric value 'abc' is not recognized"},
		{"status": "Copy executed with 0 files processed."},
	})
	if rep.RowsParsed != 100 || rep.RowsLoaded != 97 || rep.ErrorsSeen != 3 {
		t.Errorf("unexpected report %+v", rep)
	}
	if !strings.Contains(rep.FirstError, "abc") {
		t.Errorf("FirstError = %q", rep.FirstError)
	}
}

func TestQuoteLiteral(t *testing.T) {
	if got := quoteLiteral("it's"); got != "'it''s'" {
		t.Errorf("quoteLiteral = %s", got)
	}
}

func TestVerificationOK(t *testing.T) {
	if !(Verification{Rows: 10}).OK() {
		t.Error("clean verification should be OK")
	}
	if (Verification{Rows: 10, NightsBelowOne: 1}).OK() {
		t.Error("nights below one should fail verification")
	}
}
