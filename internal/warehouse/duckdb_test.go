package warehouse

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/withObsrvr/listings-etl/internal/listings"
)

func TestDuckDBRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping duckdb round trip in short mode")
	}
	ctx := context.Background()
	dir := t.TempDir()

	client, err := OpenDuckDB(ctx, filepath.Join(dir, "warehouse.duckdb"), filepath.Join(dir, "stage"))
	if err != nil {
		t.Fatalf("OpenDuckDB failed: %v", err)
	}
	defer client.Close()

	table := Table{Name: "listings"}
	ddl, err := CreateOrReplaceSQL(client.Dialect(), table, listings.Columns)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Exec(ctx, ddl); err != nil {
		t.Fatalf("create table: %v", err)
	}

	transfer := filepath.Join(dir, "listings_transfer.csv")
	body := "1,https://x/1,\"Flat, central\",Private room,1,10,1200.50,2009-06-05 21:34:42,\n" +
		"2,https://x/2,Loft,Entire home/apt,3,11,85.00,,\n"
	if err := os.WriteFile(transfer, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	staged, err := client.Stage(ctx, table, transfer)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if _, err := os.Stat(staged.Location); err != nil {
		t.Fatalf("staged file missing: %v", err)
	}

	rep, err := client.CopyInto(ctx, staged, listings.ColumnNames(), listings.PolicySkip)
	if err != nil {
		t.Fatalf("CopyInto failed: %v", err)
	}
	if rep.RowsLoaded != 2 {
		t.Errorf("RowsLoaded = %d, want 2", rep.RowsLoaded)
	}

	if err := client.RemoveStaged(ctx, staged); err != nil {
		t.Fatalf("RemoveStaged failed: %v", err)
	}
	if _, err := os.Stat(staged.Location); !os.IsNotExist(err) {
		t.Error("staged file should be removed")
	}

	v, err := client.QueryVerification(ctx, table)
	if err != nil {
		t.Fatalf("QueryVerification failed: %v", err)
	}
	if v.Rows != 2 || !v.OK() {
		t.Errorf("unexpected verification %+v", v)
	}

	// Recreating the table empties it.
	if err := client.Exec(ctx, ddl); err != nil {
		t.Fatal(err)
	}
	v, _ = client.QueryVerification(ctx, table)
	if v.Rows != 0 {
		t.Errorf("Rows after recreate = %d, want 0", v.Rows)
	}
}

func TestDuckDBStageMissingFile(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping duckdb test in short mode")
	}
	client, err := OpenDuckDB(context.Background(), "", t.TempDir())
	if err != nil {
		t.Fatalf("OpenDuckDB failed: %v", err)
	}
	defer client.Close()

	_, err = client.Stage(context.Background(), Table{Name: "listings"}, "/does/not/exist.csv")
	if err == nil {
		t.Fatal("expected error")
	}
}
