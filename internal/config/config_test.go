package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
work_dir: /tmp/etl
source:
  backend: s3
  bucket: dbtlearn
  key: listings.csv
  anonymous: true
warehouse:
  backend: snowflake
  account: acme-xy12345
  user: loader
  warehouse: COMPUTE_WH
  database: AIRBNB
  schema: DEV
  table: listings
load:
  stage_retries: 5
  stage_backoff: 250ms
  max_skipped_ratio: 0.05
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Source.Bucket != "dbtlearn" || cfg.Source.Key != "listings.csv" {
		t.Errorf("unexpected source: %+v", cfg.Source)
	}
	if !cfg.Source.Anonymous {
		t.Error("expected anonymous source access")
	}
	if cfg.Load.StageRetries != 5 {
		t.Errorf("StageRetries = %d, want 5", cfg.Load.StageRetries)
	}
	if cfg.Load.StageBackoff != 250*time.Millisecond {
		t.Errorf("StageBackoff = %v, want 250ms", cfg.Load.StageBackoff)
	}
	// Untouched keys keep their defaults.
	if cfg.Normalize.OnRowError != "fail" {
		t.Errorf("Normalize.OnRowError = %q, want fail", cfg.Normalize.OnRowError)
	}
	if cfg.Load.OnRowError != "skip" {
		t.Errorf("Load.OnRowError = %q, want skip", cfg.Load.OnRowError)
	}
	if got := cfg.QualifiedTable(); got != "AIRBNB.DEV.listings" {
		t.Errorf("QualifiedTable = %q", got)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("SOURCE_KEY", "hosts.csv")
	t.Setenv("WAREHOUSE_PASSWORD", "s3cret")
	t.Setenv("LOAD_MAX_SKIPPED_ROWS", "10")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Source.Key != "hosts.csv" {
		t.Errorf("Source.Key = %q, want hosts.csv", cfg.Source.Key)
	}
	if cfg.Warehouse.Password != "s3cret" {
		t.Error("password not taken from environment")
	}
	if cfg.Load.MaxSkippedRows != 10 {
		t.Errorf("MaxSkippedRows = %d, want 10", cfg.Load.MaxSkippedRows)
	}
}

func TestLegacyCredentialVariables(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("sf_user", "legacy_user")
	t.Setenv("sf_password", "legacy_pass")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Warehouse.User != "legacy_user" || cfg.Warehouse.Password != "legacy_pass" {
		t.Errorf("legacy variables ignored: user=%q", cfg.Warehouse.User)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Warehouse.Table = "listings; drop table x"
	cfg.Load.MaxSkippedRatio = 2

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	msg := err.Error()
	for _, want := range []string{
		"source.bucket is required",
		"source.key is required",
		"warehouse.account is required",
		"warehouse.table: invalid identifier",
		"max_skipped_ratio",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestValidateDuckDB(t *testing.T) {
	cfg := Default()
	cfg.Source.Bucket = "local"
	cfg.Source.Key = "listings.csv"
	cfg.Source.Backend = "file"
	cfg.Warehouse.Backend = "duckdb"
	cfg.Warehouse.DuckDBPath = "warehouse.duckdb"

	if err := cfg.Validate(); err != nil {
		t.Errorf("duckdb config should validate, got %v", err)
	}
}

func TestPostgresLockFallsBackToCatalogDSN(t *testing.T) {
	cfg := Default()
	cfg.Catalog.DSN = "postgres://localhost/etl"
	if got := cfg.LockDSN(); got != cfg.Catalog.DSN {
		t.Errorf("LockDSN = %q, want catalog DSN", got)
	}
}
