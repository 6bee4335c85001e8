package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const listingsCSV = "id,listing_url,name,room_type,minimum_nights,host_id,price,created_at,updated_at\n" +
	"3176,https://www.airbnb.com/rooms/3176,Fabulous Flat,Entire home/apt,0,3718,\"$1,200.50\",2009-06-05 21:34:42,2009-06-05 21:34:42\n" +
	"7071,https://www.airbnb.com/rooms/7071,BrightRoom,Private room,2,17391,$42.00,2009-08-12 12:30:30,2009-08-12 12:30:30\n"

func writeFixtures(t *testing.T) (configPath, dataPath string) {
	t.Helper()
	dir := t.TempDir()
	dataPath = filepath.Join(dir, "listings.csv")
	if err := os.WriteFile(dataPath, []byte(listingsCSV), 0644); err != nil {
		t.Fatal(err)
	}

	body := `
work_dir: ` + filepath.Join(dir, "work") + `
source:
  backend: file
  bucket: ` + dir + `
  key: listings.csv
warehouse:
  backend: duckdb
  duckdb_path: ` + filepath.Join(dir, "warehouse.duckdb") + `
  stage_dir: ` + filepath.Join(dir, "stage") + `
checkpoint:
  enabled: true
  dir: ` + filepath.Join(dir, "state") + `
log:
  level: error
`
	configPath = filepath.Join(dir, "etl.yaml")
	if err := os.WriteFile(configPath, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return configPath, dataPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNormalizeCommand(t *testing.T) {
	configPath, dataPath := writeFixtures(t)

	out, err := execute(t, "normalize", dataPath, "--config", configPath)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	var summary normalizeSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if summary.Normalized != 2 || summary.Skipped != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if !strings.HasPrefix(summary.Artifact.Checksum, "sha256:") {
		t.Errorf("checksum = %q", summary.Artifact.Checksum)
	}
}

func TestStatusWithoutHistory(t *testing.T) {
	configPath, _ := writeFixtures(t)

	out, err := execute(t, "status", "--config", configPath)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if strings.TrimSpace(out) != "{}" {
		t.Errorf("status of a never-run table = %s", out)
	}
}

func TestInvalidConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl.yaml")
	if err := os.WriteFile(path, []byte("warehouse:\n  backend: oracle\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "status", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "warehouse.backend") {
		t.Errorf("err = %v, want warehouse.backend complaint", err)
	}
}
