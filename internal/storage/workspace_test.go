package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "transfer.csv")

	res, err := WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "1,a\n2,b\n")
		return err
	})
	if err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if string(data) != "1,a\n2,b\n" {
		t.Errorf("content = %q", data)
	}
	if res.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", res.Size, len(data))
	}
	if !strings.HasPrefix(res.Checksum, "sha256:") {
		t.Errorf("Checksum = %q", res.Checksum)
	}

	// No temp files should remain
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the published file, found %d entries", len(entries))
	}
}

func TestWriteFileAtomicFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transfer.csv")
	if err := os.WriteFile(path, []byte("previous"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := WriteFileAtomic(path, func(w io.Writer) error {
		io.WriteString(w, "partial")
		return errors.New("serializer exploded")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	data, _ := os.ReadFile(path)
	if string(data) != "previous" {
		t.Errorf("previous file was clobbered: %q", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %d entries", len(entries))
	}
}

func TestRunDirLifecycle(t *testing.T) {
	ws, err := NewWorkspace(filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatalf("NewWorkspace failed: %v", err)
	}

	rd, err := ws.NewRunDir("abc")
	if err != nil {
		t.Fatalf("NewRunDir failed: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(rd.Path()), "run-abc-") {
		t.Errorf("unexpected run dir name %s", rd.Path())
	}
	if got := rd.File("../../escape.csv"); filepath.Dir(got) != rd.Path() {
		t.Errorf("File escaped run dir: %s", got)
	}

	if err := os.WriteFile(rd.File("listings.csv"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := rd.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(rd.Path()); !os.IsNotExist(err) {
		t.Error("run dir should be gone after Cleanup")
	}
}

func TestPruneStale(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	old, _ := ws.NewRunDir("old")
	fresh, _ := ws.NewRunDir("fresh")
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old.Path(), past, past); err != nil {
		t.Fatal(err)
	}
	// Unrelated directories are never touched.
	if err := os.Mkdir(filepath.Join(ws.BaseDir(), "keep"), 0755); err != nil {
		t.Fatal(err)
	}
	os.Chtimes(filepath.Join(ws.BaseDir(), "keep"), past, past)

	n, err := ws.PruneStale(24 * time.Hour)
	if err != nil {
		t.Fatalf("PruneStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d dirs, want 1", n)
	}
	if _, err := os.Stat(old.Path()); !os.IsNotExist(err) {
		t.Error("stale dir should be removed")
	}
	if _, err := os.Stat(fresh.Path()); err != nil {
		t.Error("fresh dir should survive")
	}
}
