// Package storage owns the pipeline's local files: a per-run scratch
// directory and atomic file publication.
package storage

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const runDirPrefix = "run-"

// Workspace is the parent directory under which every run gets its own
// scratch directory.
type Workspace struct {
	baseDir string
}

// NewWorkspace creates the base directory if needed.
func NewWorkspace(baseDir string) (*Workspace, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create work directory %s: %w", baseDir, err)
	}
	return &Workspace{baseDir: baseDir}, nil
}

// BaseDir returns the workspace root.
func (w *Workspace) BaseDir() string { return w.baseDir }

// RunDir is a scratch directory owned by exactly one run.
type RunDir struct {
	path string
}

// NewRunDir creates a fresh directory for runID. The caller must call
// Cleanup on every exit path.
func (w *Workspace) NewRunDir(runID string) (*RunDir, error) {
	dir, err := os.MkdirTemp(w.baseDir, runDirPrefix+runID+"-")
	if err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	return &RunDir{path: dir}, nil
}

// Path returns the directory itself.
func (d *RunDir) Path() string { return d.path }

// File returns the path of a file inside the run directory.
func (d *RunDir) File(name string) string {
	return filepath.Join(d.path, filepath.Base(name))
}

// Cleanup removes the directory and everything in it.
func (d *RunDir) Cleanup() error {
	if d == nil || d.path == "" {
		return nil
	}
	return os.RemoveAll(d.path)
}

// PruneStale removes run directories older than maxAge. They are left
// behind only when a process dies without running its deferred cleanup.
func (w *Workspace) PruneStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(w.baseDir)
	if err != nil {
		return 0, fmt.Errorf("read work directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), runDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.baseDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove stale run directory %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// WriteResult describes a file published by WriteFileAtomic.
type WriteResult struct {
	Path     string
	Size     int64
	Checksum string // "sha256:<hex>"
}

// WriteFileAtomic streams write's output into a temp file next to path,
// fsyncs it and renames it into place. Readers never observe a partial file.
func WriteFileAtomic(path string, write func(w io.Writer) error) (*WriteResult, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tempPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tempPath)
		}
	}()

	hash := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, hash)}
	buf := bufio.NewWriterSize(counter, 64*1024)

	if err := write(buf); err != nil {
		return nil, fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := buf.Flush(); err != nil {
		return nil, fmt.Errorf("flush temp file %s: %w", tempPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync temp file %s: %w", tempPath, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return nil, fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	committed = true

	return &WriteResult{
		Path:     path,
		Size:     counter.n,
		Checksum: "sha256:" + hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
