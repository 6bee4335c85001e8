package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/listings-etl/internal/errkind"
)

// DefaultStaleAfter is how long a lock file may go without a refresh before
// it is presumed abandoned by a crashed process.
const DefaultStaleAfter = 6 * time.Hour

// FileLocker uses O_EXCL lock files in a directory. It only serializes
// processes sharing that directory.
type FileLocker struct {
	dir        string
	staleAfter time.Duration
}

type holder struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// NewFileLocker creates dir if needed.
func NewFileLocker(dir string, staleAfter time.Duration) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory %s: %w", dir, err)
	}
	return &FileLocker{dir: dir, staleAfter: staleAfter}, nil
}

func (l *FileLocker) path(name string) string {
	return filepath.Join(l.dir, strings.ToLower(strings.ReplaceAll(name, ".", "_"))+".lock")
}

func (l *FileLocker) TryLock(ctx context.Context, name, owner string) (Lock, error) {
	path := l.path(name)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			host, _ := os.Hostname()
			json.NewEncoder(f).Encode(holder{
				Owner:      owner,
				PID:        os.Getpid(),
				Host:       host,
				AcquiredAt: time.Now().UTC(),
			})
			f.Close()
			return &fileLock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file %s: %w", path, err)
		}

		if !l.breakStale(path) {
			break
		}
	}

	var h holder
	if data, err := os.ReadFile(path); err == nil {
		json.Unmarshal(data, &h)
	}
	return nil, errkind.Newf(errkind.Locked, "lock",
		"%s is locked by run %s (pid %d on %s since %s)",
		name, h.Owner, h.PID, h.Host, h.AcquiredAt.Format(time.RFC3339))
}

// breakStale removes an expired lock file and reports whether the caller
// should try to create it again. Only the process holding the guard file
// may check and remove, so a lock created after the check is never taken
// for the stale one.
func (l *FileLocker) breakStale(path string) bool {
	if l.staleAfter <= 0 {
		return false
	}
	guard := path + ".break"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		// A guard left by a crash mid-break is cleared for the next attempt.
		if info, statErr := os.Stat(guard); statErr == nil && time.Since(info.ModTime()) > l.staleAfter {
			os.Remove(guard)
		}
		return false
	}
	g.Close()
	defer os.Remove(guard)

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	if err != nil || time.Since(info.ModTime()) <= l.staleAfter {
		return false
	}
	return os.Remove(path) == nil
}

func (l *FileLocker) Close() error { return nil }

type fileLock struct {
	path string
}

// Refresh bumps the lock file's mtime so a long run is not taken for a
// crashed one.
func (f *fileLock) Refresh(context.Context) error {
	now := time.Now()
	if err := os.Chtimes(f.path, now, now); err != nil {
		return fmt.Errorf("refresh lock file: %w", err)
	}
	return nil
}

func (f *fileLock) Release(context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
