// Package checkpoint keeps the outcome of the most recent run per target
// table on local disk.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/listings-etl/internal/storage"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint is the last known state of a table's pipeline.
type Checkpoint struct {
	Table      string    `json:"table"`
	RunID      string    `json:"run_id"`
	State      string    `json:"state"`
	FailedStep string    `json:"failed_step,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	SourceURI  string    `json:"source_uri,omitempty"`
	Checksum   string    `json:"source_checksum,omitempty"`
	Attempted  int64     `json:"rows_attempted"`
	Loaded     int64     `json:"rows_loaded"`
	Skipped    int64     `json:"rows_skipped"`
	FinishedAt time.Time `json:"finished_at"`

	// LastSuccess survives failed runs so operators can see what the table
	// currently holds.
	LastSuccess *SuccessInfo `json:"last_success,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// SuccessInfo describes the last run that reached Done.
type SuccessInfo struct {
	RunID      string    `json:"run_id"`
	Checksum   string    `json:"source_checksum"`
	Loaded     int64     `json:"rows_loaded"`
	FinishedAt time.Time `json:"finished_at"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint of one table.
	Load(ctx context.Context, table string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	// Ensure checkpoint directory exists
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files.
type fileManager struct {
	dir string
}

// checkpointPath returns the path to the checkpoint file of a table.
func (m *fileManager) checkpointPath(table string) string {
	name := strings.ToLower(strings.ReplaceAll(table, ".", "_"))
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", name))
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, table string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file. A failed run keeps the previous
// LastSuccess.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.LastSuccess == nil {
		if prev, err := m.Load(ctx, cp.Table); err == nil {
			cp.LastSuccess = prev.LastSuccess
		}
	}
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if _, err := storage.WriteFileAtomic(m.checkpointPath(cp.Table), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, table string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
