package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileLog appends events as JSON lines, one file per table.
type FileLog struct {
	dir string
}

// NewFileLog creates dir if needed.
func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileLog{dir: dir}, nil
}

// Path returns the log file of a table.
func (f *FileLog) Path(table string) string {
	name := strings.ToLower(strings.ReplaceAll(table, ".", "_"))
	return filepath.Join(f.dir, "audit_"+name+".jsonl")
}

// Append writes evt as one line and syncs the file.
func (f *FileLog) Append(evt *Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	file, err := os.OpenFile(f.Path(evt.Run.Table), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return file.Sync()
}

// ReadAll returns every event of a table, oldest first.
func (f *FileLog) ReadAll(table string) ([]Event, error) {
	file, err := os.Open(f.Path(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			return nil, fmt.Errorf("parse audit line %d: %w", len(events)+1, err)
		}
		events = append(events, evt)
	}
	return events, scanner.Err()
}
