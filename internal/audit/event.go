// Package audit writes a tamper-evident trail of pipeline step outcomes.
// Every event carries the hash of the previous event for the same table.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Event types.
const (
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventRunFinished   = "run_finished"
)

// SchemaVersion is the audit event format version.
const SchemaVersion = "1.0"

// Event is one audit record.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Run      RunInfo      `json:"run"`
	Source   *SourceInfo  `json:"source,omitempty"`
	Records  *RecordInfo  `json:"records,omitempty"`
	Error    *ErrorInfo   `json:"error,omitempty"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// RunInfo identifies the run and step being audited.
type RunInfo struct {
	RunID    string `json:"run_id"`
	Table    string `json:"table"`
	Step     string `json:"step,omitempty"`
	State    string `json:"state"`
	Duration string `json:"duration,omitempty"`
}

// SourceInfo pins the exact input bytes.
type SourceInfo struct {
	URI      string `json:"uri"`
	Checksum string `json:"checksum"`
	Bytes    int64  `json:"bytes"`
}

// RecordInfo carries row accounting.
type RecordInfo struct {
	Attempted int64 `json:"attempted"`
	Loaded    int64 `json:"loaded"`
	Skipped   int64 `json:"skipped"`
}

// ErrorInfo describes a failure.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// ChainInfo provides hash chaining for tamper-evident audit log.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain this event belongs to: one per table.
func (e *Event) ChainKey() string {
	return e.Run.Table
}

// SetChainHashes links the event to prevHash and seals it.
func (e *Event) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}

// ComputeEventHash computes the SHA256 hash of an event over its JSON
// form with event_hash blanked.
func ComputeEventHash(evt *Event) string {
	evtCopy := *evt
	evtCopy.Chain.EventHash = ""

	canonical, err := json.Marshal(evtCopy)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyChain checks that events (oldest first) link to each other and that
// every hash matches its content.
func VerifyChain(events []Event) (int, bool) {
	prev := ""
	for i := range events {
		evt := events[i]
		if evt.Chain.PrevEventHash != prev {
			return i, false
		}
		if ComputeEventHash(&evt) != evt.Chain.EventHash {
			return i, false
		}
		prev = evt.Chain.EventHash
	}
	return len(events), true
}
