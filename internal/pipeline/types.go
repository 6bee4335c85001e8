package pipeline

import (
	"fmt"
	"time"

	"github.com/withObsrvr/listings-etl/internal/errkind"
	"github.com/withObsrvr/listings-etl/internal/loader"
	"github.com/withObsrvr/listings-etl/internal/source"
)

// State is a position in the run state machine.
type State string

const (
	StateIdle        State = "Idle"
	StateFetching    State = "Fetching"
	StateNormalizing State = "Normalizing"
	StateLoading     State = "Loading"
	StateDone        State = "Done"
	StateFailed      State = "Failed"
)

// Step names, as used in logs, audit events and metrics.
const (
	StepFetch     = "fetch"
	StepNormalize = "normalize"
	StepLoad      = "load"

	// StepLock is reported when a run cannot take the table lock.
	StepLock = "lock"
)

// StepError is the failure of one named step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RecordCounts summarizes normalization.
type RecordCounts struct {
	Normalized int   `json:"normalized"`
	Skipped    int64 `json:"skipped"`
}

// Report is the outcome of a run. It is what gets persisted to the
// checkpoint, the catalog and the audit log.
type Report struct {
	RunID      string           `json:"run_id"`
	Table      string           `json:"table"`
	State      State            `json:"state"`
	FailedStep string           `json:"failed_step,omitempty"`
	ErrorKind  errkind.Kind     `json:"error_kind,omitempty"`
	Error      string           `json:"error,omitempty"`
	Artifact   *source.Artifact `json:"artifact,omitempty"`
	Records    *RecordCounts    `json:"records,omitempty"`
	Load       *loader.Result   `json:"load,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// SkippedTotal counts rows dropped by normalization and rejected by the warehouse.
func (r *Report) SkippedTotal() int64 {
	var n int64
	if r.Records != nil {
		n += r.Records.Skipped
	}
	if r.Load != nil {
		n += r.Load.Skipped
	}
	return n
}
