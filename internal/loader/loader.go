// Package loader moves a normalized record set into the warehouse using
// the stage-and-copy pattern.
package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/listings-etl/internal/errkind"
	"github.com/withObsrvr/listings-etl/internal/listings"
	"github.com/withObsrvr/listings-etl/internal/storage"
	"github.com/withObsrvr/listings-etl/internal/warehouse"
)

// TimestampLayout is how timestamps are written to the transfer file.
const TimestampLayout = "2006-01-02 15:04:05"

// cleanupTimeout bounds the best-effort staged file removal, which runs even
// after the run context is canceled.
const cleanupTimeout = 30 * time.Second

// Options tunes a Loader.
type Options struct {
	Policy       listings.RowPolicy // copy row error policy
	StageRetries int
	StageBackoff time.Duration

	// OnStageRetry, when set, is called before every retried upload.
	OnStageRetry func(err error, wait time.Duration)
}

// Result summarizes one load. Loaded + Skipped == Attempted.
type Result struct {
	Attempted  int64                `json:"attempted"`
	Loaded     int64                `json:"loaded"`
	Skipped    int64                `json:"skipped"`
	FirstError string               `json:"first_error,omitempty"`
	Staged     warehouse.StagedFile `json:"staged"`
}

// Loader owns the recreate/serialize/stage/copy protocol against one
// warehouse client.
type Loader struct {
	client warehouse.Client
	opts   Options
	log    *slog.Logger
}

// New creates a loader.
func New(client warehouse.Client, opts Options) *Loader {
	return &Loader{
		client: client,
		opts:   opts,
		log:    slog.With("component", "loader"),
	}
}

// Load replaces the contents of table with records.
//
// The order of operations is fixed:
//  1. Recreate the table (a failure here stops everything else)
//  2. Serialize records to a headerless transfer file (temp -> rename)
//  3. Stage the transfer file, retrying transient upload failures
//  4. Copy the staged file into the table under the row error policy
//  5. Remove the staged file (best effort)
//
// A load that copies zero rows is not an error here; thresholds belong to
// the caller.
func (l *Loader) Load(ctx context.Context, records *listings.RecordSet, table warehouse.Table, transferPath string) (Result, error) {
	log := l.log.With("table", table.FQN())
	res := Result{Attempted: int64(records.Len())}

	// Step 1: Recreate
	ddl, err := warehouse.CreateOrReplaceSQL(l.client.Dialect(), table, listings.Columns)
	if err != nil {
		return res, errkind.New(errkind.DDLError, "recreate", err)
	}
	if err := l.client.Exec(ctx, ddl); err != nil {
		return res, errkind.New(errkind.DDLError, "recreate", err)
	}
	log.Debug("recreated table")

	// Step 2: Serialize
	written, err := WriteTransferFile(transferPath, records)
	if err != nil {
		return res, errkind.New(errkind.LocalWriteError, "serialize", err)
	}
	log.Debug("wrote transfer file", "path", written.Path, "bytes", written.Size, "checksum", written.Checksum)

	// Step 3: Stage
	staged, err := l.stage(ctx, table, written.Path)
	if err != nil {
		return res, err
	}
	res.Staged = staged

	// Step 5 runs whatever step 4 does.
	defer l.removeStaged(ctx, staged)

	// Step 4: Copy
	report, err := l.client.CopyInto(ctx, staged, listings.ColumnNames(), l.opts.Policy)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res, errkind.FromContext("copy", err)
		}
		res.FirstError = report.FirstError
		return res, errkind.New(errkind.CopyError, "copy", err)
	}
	if report.RowsLoaded > res.Attempted {
		return res, errkind.Newf(errkind.CopyError, "copy",
			"warehouse reported %d rows loaded, only %d were sent", report.RowsLoaded, res.Attempted)
	}

	res.Loaded = report.RowsLoaded
	res.Skipped = res.Attempted - res.Loaded
	res.FirstError = report.FirstError

	log.Info("load complete",
		"attempted", res.Attempted,
		"loaded", res.Loaded,
		"skipped", res.Skipped,
		"policy", l.opts.Policy.String(),
	)
	if res.Skipped > 0 {
		log.Warn("warehouse rejected rows", "skipped", res.Skipped, "first_error", res.FirstError)
	}
	return res, nil
}

// stage uploads the transfer file with exponential backoff. Errors not
// flagged retryable stop the loop at once.
func (l *Loader) stage(ctx context.Context, table warehouse.Table, path string) (warehouse.StagedFile, error) {
	b := backoff.NewExponentialBackOff()
	if l.opts.StageBackoff > 0 {
		b.InitialInterval = l.opts.StageBackoff
	}
	b.MaxElapsedTime = 0

	retries := l.opts.StageRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	var staged warehouse.StagedFile
	attempt := 0
	op := func() error {
		attempt++
		var err error
		staged, err = l.client.Stage(ctx, table, path)
		if err == nil {
			return nil
		}
		if !errkind.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.log.Warn("stage upload failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		if l.opts.OnStageRetry != nil {
			l.opts.OnStageRetry(err, wait)
		}
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		switch errkind.KindOf(err) {
		case errkind.StageUploadError, errkind.Canceled:
			return warehouse.StagedFile{}, err
		default:
			return warehouse.StagedFile{}, errkind.New(errkind.StageUploadError, "stage", err)
		}
	}
	return staged, nil
}

func (l *Loader) removeStaged(ctx context.Context, staged warehouse.StagedFile) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := l.client.RemoveStaged(ctx, staged); err != nil {
		l.log.Warn("failed to remove staged file", "location", staged.Location, "error", err)
	}
}

// WriteTransferFile atomically writes records as headerless comma-delimited
// text in column order. Prices carry two decimals; empty fields are NULL.
func WriteTransferFile(path string, records *listings.RecordSet) (*storage.WriteResult, error) {
	return storage.WriteFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		fields := make([]string, len(listings.Columns))
		for i := 0; i < records.Len(); i++ {
			encodeRow(fields, records.At(i))
			if err := cw.Write(fields); err != nil {
				return fmt.Errorf("write row %d: %w", i, err)
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

func encodeRow(dst []string, r listings.Listing) {
	dst[0] = strconv.FormatInt(r.ID, 10)
	dst[1] = r.ListingURL
	dst[2] = r.Name
	dst[3] = r.RoomType
	dst[4] = strconv.FormatInt(r.MinimumNights, 10)
	dst[5] = strconv.FormatInt(r.HostID, 10)
	dst[6] = r.Price.StringFixed(2)
	dst[7] = formatTimestamp(r.CreatedAt)
	dst[8] = formatTimestamp(r.UpdatedAt)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimestampLayout)
}
