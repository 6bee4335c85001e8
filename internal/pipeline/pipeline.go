// Package pipeline runs fetch, normalize and load as a linear state machine.
// Each step can also be invoked on its own; outputs are cached on the
// Pipeline value so a failed step can be retried without redoing the earlier
// ones. A fetched file lives in the run directory and is dropped with it when
// Run returns, so a retry after a failed normalize fetches again. A fresh
// process always starts from the beginning.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"

	"github.com/withObsrvr/listings-etl/internal/audit"
	"github.com/withObsrvr/listings-etl/internal/catalog"
	"github.com/withObsrvr/listings-etl/internal/checkpoint"
	"github.com/withObsrvr/listings-etl/internal/config"
	"github.com/withObsrvr/listings-etl/internal/errkind"
	"github.com/withObsrvr/listings-etl/internal/listings"
	"github.com/withObsrvr/listings-etl/internal/loader"
	"github.com/withObsrvr/listings-etl/internal/lock"
	"github.com/withObsrvr/listings-etl/internal/logging"
	"github.com/withObsrvr/listings-etl/internal/metrics"
	"github.com/withObsrvr/listings-etl/internal/source"
	"github.com/withObsrvr/listings-etl/internal/storage"
	"github.com/withObsrvr/listings-etl/internal/warehouse"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// ProducerName identifies this program in audit events and the catalog.
const ProducerName = "listings-etl"

const (
	// staleRunDirAge is how old an orphaned run directory must be before
	// a new pipeline removes it.
	staleRunDirAge = 24 * time.Hour

	// bookkeepingTimeout bounds checkpoint, catalog, audit and push writes
	// at the end of a run, which happen even after cancellation.
	bookkeepingTimeout = 30 * time.Second
)

// Deps are the collaborators of a pipeline. Bucket and Warehouse are
// required; everything else falls back to a no-op.
type Deps struct {
	Bucket     *blob.Bucket
	Location   source.Location // Key defaults to source.key
	Warehouse  warehouse.Client
	Locker     lock.Locker
	Checkpoint checkpoint.Manager
	Catalog    catalog.Writer
	Audit      audit.Emitter
	Metrics    *metrics.Metrics
}

// Pipeline is one run against one table. It is not safe for concurrent use.
type Pipeline struct {
	cfg        config.Config
	deps       Deps
	loc        source.Location
	table      warehouse.Table
	fetcher    *source.Fetcher
	normalizer *listings.Normalizer
	loader     *loader.Loader
	workspace  *storage.Workspace
	log        *slog.Logger

	runID       string
	state       State
	runDir      *storage.RunDir
	artifactDir string
	held        lock.Lock
	report      Report

	// cached step outputs
	artifact *source.Artifact
	records  *listings.RecordSet
}

// New validates cfg and assembles a pipeline. The pipeline takes ownership
// of deps and closes them in Close.
func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	if deps.Bucket == nil {
		return nil, errkind.Newf(errkind.Config, "pipeline", "no source bucket")
	}
	if deps.Warehouse == nil {
		return nil, errkind.Newf(errkind.Config, "pipeline", "no warehouse client")
	}

	table := warehouse.Table{
		Database: cfg.Warehouse.Database,
		Schema:   cfg.Warehouse.Schema,
		Name:     cfg.Warehouse.Table,
	}
	if err := table.Validate(); err != nil {
		return nil, errkind.New(errkind.Config, "pipeline", err)
	}
	normalizePolicy, err := listings.ParseRowPolicy(cfg.Normalize.OnRowError)
	if err != nil {
		return nil, errkind.New(errkind.Config, "normalize.on_row_error", err)
	}
	loadPolicy, err := listings.ParseRowPolicy(cfg.Load.OnRowError)
	if err != nil {
		return nil, errkind.New(errkind.Config, "load.on_row_error", err)
	}

	if deps.Locker == nil {
		deps.Locker = lock.Noop{}
	}
	if deps.Checkpoint == nil {
		deps.Checkpoint, _ = checkpoint.NewManager(checkpoint.Config{Enabled: false})
	}
	if deps.Catalog == nil {
		deps.Catalog, _ = catalog.NewWriter(context.Background(), "")
	}
	if deps.Audit == nil {
		deps.Audit, _ = audit.NewEmitter(audit.Config{Enabled: false})
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	loc := deps.Location
	if loc.Key == "" {
		loc.Key = cfg.Source.Key
	}
	if loc.Bucket == "" {
		loc.Bucket = cfg.Source.Bucket
	}

	ws, err := storage.NewWorkspace(cfg.WorkDir)
	if err != nil {
		return nil, errkind.New(errkind.LocalWriteError, "workspace", err)
	}

	runID := uuid.NewString()
	log := logging.RunLogger(runID, table.FQN(), loc.URI())

	if n, err := ws.PruneStale(staleRunDirAge); err != nil {
		log.Warn("failed to prune stale run directories", "error", err)
	} else if n > 0 {
		log.Info("pruned stale run directories", "count", n)
	}

	p := &Pipeline{
		cfg:        cfg,
		deps:       deps,
		loc:        loc,
		table:      table,
		fetcher:    source.NewFetcher(deps.Bucket),
		normalizer: listings.NewNormalizer(normalizePolicy),
		workspace:  ws,
		log:        log,
		runID:      runID,
		state:      StateIdle,
		report: Report{
			RunID: runID,
			Table: table.FQN(),
			State: StateIdle,
		},
	}
	p.loader = loader.New(deps.Warehouse, loader.Options{
		Policy:       loadPolicy,
		StageRetries: cfg.Load.StageRetries,
		StageBackoff: cfg.Load.StageBackoff,
		OnStageRetry: func(error, time.Duration) {
			deps.Metrics.IncStageRetries(table.FQN())
		},
	})
	return p, nil
}

// RunID returns the identifier shared by every log line, audit event and
// catalog row of this pipeline.
func (p *Pipeline) RunID() string { return p.runID }

// State returns the current state.
func (p *Pipeline) State() State { return p.state }

// Table returns the target table.
func (p *Pipeline) Table() warehouse.Table { return p.table }

// Report returns a copy of the current report.
func (p *Pipeline) Report() Report {
	r := p.report
	r.State = p.state
	return r
}

// UseArtifact seeds the pipeline with an already fetched file, so Run
// starts at normalize.
func (p *Pipeline) UseArtifact(art *source.Artifact) {
	p.artifact = art
	p.records = nil
	p.report.Artifact = art
}

// SetArtifactDir makes Fetch write into dir instead of the run directory,
// so the artifact outlives the pipeline.
func (p *Pipeline) SetArtifactDir(dir string) {
	p.artifactDir = dir
}

// Run executes every step that has not completed on this value yet.
//
// The order of operations is fixed:
//  1. Acquire the table lock (fails fast when another run holds it)
//  2. Fetch the source object, unless an earlier attempt already did
//  3. Normalize it, unless an earlier attempt already did
//  4. Load the records, enforcing the skipped-row thresholds
//  5. Persist the report (checkpoint, catalog, audit, metrics)
//  6. Release the lock and remove the run directory
//
// The returned report is never nil. On failure the error is a *StepError.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	ctx = logging.WithRunID(ctx, p.runID)
	p.report.StartedAt = time.Now().UTC()
	p.report.FinishedAt = time.Time{}
	defer p.cleanupRunDir()

	// Step 1: Lock
	release, err := p.acquire(ctx)
	if err != nil {
		// Another run owns the table and its bookkeeping; record nothing
		// beyond this process's own metrics.
		p.state = StateFailed
		p.setFailure(StepLock, err)
		p.report.FinishedAt = time.Now().UTC()
		p.deps.Metrics.IncRuns(p.table.FQN(), string(StateFailed))
		p.log.Error("could not acquire table lock", "error", err)
		r := p.Report()
		return &r, &StepError{Step: StepLock, Err: err}
	}
	defer release()

	p.log.Info("run started", "source_uri", p.loc.URI())

	// Steps 2-4
	runErr := p.runSteps(ctx)

	// Step 5: Persist
	p.finish(ctx)

	r := p.Report()
	if runErr != nil {
		p.log.Error("run failed", "failed_step", r.FailedStep, "kind", r.ErrorKind)
	} else {
		p.log.Info("run complete",
			"loaded", r.Load.Loaded,
			"skipped", r.SkippedTotal(),
			"duration", r.FinishedAt.Sub(r.StartedAt).String(),
		)
	}
	return &r, runErr
}

func (p *Pipeline) runSteps(ctx context.Context) error {
	if p.records != nil {
		p.log.Info("reusing normalized records", "rows", p.records.Len())
		_, err := p.Load(ctx, p.records)
		return err
	}

	if p.artifact == nil {
		if _, err := p.Fetch(ctx); err != nil {
			return err
		}
	} else {
		p.log.Info("reusing fetched artifact", "path", p.artifact.Path, "checksum", p.artifact.Checksum)
	}

	records, err := p.Normalize(ctx, p.artifact)
	if err != nil {
		return err
	}

	_, err = p.Load(ctx, records)
	return err
}

// Fetch downloads the source object into the run directory.
func (p *Pipeline) Fetch(ctx context.Context) (*source.Artifact, error) {
	err := p.step(ctx, StepFetch, StateFetching, func(ctx context.Context) error {
		dest := p.artifactDir
		if dest == "" {
			dir, err := p.ensureRunDir()
			if err != nil {
				return err
			}
			dest = dir.Path()
		}
		art, err := p.fetcher.Fetch(ctx, p.loc, dest)
		if err != nil {
			return err
		}
		p.artifact = art
		p.records = nil
		p.report.Artifact = art
		p.deps.Metrics.SetSourceBytes(p.table.FQN(), art.Size)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.artifact, nil
}

// Normalize parses art into records. A nil art means the one Fetch cached.
func (p *Pipeline) Normalize(ctx context.Context, art *source.Artifact) (*listings.RecordSet, error) {
	if art == nil {
		art = p.artifact
	}
	err := p.step(ctx, StepNormalize, StateNormalizing, func(ctx context.Context) error {
		if art == nil {
			return errkind.Newf(errkind.NotFound, "normalize", "no artifact, fetch first")
		}
		records, err := p.normalizer.Normalize(ctx, art)
		if err != nil {
			return err
		}
		p.artifact = art
		p.records = records
		p.report.Artifact = art
		p.report.Records = &RecordCounts{
			Normalized: records.Len(),
			Skipped:    records.Skipped(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.records, nil
}

// Load replaces the table contents with records. A nil records means the
// ones Normalize cached. Outside Run it takes the table lock itself.
func (p *Pipeline) Load(ctx context.Context, records *listings.RecordSet) (loader.Result, error) {
	if records == nil {
		records = p.records
	}

	release, err := p.acquire(ctx)
	if err != nil {
		p.state = StateFailed
		p.setFailure(StepLoad, err)
		return loader.Result{}, &StepError{Step: StepLoad, Err: err}
	}
	defer release()

	var res loader.Result
	err = p.step(ctx, StepLoad, StateLoading, func(ctx context.Context) error {
		if records == nil {
			return errkind.Newf(errkind.NotFound, "load", "no records, normalize first")
		}
		dir, err := p.ensureRunDir()
		if err != nil {
			return err
		}
		transfer := dir.File(fmt.Sprintf("transfer_%s.csv", p.table.Name))

		res, err = p.loader.Load(ctx, records, p.table, transfer)
		p.report.Load = &res
		if err != nil {
			return err
		}
		return p.checkThresholds(records, res)
	})
	if err != nil {
		return res, err
	}
	// Load is the last step.
	p.state = StateDone
	return res, nil
}

// checkThresholds fails the load when too many rows were dropped, counting
// both normalization skips and warehouse rejections. Zero disables a limit.
func (p *Pipeline) checkThresholds(records *listings.RecordSet, res loader.Result) error {
	skipped := records.Skipped() + res.Skipped
	total := int64(records.Len()) + records.Skipped()

	if limit := p.cfg.Load.MaxSkippedRows; limit > 0 && skipped > limit {
		return errkind.Newf(errkind.CopyPartialFailure, "load",
			"%d rows skipped, limit is %d (%d rows remain loaded)", skipped, limit, res.Loaded)
	}
	if ratio := p.cfg.Load.MaxSkippedRatio; ratio > 0 && total > 0 {
		if got := float64(skipped) / float64(total); got > ratio {
			return errkind.Newf(errkind.CopyPartialFailure, "load",
				"%.2f%% of rows skipped, limit is %.2f%% (%d rows remain loaded)", got*100, ratio*100, res.Loaded)
		}
	}
	return nil
}

// Verify runs the read-only post-load checks against the table.
func (p *Pipeline) Verify(ctx context.Context) (warehouse.Verification, error) {
	v, err := p.deps.Warehouse.QueryVerification(ctx, p.table)
	if err != nil {
		return v, fmt.Errorf("verify %s: %w", p.table, err)
	}
	p.log.Info("verification",
		"rows", v.Rows,
		"prices_with_symbols", v.PricesWithSymbols,
		"nights_below_one", v.NightsBelowOne,
	)
	return v, nil
}

// step runs fn as one named step: state change, optional timeout, log
// lines, duration metric and audit event. Failures move the state machine
// to Failed and come back as *StepError.
func (p *Pipeline) step(ctx context.Context, name string, state State, fn func(context.Context) error) error {
	log := logging.StepLogger(p.log, name)
	p.state = state
	p.clearFailure()
	p.refreshLock(ctx)

	stepCtx := ctx
	if p.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, p.cfg.StepTimeout)
		defer cancel()
	}

	log.Info("step started")
	start := time.Now()
	err := fn(stepCtx)
	elapsed := time.Since(start)

	if err != nil {
		p.state = StateFailed
		p.setFailure(name, err)
		p.deps.Metrics.ObserveStep(p.table.FQN(), name, elapsed, string(p.report.ErrorKind))
		log.Error("step failed",
			"kind", p.report.ErrorKind,
			"retryable", errkind.Retryable(err),
			"duration", elapsed.String(),
			"error", err,
		)
		p.emit(ctx, audit.EventStepFailed, name, elapsed)
		return &StepError{Step: name, Err: err}
	}

	p.deps.Metrics.ObserveStep(p.table.FQN(), name, elapsed, "")
	log.Info("step completed", "duration", elapsed.String())
	p.emit(ctx, audit.EventStepCompleted, name, elapsed)
	return nil
}

// refreshLock marks the held table lock live at a step boundary.
func (p *Pipeline) refreshLock(ctx context.Context) {
	if p.held == nil {
		return
	}
	if err := p.held.Refresh(ctx); err != nil {
		p.log.Warn("failed to refresh table lock", "error", err)
		p.deps.Metrics.IncAuxiliaryErrors("lock")
	}
}

func (p *Pipeline) setFailure(step string, err error) {
	p.report.FailedStep = step
	p.report.ErrorKind = errkind.KindOf(err)
	p.report.Error = err.Error()
}

func (p *Pipeline) clearFailure() {
	p.report.FailedStep = ""
	p.report.ErrorKind = ""
	p.report.Error = ""
}

// acquire takes the table lock unless this pipeline already holds it. The
// returned func releases only what this call acquired.
func (p *Pipeline) acquire(ctx context.Context) (func(), error) {
	if p.held != nil {
		return func() {}, nil
	}
	l, err := p.deps.Locker.TryLock(ctx, p.table.FQN(), p.runID)
	if err != nil {
		if errkind.KindOf(err) == errkind.Unknown {
			err = errkind.New(errkind.TransientIO, "lock", err)
		}
		return nil, err
	}
	p.held = l
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
		defer cancel()
		if err := l.Release(ctx); err != nil {
			p.log.Warn("failed to release table lock", "error", err)
		}
		p.held = nil
	}, nil
}

func (p *Pipeline) ensureRunDir() (*storage.RunDir, error) {
	if p.runDir != nil {
		return p.runDir, nil
	}
	dir, err := p.workspace.NewRunDir(p.runID)
	if err != nil {
		return nil, errkind.New(errkind.LocalWriteError, "workspace", err)
	}
	p.runDir = dir
	return dir, nil
}

// cleanupRunDir removes the run directory. A cached artifact stored inside
// it goes too, so the next Run fetches again; records are in memory and
// survive.
func (p *Pipeline) cleanupRunDir() {
	if p.runDir == nil {
		return
	}
	if p.artifact != nil && inDir(p.runDir.Path(), p.artifact.Path) {
		p.artifact = nil
	}
	if err := p.runDir.Cleanup(); err != nil {
		p.log.Warn("failed to remove run directory", "path", p.runDir.Path(), "error", err)
	}
	p.runDir = nil
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Close removes the run directory and closes every collaborator.
func (p *Pipeline) Close() error {
	p.cleanupRunDir()

	var errs []error
	if p.held != nil {
		if err := p.held.Release(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
		p.held = nil
	}
	if err := p.deps.Audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit: %w", err))
	}
	if err := p.deps.Catalog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close catalog: %w", err))
	}
	if err := p.deps.Locker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close locker: %w", err))
	}
	if err := p.deps.Warehouse.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close warehouse: %w", err))
	}
	if err := p.deps.Bucket.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bucket: %w", err))
	}
	return errors.Join(errs...)
}
