package pipeline

import (
	"context"
	"time"

	"github.com/withObsrvr/listings-etl/internal/audit"
	"github.com/withObsrvr/listings-etl/internal/catalog"
	"github.com/withObsrvr/listings-etl/internal/checkpoint"
)

// finish stamps the report and records it everywhere. None of these writes
// can fail the run; each failure is logged and counted.
//
// Order:
//  1. Metrics (in-process, cannot fail)
//  2. Checkpoint
//  3. Catalog
//  4. Audit run_finished event
//  5. Pushgateway, last, so it carries everything above
func (p *Pipeline) finish(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	p.report.State = p.state
	p.report.FinishedAt = time.Now().UTC()
	rep := p.report
	table := p.table.FQN()

	// Step 1: Metrics
	p.deps.Metrics.IncRuns(table, string(rep.State))
	if rep.Load != nil {
		p.deps.Metrics.SetRows(table, rep.Load.Attempted, rep.Load.Loaded, rep.SkippedTotal())
	}
	if rep.State == StateDone {
		p.deps.Metrics.SetLastSuccess(table, rep.FinishedAt)
	}

	// Step 2: Checkpoint
	if err := p.deps.Checkpoint.Save(ctx, p.checkpointFor(rep)); err != nil {
		p.log.Warn("failed to save checkpoint", "error", err)
		p.deps.Metrics.IncAuxiliaryErrors("checkpoint")
	}

	// Step 3: Catalog
	if err := p.deps.Catalog.RecordRun(ctx, p.catalogRunFor(rep)); err != nil {
		p.log.Warn("failed to record run in catalog", "error", err)
		p.deps.Metrics.IncAuxiliaryErrors("catalog")
	}

	// Step 4: Audit
	p.emit(ctx, audit.EventRunFinished, "", rep.FinishedAt.Sub(rep.StartedAt))

	// Step 5: Push
	if gw := p.cfg.Metrics.Pushgateway; gw != "" {
		if err := p.deps.Metrics.Push(ctx, gw, ProducerName, p.table.Name); err != nil {
			p.log.Warn("failed to push metrics", "pushgateway", gw, "error", err)
		}
	}
}

func (p *Pipeline) checkpointFor(rep Report) *checkpoint.Checkpoint {
	cp := &checkpoint.Checkpoint{
		Table:      rep.Table,
		RunID:      rep.RunID,
		State:      string(rep.State),
		FailedStep: rep.FailedStep,
		ErrorKind:  string(rep.ErrorKind),
		Error:      rep.Error,
		FinishedAt: rep.FinishedAt,
	}
	if rep.Artifact != nil {
		cp.SourceURI = rep.Artifact.Location.URI()
		cp.Checksum = rep.Artifact.Checksum
	}
	if rep.Load != nil {
		cp.Attempted = rep.Load.Attempted
		cp.Loaded = rep.Load.Loaded
		cp.Skipped = rep.SkippedTotal()
	}
	if rep.State == StateDone {
		cp.LastSuccess = &checkpoint.SuccessInfo{
			RunID:      rep.RunID,
			Checksum:   cp.Checksum,
			Loaded:     cp.Loaded,
			FinishedAt: rep.FinishedAt,
		}
	}
	return cp
}

func (p *Pipeline) catalogRunFor(rep Report) catalog.Run {
	run := catalog.Run{
		RunID:           rep.RunID,
		Table:           rep.Table,
		State:           string(rep.State),
		FailedStep:      rep.FailedStep,
		ErrorKind:       string(rep.ErrorKind),
		ErrorMessage:    rep.Error,
		SourceURI:       p.loc.URI(),
		ProducerVersion: ProducerName + "@" + Version,
		StartedAt:       rep.StartedAt,
		FinishedAt:      rep.FinishedAt,
	}
	if rep.Artifact != nil {
		run.SourceChecksum = rep.Artifact.Checksum
		run.SourceBytes = rep.Artifact.Size
	}
	if rep.Load != nil {
		run.Attempted = rep.Load.Attempted
		run.Loaded = rep.Load.Loaded
		run.Skipped = rep.SkippedTotal()
	}
	return run
}

// emit writes one audit event describing the pipeline as it stands.
func (p *Pipeline) emit(ctx context.Context, eventType, step string, d time.Duration) {
	evt := &audit.Event{
		EventType: eventType,
		Run: audit.RunInfo{
			RunID:    p.runID,
			Table:    p.table.FQN(),
			Step:     step,
			State:    string(p.state),
			Duration: d.String(),
		},
	}
	if p.artifact != nil {
		evt.Source = &audit.SourceInfo{
			URI:      p.artifact.Location.URI(),
			Checksum: p.artifact.Checksum,
			Bytes:    p.artifact.Size,
		}
	}
	switch {
	case p.report.Load != nil:
		evt.Records = &audit.RecordInfo{
			Attempted: p.report.Load.Attempted,
			Loaded:    p.report.Load.Loaded,
			Skipped:   p.report.SkippedTotal(),
		}
	case p.report.Records != nil:
		evt.Records = &audit.RecordInfo{
			Attempted: int64(p.report.Records.Normalized),
			Skipped:   p.report.Records.Skipped,
		}
	}
	if p.report.ErrorKind != "" {
		evt.Error = &audit.ErrorInfo{
			Kind:    string(p.report.ErrorKind),
			Message: p.report.Error,
		}
	}

	if err := p.deps.Audit.Emit(ctx, evt); err != nil {
		p.log.Warn("failed to emit audit event", "event_type", eventType, "error", err)
		p.deps.Metrics.IncAuxiliaryErrors("audit")
	}
}
