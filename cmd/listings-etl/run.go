package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/listings-etl/internal/errkind"
	"github.com/withObsrvr/listings-etl/internal/pipeline"
	"github.com/withObsrvr/listings-etl/internal/source"
)

// runCmd is the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "fetch, normalize and load in one run",
	Long: `Run all three steps against the configured source and table.

The report is printed as JSON on stdout. The exit status is 0 when the run
reaches Done and 1 otherwise; the failed step and its error kind are printed
on stderr.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

// loadCmd is the load command
var loadCmd = &cobra.Command{
	Use:   "load <path>",
	Short: "normalize and load a local copy of the source object",
	Long: `Normalize a file that is already on disk (for example from 'fetch')
and load it, skipping the download. Bookkeeping is the same as for 'run'.`,
	Args: cobra.ExactArgs(1),
	RunE: runLoad,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer closePipeline(p)

	rep, err := p.Run(ctx)
	if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
		slog.Warn("failed to print report", "error", perr)
	}
	if err != nil {
		return runFailure(rep, err)
	}
	return nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	art, err := source.LocalArtifact(args[0])
	if err != nil {
		return err
	}

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer closePipeline(p)

	p.UseArtifact(art)
	rep, err := p.Run(ctx)
	if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
		slog.Warn("failed to print report", "error", perr)
	}
	if err != nil {
		return runFailure(rep, err)
	}
	return nil
}

func runFailure(rep *pipeline.Report, err error) error {
	return fmt.Errorf("run %s failed at step %s (kind %s, retryable %t): %w",
		rep.RunID, rep.FailedStep, rep.ErrorKind, errkind.Retryable(err), err)
}

func closePipeline(p *pipeline.Pipeline) {
	if err := p.Close(); err != nil {
		slog.Warn("failed to close pipeline", "error", err)
	}
}
