package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/listings-etl/internal/catalog"
	"github.com/withObsrvr/listings-etl/internal/checkpoint"
)

var statusLimit int

// statusCmd is the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show the last run and recent history of the table",
	Long: `Print the local checkpoint of the configured table and, when a catalog
DSN is set, its most recent runs. Neither the source nor the warehouse is
contacted.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "number of catalog runs to show")
}

type statusOutput struct {
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
	Runs       []catalog.Run          `json:"runs,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	table := cfg.QualifiedTable()
	var out statusOutput

	mgr, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		return err
	}
	cp, err := mgr.Load(ctx, table)
	switch {
	case err == nil:
		out.Checkpoint = cp
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
	default:
		return fmt.Errorf("load checkpoint: %w", err)
	}

	cat, err := catalog.NewWriter(ctx, cfg.Catalog.DSN)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()
	runs, err := cat.RecentRuns(ctx, table, statusLimit)
	if err != nil {
		return fmt.Errorf("query catalog: %w", err)
	}
	out.Runs = runs

	return printJSON(cmd.OutOrStdout(), out)
}
