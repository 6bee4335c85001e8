package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/listings-etl/internal/config"
	"github.com/withObsrvr/listings-etl/internal/logging"
	"github.com/withObsrvr/listings-etl/internal/metrics"
	"github.com/withObsrvr/listings-etl/internal/pipeline"
)

var (
	configPath  string
	stepTimeout time.Duration

	// cfg is loaded once by the root command before any subcommand runs.
	cfg config.Config
)

// rootCmd is the root command
var rootCmd = &cobra.Command{
	Use:     "listings-etl",
	Short:   "Load the listings snapshot into the warehouse",
	Version: pipeline.Version,
	Long: `Fetches the listings object from blob storage, normalizes prices and
minimum nights, and replaces the warehouse table with the result using
stage-and-copy. Every run is a full refresh; repeating it is safe.`,
	Example: `  # Full run with a config file
  $ listings-etl run --config etl.yaml

  # Bound each step to ten minutes
  $ listings-etl run --config etl.yaml --step-timeout 10m

  # Load a file that was fetched earlier
  $ listings-etl load ./listings.csv --config etl.yaml

  # Check the loaded table
  $ listings-etl verify --config etl.yaml`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute executes the root command
func Execute(ctx context.Context) error {
	rootCmd.SetVersionTemplate(fmt.Sprintf("listings-etl %s (%s)\n", pipeline.Version, pipeline.GitSHA))
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().DurationVar(&stepTimeout, "step-timeout", 0, "upper bound for each step, e.g. 10m (0 = config value)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(normalizeCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("step-timeout") {
		loaded.StepTimeout = stepTimeout
	}
	cfg = loaded

	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	slog.Debug("configuration loaded", "path", configPath, "table", cfg.QualifiedTable())
	return nil
}

// openPipeline connects everything the config names and, when enabled,
// serves metrics for as long as the process lives.
func openPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	m := metrics.New()
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		go func() {
			slog.Info("starting metrics server", "address", cfg.Metrics.Address)
			if err := m.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	return pipeline.Open(ctx, cfg, m)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
