package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// verifyCmd is the verify command
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "run read-only checks against the loaded table",
	Long: `Count rows whose price still carries a currency symbol and rows with
minimum_nights below 1. Any price with a symbol fails the check. Nights below
1 are reported but only warned about, since negative source values are
loaded unchanged.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer closePipeline(p)

	v, err := p.Verify(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), v); err != nil {
		return err
	}

	if v.NightsBelowOne > 0 {
		slog.Warn("rows with minimum_nights below 1", "count", v.NightsBelowOne)
	}
	if v.PricesWithSymbols > 0 {
		return fmt.Errorf("verification failed: %d prices still contain a currency symbol", v.PricesWithSymbols)
	}
	return nil
}
