package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"usagewatch/internal/app"
)

var (
	backfillMonths  int
	backfillWorkers int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Warm the closed-month cache for every account and SKU",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillMonths <= 0 {
			return fmt.Errorf("--months must be greater than zero")
		}
		return getApp().Backfill(cmd.Context(), app.BackfillOptions{
			Months:  backfillMonths,
			Workers: backfillWorkers,
		})
	},
}

func init() {
	backfillCmd.Flags().IntVar(&backfillMonths, "months", 12, "Number of months before the current one to warm")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 0, "Concurrent upstream calls (defaults to analytics.max_concurrency)")
}
