package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"usagewatch/internal/alerting"
	"usagewatch/internal/app"
)

var (
	fetchPhase    int
	fetchAccounts []string

	checkMode     string
	checkAccounts []string
	checkForce    bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one progressive phase and print the JSON result",
	RunE: func(cmd *cobra.Command, args []string) error {
		if fetchPhase < 1 || fetchPhase > 3 {
			return fmt.Errorf("--phase must be 1, 2 or 3")
		}
		return getApp().Fetch(cmd.Context(), app.FetchOptions{Phase: fetchPhase, Accounts: fetchAccounts})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate thresholds and notify",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := alerting.ParseMode(checkMode)
		if err != nil {
			return err
		}
		return getApp().Check(cmd.Context(), app.CheckOptions{Mode: mode, Accounts: checkAccounts, Force: checkForce})
	},
}

func init() {
	fetchCmd.Flags().IntVar(&fetchPhase, "phase", 1, "Phase to run (1 cache/zone count, 2 core, 3 complete)")
	fetchCmd.Flags().StringSliceVar(&fetchAccounts, "accounts", nil, "Account ids (defaults to all configured)")

	checkCmd.Flags().StringVar(&checkMode, "mode", string(alerting.ModeAlert), "alert or report")
	checkCmd.Flags().StringSliceVar(&checkAccounts, "accounts", nil, "Account ids (defaults to all configured)")
	checkCmd.Flags().BoolVar(&checkForce, "force", false, "Recompute instead of using the hot cache")
}
