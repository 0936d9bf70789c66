package cli

import (
	"github.com/spf13/cobra"

	"usagewatch/internal/app"
)

var (
	showAccounts []string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the cached usage bundle against thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{Accounts: showAccounts})
	},
}

func init() {
	showCmd.Flags().StringSliceVar(&showAccounts, "accounts", nil, "Account ids (defaults to all configured)")
}
