package cli

import (
	"github.com/spf13/cobra"

	"usagewatch/internal/app"
	"usagewatch/internal/sku"
)

var (
	exportSKU       string
	exportAccounts  []string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a SKU's monthly time series as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			SKU:       exportSKU,
			Accounts:  exportAccounts,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSKU, "sku", sku.CoreTrafficID, "SKU id to export")
	exportCmd.Flags().StringSliceVar(&exportAccounts, "accounts", nil, "Account ids (defaults to all configured)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
