package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"usagewatch/internal/app"
)

var (
	simulateSKU    string
	simulateMetric string
	simulateValue  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a report for a synthetic reading through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSKU == "" || simulateMetric == "" {
			return errors.New("--sku and --metric are required")
		}
		if simulateValue < 0 {
			return errors.New("--value must not be negative")
		}

		result, err := getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			SKU:    simulateSKU,
			Metric: simulateMetric,
			Value:  simulateValue,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d metric(s) for %s\n", len(result.Selected), result.AccountsKey)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSKU, "sku", "", "SKU id, e.g. core_traffic")
	simulateCmd.Flags().StringVar(&simulateMetric, "metric", "", "Sub-metric key, e.g. requests")
	simulateCmd.Flags().Float64Var(&simulateValue, "value", 0, "Synthetic current value")
}
