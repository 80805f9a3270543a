package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"coinwatch/internal/app"
)

var (
	simulateAsset     string
	simulatePrice     float64
	simulateOperator  string
	simulateThreshold float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Run one cycle against a static price and print the emitted events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return errors.New("--price must be greater than zero")
		}
		if simulateOperator != "" && simulateThreshold <= 0 {
			return errors.New("--threshold must be greater than zero when --operator is set")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Asset:     simulateAsset,
			Price:     simulatePrice,
			Operator:  simulateOperator,
			Threshold: simulateThreshold,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "bitcoin", "Asset id to price")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "Static price for the asset")
	simulateCmd.Flags().StringVar(&simulateOperator, "operator", "", "Rule operator when no database is configured (>, <, above, below)")
	simulateCmd.Flags().Float64Var(&simulateThreshold, "threshold", 0, "Rule threshold when no database is configured")
}
