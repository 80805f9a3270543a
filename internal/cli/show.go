package cli

import (
	"github.com/spf13/cobra"

	"coinwatch/internal/app"
)

var showAssets []string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display cached prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{Assets: showAssets})
	},
}

func init() {
	showCmd.Flags().StringSliceVar(&showAssets, "assets", nil, "Asset ids to display (defaults to market.assets)")
}
