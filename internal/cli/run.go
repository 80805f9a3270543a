package cli

import (
	"github.com/spf13/cobra"
)

var runHTTP bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the price worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("http") {
			a.Config.HTTP.Enabled = runHTTP
		}
		return a.Run(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve cached prices and the live stream from Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the alerts table",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runHTTP, "http", false, "Also serve the HTTP API in-process (overrides http.enabled)")
}
