package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve HTTP and prewarm caches on schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve HTTP only, without the prewarm scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var prewarmCmd = &cobra.Command{
	Use:   "prewarm",
	Short: "Recompute and cache the bundle for all configured accounts once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prewarm(cmd.Context())
	},
}
