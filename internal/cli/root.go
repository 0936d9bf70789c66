package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"usagewatch/internal/app"
	"usagewatch/internal/config"
	"usagewatch/internal/logging"
	"usagewatch/internal/version"
)

type globalFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
	logFormat  string
}

var (
	flags     globalFlags
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "usagewatch",
	Short:         "Aggregate multi-account usage, prewarm caches and alert on contracted thresholds",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd == versionCmd {
			return nil
		}
		handle, err := initApp(flags)
		if err != nil {
			return err
		}
		appHandle = handle
		return nil
	},
}

func initApp(f globalFlags) (*app.App, error) {
	cfg, err := config.Load(f.configPath, f.envFiles...)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	logger := logging.NewLogger(cfg.Logging, cfg.App.Name, version.Version)
	return app.NewApp(cfg, logger), nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to the YAML configuration file")
	pf.StringSliceVar(&flags.envFiles, "env-file", nil, "dotenv files to load before reading configuration")
	pf.StringVar(&flags.logLevel, "log-level", "", "override logging.level")
	pf.StringVar(&flags.logFormat, "log-format", "", "override logging.format (json or console)")

	rootCmd.AddCommand(
		runCmd, serveCmd, prewarmCmd,
		fetchCmd, checkCmd,
		showCmd, exportCmd, backfillCmd, simulateCmd,
		versionCmd,
	)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized")
	}
	return appHandle
}
