// Package cli provides the coursesync command-line interface.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/coursesync/server/internal/app"
	"github.com/coursesync/server/internal/config"
	"github.com/coursesync/server/internal/observability"
)

var (
	// Global flags
	cfgFile   string
	sessionID string
	verbose   bool

	logger *observability.Logger
)

// Version is set by the main package at startup
var Version = "1.0.0"

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coursesync",
		Short: "Select and download course content for offline use",
		Long: `coursesync keeps a local offline copy of LMS course content.

Pick courses, tabs and files with "select", then run "sync" to download
them. Progress is stored in the same database the server uses, so a
running server shows CLI syncs on its dashboard.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := observability.LevelWarn
			if verbose {
				level = observability.LevelDebug
			}
			logger = observability.NewConsoleLogger(os.Stderr, "coursesync", level)
			observability.SetDefault(logger)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path (default config.json)")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "Session id (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(
		newEntriesCmd(),
		newSelectCmd(),
		newSelectedCmd(),
		newSyncCmd(),
		newProgressCmd(),
		newRecoverCmd(),
		newCleanCmd(),
	)

	return rootCmd
}

// Execute runs the root command with ctx
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// openApp loads the configuration and wires the sync engine
func openApp() (*app.App, error) {
	if cfgFile != "" {
		if err := os.Setenv("CONFIG_PATH", cfgFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		cfg.SessionID = sessionID
	}
	return app.Build(cfg, logger, false)
}
