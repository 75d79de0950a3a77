// fs-connector watches configured directory trees and relays file
// change events to the local contextd daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/contextd/connectors/internal/config"
	"github.com/contextd/connectors/internal/connector"
	"github.com/contextd/connectors/internal/connectors/fs"
	"github.com/contextd/connectors/pkg/logging"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	watchDirs []string
)

var rootCmd = &cobra.Command{
	Use:   "fs-connector",
	Short: "Relay filesystem changes to the contextd daemon",
	Long: `fs-connector watches one or more directory trees and forwards file
create, modify, remove, and rename events to the local contextd daemon.
A persistent index lets it report changes that happened while it was
not running.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, fs.ConnectorID)
		if err != nil {
			return err
		}
		if len(watchDirs) > 0 {
			cfg.WatchDirs = watchDirs
		}

		logger, err := logging.New(cfg.LogLevel, verbose, quiet)
		if err != nil {
			return err
		}
		defer logger.Sync()

		hooks := fs.New(logger)
		defer hooks.Close()

		rt, err := connector.New(connector.Options{
			Config: cfg,
			Hooks:  hooks,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		return rt.Run(context.Background())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fs-connector %s (commit %s)\n", version, commit)
	},
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit %s)", version, commit)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "log errors only")
	rootCmd.Flags().StringSliceVar(&watchDirs, "watch", nil, "directory to watch (repeatable, overrides config)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
