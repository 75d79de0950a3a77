// clipboard-connector observes the system clipboard and relays change
// events to the local contextd daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/contextd/connectors/internal/config"
	"github.com/contextd/connectors/internal/connector"
	"github.com/contextd/connectors/internal/connectors/clipboard"
	"github.com/contextd/connectors/pkg/logging"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "clipboard-connector",
	Short: "Relay clipboard changes to the contextd daemon",
	Long: `clipboard-connector watches the system clipboard and forwards every
content change to the local contextd daemon. It uses native clipboard
notifications where the OS provides them and adaptive polling where it
does not.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, clipboard.ConnectorID)
		if err != nil {
			return err
		}

		logger, err := logging.New(cfg.LogLevel, verbose, quiet)
		if err != nil {
			return err
		}
		defer logger.Sync()

		rt, err := connector.New(connector.Options{
			Config: cfg,
			Hooks:  clipboard.New(logger),
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
		fmt.Printf("clipboard-connector %s (commit %s)\n", version, commit)
	},
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit %s)", version, commit)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "log errors only")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
