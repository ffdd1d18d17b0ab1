// Package commands provides the CLI commands for gatekeeper.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs  bool
	logLevel   string
	configPath string
	apiAddr    string
)

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Gatekeeper - governed SSH access",
	Long: `Gatekeeper is a transparent SSH proxy that governs every command typed
through it. Safe-listed commands pass straight through; anything else is
queued, summarised by a risk analyzer and held until an operator approves.

Run 'gatekeeper serve' to start the proxy, or use 'gatekeeper tickets' to
decide on pending tickets from another terminal.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env file is not an error.
		_ = godotenv.Load()
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print human-readable logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR), overrides the config file")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default $GATEKEEPER_CONFIG, $CONFIG_PATH or ./config.json)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://127.0.0.1:3000", "Dashboard API address")

	rootCmd.SetVersionTemplate(fmt.Sprintf("gatekeeper %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ticketsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(checkCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// initLogging configures the process logger from the config file and the
// global flags. Flags win.
func initLogging(cfg types.LogConfig) error {
	lc := logging.DefaultConfig()
	lc.Output = os.Stderr
	lc.Level = logging.ParseLevel(cfg.Level)
	if logLevel != "" {
		lc.Level = logging.ParseLevel(logLevel)
	}
	lc.Pretty = cfg.Pretty || printLogs
	lc.File = cfg.File
	return logging.Init(lc)
}
