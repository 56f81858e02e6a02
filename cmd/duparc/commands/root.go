// Package commands implements the duparc CLI command tree.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duparc/duparc/internal/logger"
	"github.com/duparc/duparc/pkg/config"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

// rootCmd is the base command when duparc is called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "duparc",
	Short: "duparc - content-defined deduplicating file archiver",
	Long: `duparc deduplicates file trees against a fixed memory budget using
content-defined chunking, and stores the result as a single
differential-append-friendly archive file.

Use "duparc [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/duparc/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(listCmd)
}

// Execute runs the root command and returns its error, if any, for the
// caller to translate into a process exit code.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads configuration from the persistent --config flag (or
// defaults) and initializes the structured logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, paramsErr(fmt.Errorf("loading configuration: %w", err))
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, nil
}
