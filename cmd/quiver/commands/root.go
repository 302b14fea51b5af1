// Package commands implements the CLI for the quiver services.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/config"
	"github.com/quiver-im/quiver/pkg/metrics"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "quiver",
	Short: "Quiver - distributed instant-messaging backend",
	Long: `Quiver is a distributed instant-messaging backend. It runs as three
cooperating services: the gate (HTTP account and login front door), the
status service (session placement and token issuance), and any number of
chat servers holding the persistent client connections.

Use "quiver [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("quiver %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.ini)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(chatCmd)
}

// loadConfig loads configuration and brings up the logger and, when a
// metrics port is configured, the shared registry.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}

	if cfg.Metrics.Port > 0 {
		metrics.InitRegistry()
	}

	logger.Info("Configuration loaded", "source", configSource())
	return cfg, nil
}

func configSource() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "./config.ini"
}
