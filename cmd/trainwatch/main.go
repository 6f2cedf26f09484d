// trainwatch - live training-metrics streaming
// Serves metric points as an SSE stream and follows such streams in the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aiplaybookin/monitoring-observability/pkg/config"
	"github.com/aiplaybookin/monitoring-observability/pkg/logging"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Loaded in PersistentPreRunE.
var (
	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trainwatch",
	Short: "trainwatch - live training metrics over Server-Sent Events",
	Long: `trainwatch streams metric points of running training jobs to any number
of consumers over Server-Sent Events.

  trainwatch serve    read points from a source and publish the stream
  trainwatch watch    follow a stream and render a live dashboard`,
	Version:           fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "trainwatch %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (overrides search paths)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console, json")

	rootCmd.AddCommand(versionCmd)
}

// setup loads configuration and installs the global logger.
func setup(cmd *cobra.Command, args []string) error {
	m := config.NewManager()
	if err := m.Load(configFile); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = m.Get()

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	l, _, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	logger = l

	if paths := m.GetPaths(); len(paths) > 0 {
		logger.Debug("Loaded config", zap.Strings("paths", paths))
	}
	return nil
}
