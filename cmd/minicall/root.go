package main

import (
	"fmt"
	"os"

	"mini-call/config"
	"mini-call/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string // YAML config, defaults when empty
	LogLevel   string // Overrides log.level from the config
}

var (
	globalFlags GlobalFlags
	cfg         *config.Config
	logger      *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "minicall",
	Short: "Submit calls to a compute backend",
	Long: `minicall sends calls to a compute backend, either directly over HTTP or through the
backend's queue, and prints status updates as they arrive.

  minicall call --base-url http://127.0.0.1:7860/ --fn 0 --data '["hi"]'
  minicall call --queue --file image.png --data '[null]'
  minicall serve --addr :7860`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(globalFlags.ConfigPath)
		if err != nil {
			return err
		}
		if globalFlags.LogLevel != "" {
			cfg.Log.Level = globalFlags.LogLevel
		}
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "debug|info|warn|error (overrides the config)")

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(serveCmd)
}
