// Package main is the mobxlens command: it attaches to a page running MobX,
// relays its actions and state to a panel, and inspects recorded history.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mobxlens/internal/config"
	"mobxlens/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	jsonOutput bool

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mobxlens",
	Short: "mobxlens - MobX action and state inspector",
	Long: `mobxlens watches the MobX runtime of a web page through the Chrome
DevTools Protocol. Every action is reported with the mutations it caused,
its arguments and its stack; store state is broadcast after changes settle.

Start the daemon with "mobxlens attach <url>", then open the terminal panel
with "mobxlens watch" in another shell.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		// the terminal panel owns the screen
		if cmd == watchCmd && cfg.Logging.File == "" {
			cfg.Logging.File = filepath.Join(filepath.Dir(cfg.History.DatabasePath), "watch.log")
		}
		return logging.Initialize(cfg.Logging.Options())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", filepath.Join(".mobxlens", "config.yaml"), "Config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")

	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(stackCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
