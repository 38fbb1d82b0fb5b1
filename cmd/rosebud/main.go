// Package main provides the rosebud CLI.
//
// rosebud is the reflective maintainer of a ward agent. It reads the
// ward's behavioral log, deposits the affect of each event into an
// append-only ledger, diagnoses Roses, Buds and Thorns through a
// Datalog kernel, and turns the thorns into guarded prompt updates and
// reviewable code-patch proposals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rosebud/internal/config"
	"rosebud/internal/logging"
)

const version = "0.3.0"

var (
	// Global flags
	cfgPath  string
	logLevel string

	// Loaded configuration, shared by every command
	cfg *config.Config

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rosebud",
	Short: "Reflective maintainer for the ward agent",
	Long: `rosebud reads the ward agent's behavioral log and keeps an affective
ledger of what went well and what hurt. A Datalog kernel classifies the
ledger into Roses, Buds and Thorns; the thorns drive a guarded rewrite
of the ward's prompt and reviewable code-patch proposals.

The cycle never edits the ward directly: prompts rewrite only between
adaptive sentinels, and code changes ship as diff + PR artifacts.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "rosebud.yaml", "Configuration file (defaults apply when it is missing)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	// Add commands to root
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reflectCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(moodCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
