// Package main provides remindd, the local reminder service the ward
// collaborates with. It schedules toasts over a small HTTP API and
// appends delivery events to the same behavioral log rosebud reads.
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
	"rosebud/internal/remind"
)

var (
	// Global flags
	cfgPath  string
	addr     string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "remindd",
	Short: "Reminder service for the ward",
	Long: `remindd runs the reminder service the ward talks to. It keeps an
in-memory registry of scheduled reminders, fires each one as a toast at
its due time, and appends toast and receipt events to the behavioral
log so rosebud's reflection cycle can see them.`,
	RunE: serve,
}

func init() {
	rootCmd.Flags().StringVar(&cfgPath, "config", "rosebud.yaml", "Configuration file (defaults apply when it is missing)")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Remind.Addr = addr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc := remind.New(remind.Options{
		Addr:       cfg.Remind.Addr,
		Actor:      cfg.Persona,
		EventsLog:  cfg.Paths.EventsLog,
		ToastGrace: cfg.GetToastGrace(),
	}, logger)

	logger.Info("remindd starting",
		zap.String("addr", cfg.Remind.Addr),
		zap.String("events_log", cfg.Paths.EventsLog))
	return svc.Serve(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
