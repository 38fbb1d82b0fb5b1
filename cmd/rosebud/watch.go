package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rosebud/internal/event"
)

var (
	watchDebounce  time.Duration
	watchDashboard bool
	watchWindow    time.Duration
)

// watchCmd follows the events log and reflects on change
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the events log and reflect on every change",
	Long: `watch follows the ward's events log and runs a reflection pass each
time it settles after a write. With --dashboard the passes feed a live
terminal view of the mood and the newest ledger entries.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 2*time.Second, "Quiet period before a change fires")
	watchCmd.Flags().BoolVar(&watchDashboard, "dashboard", false, "Render a live dashboard instead of log lines")
	watchCmd.Flags().DurationVar(&watchWindow, "window", 0, "Reflection window (default: config reflection window)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	w, err := event.NewWatcher(cfg.Paths.EventsLog, watchDebounce, logger.With(zap.String("component", "watch")))
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	if watchDashboard {
		return runDashboard(ctx, p, w)
	}

	logger.Info("watching events log",
		zap.String("path", cfg.Paths.EventsLog),
		zap.Duration("debounce", watchDebounce))

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-w.Changes():
			if !ok {
				return nil
			}
			ref, err := p.reflector.Run(ctx, windowOr(watchWindow))
			if err != nil {
				logger.Error("reflection pass failed", zap.Error(err))
				continue
			}
			logger.Info("reflection pass",
				zap.String("summary", ref.Summary),
				zap.String("cue", ref.Cue))
		}
	}
}

func runDashboard(ctx context.Context, p *pipeline, w *event.Watcher) error {
	prog := tea.NewProgram(newDashboard(p, w, windowOr(watchWindow)), tea.WithAltScreen())
	go func() {
		<-ctx.Done()
		prog.Quit()
	}()
	_, err := prog.Run()
	return err
}
