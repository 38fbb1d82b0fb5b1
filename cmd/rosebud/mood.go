package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var moodWindow time.Duration

// moodCmd summarizes the recent ledger into one mood line
var moodCmd = &cobra.Command{
	Use:   "mood",
	Short: "Summarize the ward's current mood",
	Long: `mood folds the recent ledger window into a single snapshot: a mood
word, the dominant emotions behind it, and four decayed meta-state
gauges.`,
	RunE: runMood,
}

func init() {
	moodCmd.Flags().DurationVar(&moodWindow, "window", 0, "Ledger window (default: config reflection window)")
}

func runMood(cmd *cobra.Command, args []string) error {
	bank, err := openBank(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = bank.Close() }()

	snap, err := bank.Summarize(windowOr(moodWindow))
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("# Mood\n\n")
	sb.WriteString(fmt.Sprintf("**%s**", snap.Mood))
	if len(snap.DominantEmotions) > 0 {
		sb.WriteString(fmt.Sprintf(" (dominant: %s)", strings.Join(snap.DominantEmotions, ", ")))
	}
	sb.WriteString("\n\n")
	sb.WriteString("| Gauge | Level |\n|---|---|\n")
	sb.WriteString(fmt.Sprintf("| Energy | %.2f |\n", snap.Energy))
	sb.WriteString(fmt.Sprintf("| Stress | %.2f |\n", snap.Stress))
	sb.WriteString(fmt.Sprintf("| Motivation | %.2f |\n", snap.Motivation))
	sb.WriteString(fmt.Sprintf("| Focus | %.2f |\n", snap.Focus))
	fmt.Print(renderMarkdown(sb.String()))
	return nil
}
