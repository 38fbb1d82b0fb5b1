package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var reflectWindow time.Duration

// reflectCmd runs a single reflection pass
var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Run one reflection pass over the trailing window",
	Long: `reflect harvests the ward's recent events, appraises each one, and
deposits the resulting affect into the ledger. The pass appends one
record to logs/reflections.jsonl and prints the distilled diagnosis
and cue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		p, err := newPipeline(cfg, logger)
		if err != nil {
			return err
		}
		defer p.Close()

		rec, err := p.reflector.Run(ctx, windowOr(reflectWindow))
		if err != nil {
			return err
		}

		var sb strings.Builder
		sb.WriteString("# Reflection\n\n")
		sb.WriteString(fmt.Sprintf("**Summary**: %s\n\n", rec.Summary))
		sb.WriteString(fmt.Sprintf("**Diagnosis**: %s\n\n", rec.Diagnosis))
		sb.WriteString(fmt.Sprintf("**Cue**: %s\n\n", rec.Cue))
		if len(rec.DominantEmotions) > 0 {
			sb.WriteString(fmt.Sprintf("**Dominant emotions**: %s\n\n", strings.Join(rec.DominantEmotions, ", ")))
		}
		sb.WriteString(fmt.Sprintf("Confidence: %.2f\n", rec.Confidence))

		fmt.Print(renderMarkdown(sb.String()))
		return nil
	},
}

func init() {
	reflectCmd.Flags().DurationVar(&reflectWindow, "window", 0, "Reflection window override (default from config)")
}
