package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rosebud/internal/review"
)

// reviewCmd scans the ward tree for risky hotspots
var reviewCmd = &cobra.Command{
	Use:   "review [root]",
	Short: "Scan the ward tree for risky hotspots",
	Long: `review walks the configured globs under the ward root and flags the
patterns that historically precede thorns: naive time handling, bare
sleeps standing in for receipts, and retry-free network calls.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		root := cfg.Paths.WardRoot
		if len(args) == 1 {
			root = args[0]
		}

		scanner := review.NewScanner(cfg.Review.Globs, cfg.Review.Workers, logger.With(zap.String("component", "review")))
		findings, err := scanner.Scan(ctx, root)
		if err != nil {
			return err
		}

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("# Hotspots (%d)\n\n", len(findings)))
		if len(findings) == 0 {
			sb.WriteString("_clean scan_\n")
		} else {
			sb.WriteString("| File | Hint |\n|---|---|\n")
			for _, f := range findings {
				sb.WriteString(fmt.Sprintf("| `%s` | %s |\n", f.Path, f.Hint))
			}
		}

		fmt.Print(renderMarkdown(sb.String()))
		return nil
	},
}
