package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	recallCause    string
	recallLimit    int
	recallEpisodes bool
)

// recallCmd reads the ledger back
var recallCmd = &cobra.Command{
	Use:   "recall",
	Short: "Recall ledger entries or episode stats",
	Long: `recall reads the affective ledger back: the newest entries by
default, one cause's episode with --cause, or the episodic index with
--episodes.`,
	RunE: runRecall,
}

func init() {
	recallCmd.Flags().StringVar(&recallCause, "cause", "", "Recall one cause's episode only")
	recallCmd.Flags().IntVar(&recallLimit, "limit", 20, "Maximum rows")
	recallCmd.Flags().BoolVar(&recallEpisodes, "episodes", false, "List episode stats instead of raw entries")
}

func runRecall(cmd *cobra.Command, args []string) error {
	bank, err := openBank(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = bank.Close() }()

	switch {
	case recallEpisodes:
		stats, err := bank.Episodes(recallLimit)
		if err != nil {
			return err
		}

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("# Episodes (%d)\n\n", len(stats)))
		if len(stats) == 0 {
			sb.WriteString("_index empty_\n")
		} else {
			sb.WriteString("| Cause | Entries | Last emotion | Last seen |\n|---|---|---|---|\n")
			for _, s := range stats {
				sb.WriteString(fmt.Sprintf("| %s | %d | %s | %s |\n", s.Cause, s.Count, s.LastEmotion, s.LastTS))
			}
		}
		fmt.Print(renderMarkdown(sb.String()))
		return nil

	case recallCause != "":
		entries, err := bank.RecallEpisode(recallCause, recallLimit)
		if err != nil {
			return err
		}
		md := entriesMarkdown("Episode: "+recallCause, entries)
		if stat, err := bank.LastEmotion(recallCause); err == nil && stat != nil {
			md += fmt.Sprintf("\n%d deposits total, last felt %s at %s\n", stat.Count, stat.LastEmotion, stat.LastTS)
		}
		fmt.Print(renderMarkdown(md))
		return nil

	default:
		entries, err := bank.RecallRecent(recallLimit)
		if err != nil {
			return err
		}
		fmt.Print(renderMarkdown(entriesMarkdown("Recent entries", entries)))
		return nil
	}
}
