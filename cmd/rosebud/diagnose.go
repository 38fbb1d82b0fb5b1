package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	diagnoseRecent int
	diagnoseQuery  string
)

// diagnoseCmd classifies the ledger through the RBT kernel
var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Classify recent ledger entries into Roses, Buds and Thorns",
	Long: `diagnose feeds the newest ledger entries to the Datalog kernel and
prints the derived buckets, prompt rules, and code suggestions.

With --query the kernel answers a raw Datalog query over the same
facts instead, as JSON rows.

Examples:
  rosebud diagnose
  rosebud diagnose --recent 100
  rosebud diagnose --query "thorn(Id, Cause, Emotion, I)"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		p, err := newPipeline(cfg, logger)
		if err != nil {
			return err
		}
		defer p.Close()

		entries, err := p.bank.RecallRecent(diagnoseRecent)
		if err != nil {
			return err
		}

		if diagnoseQuery != "" {
			// Load the facts first so the query has something to chew on.
			if _, err := p.rbt.Diagnose(ctx, entries); err != nil {
				return err
			}
			rows, err := p.rbt.Query(ctx, diagnoseQuery)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(rows, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		diag, err := p.rbt.Diagnose(ctx, entries)
		if err != nil {
			return err
		}
		fmt.Print(renderMarkdown(diagnosisMarkdown(diag)))
		return nil
	},
}

func init() {
	diagnoseCmd.Flags().IntVar(&diagnoseRecent, "recent", 50, "Ledger entries fed to the kernel")
	diagnoseCmd.Flags().StringVar(&diagnoseQuery, "query", "", "Raw Datalog query instead of the RBT report")
}
