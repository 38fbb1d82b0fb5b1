package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var proposeRecent int

// proposeCmd writes a reviewable prompt proposal
var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Write a reviewable prompt proposal (artifact + PR note)",
	Long: `propose packages the current diagnosis as a reviewable proposal pair
under the proposals directory: the full proposed prompt text and a
Markdown PR note explaining the change. Nothing live is touched; the
pair is for a human to review and apply.

Code-patch proposals come from the full cycle: see rosebud run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		p, err := newPipeline(cfg, logger)
		if err != nil {
			return err
		}
		defer p.Close()

		entries, err := p.bank.RecallRecent(proposeRecent)
		if err != nil {
			return err
		}
		diag, err := p.rbt.Diagnose(ctx, entries)
		if err != nil {
			return err
		}

		artifact, _, err := p.proposer.ProposePromptPatch(wardPromptPath(), diag, "")
		if err != nil {
			return err
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(artifact), "prompt_"), ".txt")
		fmt.Printf("proposal: %s\n", artifact)
		fmt.Printf("PR note:  %s\n", filepath.Join(p.proposer.Writer().Dir(), "PR_"+stamp+"_prompt.md"))
		return nil
	},
}

func init() {
	proposeCmd.Flags().IntVar(&proposeRecent, "recent", 50, "Ledger entries fed to the diagnosis")
}
