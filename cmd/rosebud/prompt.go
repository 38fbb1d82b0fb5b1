package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"rosebud/internal/promptfile"
)

var (
	promptApply  bool
	promptRecent int
	promptCue    string
)

// promptCmd generates a guarded prompt rewrite
var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Generate a guarded prompt update from the ledger",
	Long: `prompt rewrites the ward prompt's adaptive section from a fresh RBT
diagnosis. The rewrite is guarded: the core identity block must survive
byte for byte or nothing is written.

The new prompt lands in the output directory. Without --apply a preview
is written beside it and the ward's own file stays untouched.`,
	RunE: runPrompt,
}

func init() {
	promptCmd.Flags().BoolVar(&promptApply, "apply", false, "Overwrite the ward prompt file with the new text")
	promptCmd.Flags().IntVar(&promptRecent, "recent", 50, "Ledger entries fed to the diagnosis")
	promptCmd.Flags().StringVar(&promptCue, "cue", "", "Note-to-self line appended to the adaptive block")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	entries, err := p.bank.RecallRecent(promptRecent)
	if err != nil {
		return err
	}
	diag, err := p.rbt.Diagnose(ctx, entries)
	if err != nil {
		return err
	}

	target := wardPromptPath()
	current, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("failed to read ward prompt: %w", err)
	}

	next, _, err := p.updater.Generate(string(current), diag, promptCue)
	if err != nil {
		return err
	}

	fmt.Printf("new prompt: %s\n", filepath.Join(p.updater.OutputDir(), promptfile.NewPromptFile))
	if promptApply {
		if err := p.updater.Apply(target, next); err != nil {
			return err
		}
		fmt.Printf("applied to: %s\n", target)
		return nil
	}

	preview, err := p.updater.Preview(next)
	if err != nil {
		return err
	}
	fmt.Printf("preview:    %s\n", preview)
	return nil
}
