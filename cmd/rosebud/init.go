package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"rosebud/internal/promptfile"
)

var initForce bool

const samplePrompt = promptfile.BeginCore + `
I am the ward: a reminder assistant. I schedule reminders, toast them
on time, and confirm delivery with receipts.
` + promptfile.EndCore + `

` + promptfile.BeginAdaptive + `
- Keep responses short and concrete.
` + promptfile.EndAdaptive + `

Anything outside the adaptive section is mine alone.
`

// initCmd scaffolds a workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config and sample ward prompt",
	Long: `init scaffolds a workspace: a rosebud.yaml with the defaults spelled
out, a sentinel-bearing sample prompt at the configured ward path, and
the logs, output, and ledger directories.`,
	RunE: runInitWorkspace,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite files that already exist")
}

func runInitWorkspace(cmd *cobra.Command, args []string) error {
	if exists(cfgPath) && !initForce {
		fmt.Printf("%s exists, skipping (use --force to overwrite)\n", cfgPath)
	} else {
		if err := cfg.Save(cfgPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", cfgPath)
	}

	prompt := wardPromptPath()
	if exists(prompt) && !initForce {
		fmt.Printf("%s exists, skipping (use --force to overwrite)\n", prompt)
	} else {
		if err := os.MkdirAll(filepath.Dir(prompt), 0755); err != nil {
			return fmt.Errorf("failed to create ward directory: %w", err)
		}
		if err := os.WriteFile(prompt, []byte(samplePrompt), 0644); err != nil {
			return fmt.Errorf("failed to write sample prompt: %w", err)
		}
		fmt.Printf("wrote %s\n", prompt)
	}

	for _, dir := range []string{cfg.Paths.LogsDir, cfg.Paths.OutputDir, cfg.Paths.EmoBankDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	fmt.Println("workspace ready")
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
