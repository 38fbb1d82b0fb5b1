package promptfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"rosebud/internal/audit"
	"rosebud/internal/diagnose"
)

// Artifact names under the output directory.
const (
	NewPromptFile = "new_prompt.txt"
	PreviewFile   = "new_prompt_preview.txt"
)

// Updater persists guarded rewrites: the new-prompt artifact, the
// audit line, and on request the ward's own prompt file.
type Updater struct {
	persona   string
	outputDir string
	logsDir   string
	logger    *zap.Logger
}

// NewUpdater builds an updater writing artifacts under outputDir and
// audit lines under logsDir.
func NewUpdater(persona, outputDir, logsDir string, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{persona: persona, outputDir: outputDir, logsDir: logsDir, logger: logger}
}

// OutputDir returns the directory Generate and Preview write into.
func (u *Updater) OutputDir() string {
	return u.outputDir
}

// Generate rewrites current with the diagnosis and cue, writes the
// new-prompt artifact, and appends the prompt_updates audit line.
// Guardrail violations leave the filesystem untouched.
func (u *Updater) Generate(current string, diag *diagnose.Diagnosis, cue string) (string, string, error) {
	next, block, err := Rewrite(current, diag, cue)
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(u.outputDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(u.outputDir, NewPromptFile), []byte(next), 0644); err != nil {
		return "", "", fmt.Errorf("failed to write new prompt: %w", err)
	}

	reason := cue
	if reason == "" {
		reason = "Reflection-driven update"
	}
	rec := audit.PromptUpdate{
		TS:          audit.NowISO(),
		Persona:     u.persona,
		Reason:      reason,
		DiffSummary: "+ adaptive reliability rules + RBT preamble + RBT plan",
	}
	if err := audit.Append(filepath.Join(u.logsDir, audit.PromptUpdatesFile), rec); err != nil {
		return "", "", err
	}

	u.logger.Info("prompt rewrite generated",
		zap.String("reason", reason),
		zap.Int("bytes", len(next)))
	return next, block, nil
}

// Apply overwrites the ward's prompt file with the new text.
func (u *Updater) Apply(target, newPrompt string) error {
	if err := renameio.WriteFile(target, []byte(newPrompt), 0644); err != nil {
		return fmt.Errorf("failed to apply prompt update: %w", err)
	}
	u.logger.Info("prompt update applied", zap.String("target", target))
	return nil
}

// Preview writes the new prompt beside the other artifacts instead of
// over the ward's file. Returns the preview path.
func (u *Updater) Preview(newPrompt string) (string, error) {
	if err := os.MkdirAll(u.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(u.outputDir, PreviewFile)
	if err := renameio.WriteFile(path, []byte(newPrompt), 0644); err != nil {
		return "", fmt.Errorf("failed to write prompt preview: %w", err)
	}
	return path, nil
}
