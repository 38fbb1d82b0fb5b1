package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rosebud/internal/llm"
	"rosebud/internal/orchestrator"
	"rosebud/internal/propose"
)

var (
	runEngine      string
	runApplyPrompt bool
	runWindow      time.Duration
)

// runCmd executes the full reflection cycle
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one full reflection cycle",
	Long: `run is the single entry point for the full cycle: reflect over the
trailing window, deposit affect into the ledger, diagnose Roses, Buds
and Thorns, generate a guarded prompt update, and propose code patches.

The deterministic engine ranks built-in repair strategies. The llm
engine hands the same guarded tools to a language model one call at a
time; it requires a configured provider.`,
	RunE: runCycle,
}

func init() {
	runCmd.Flags().StringVar(&runEngine, "engine", "deterministic", "Cycle engine: deterministic or llm")
	runCmd.Flags().BoolVar(&runApplyPrompt, "apply-prompt", false, "Write the new prompt into the ward tree, not just the artifact")
	runCmd.Flags().DurationVar(&runWindow, "window", 0, "Reflection window override (default from config)")
}

func runCycle(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	switch runEngine {
	case "deterministic":
		return runDeterministic(ctx)
	case "llm":
		return runLLM(ctx)
	default:
		return fmt.Errorf("unknown engine: %s (valid: deterministic, llm)", runEngine)
	}
}

func runDeterministic(ctx context.Context) error {
	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	engine, err := propose.NewEngine(propose.EngineOptions{
		Proposer:  p.proposer,
		Reflector: p.reflector,
		Bank:      p.bank,
		RBT:       p.rbt,
		Scanner:   p.scanner,
		Updater:   p.updater,
		EventsLog: cfg.Paths.EventsLog,
	})
	if err != nil {
		return err
	}

	report, err := engine.Run(ctx, propose.RunOptions{
		RepoRoot:    cfg.Paths.WardRoot,
		PromptPath:  cfg.Paths.WardPrompt,
		Window:      windowOr(runWindow),
		ApplyPrompt: runApplyPrompt,
		EventLimit:  cfg.Reflection.EventLimit,
	})
	if err != nil {
		return err
	}

	fmt.Print(renderMarkdown(reportMarkdown(report)))
	return nil
}

func runLLM(ctx context.Context) error {
	client, err := llm.New(llmOptions(cfg), logger.With(zap.String("component", "llm")))
	if err != nil {
		return fmt.Errorf("run --engine=llm needs a provider: %w", err)
	}
	if client == nil {
		return errors.New("run --engine=llm needs a provider, but llm.provider is off")
	}

	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	orc, err := orchestrator.New(orchestrator.Options{
		Persona:    cfg.Persona,
		RepoRoot:   cfg.Paths.WardRoot,
		PromptPath: cfg.Paths.WardPrompt,
		EventsLog:  cfg.Paths.EventsLog,
		LogsDir:    cfg.Paths.LogsDir,
		Window:     windowOr(runWindow),
		Client:     client,
		Reflector:  p.reflector,
		Bank:       p.bank,
		RBT:        p.rbt,
		Updater:    p.updater,
		Writer:     p.proposer.Writer(),
	}, logger.With(zap.String("component", "orchestrator")))
	if err != nil {
		return err
	}

	res, err := orc.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Print(renderMarkdown(sessionMarkdown(res)))
	return nil
}

// sessionMarkdown lays an orchestrator session result out as Markdown.
func sessionMarkdown(r *orchestrator.Result) string {
	var sb strings.Builder

	sb.WriteString("# LLM Session\n\n")
	sb.WriteString(fmt.Sprintf("**Stage**: %s\n\n", r.Stage))
	sb.WriteString(fmt.Sprintf("**Turns**: %d\n\n", r.Turns))
	sb.WriteString("## Artifacts\n\n")
	if r.PromptArtifact != "" {
		sb.WriteString(fmt.Sprintf("- prompt: `%s`\n", r.PromptArtifact))
	}
	if r.DiffPath != "" {
		sb.WriteString(fmt.Sprintf("- diff:   `%s`\n", r.DiffPath))
	}
	if r.PRPath != "" {
		sb.WriteString(fmt.Sprintf("- PR:     `%s`\n", r.PRPath))
	}

	return sb.String()
}
