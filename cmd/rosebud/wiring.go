package main

import (
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"rosebud/internal/appraise"
	"rosebud/internal/config"
	"rosebud/internal/diagnose"
	"rosebud/internal/emobank"
	"rosebud/internal/llm"
	"rosebud/internal/promptfile"
	"rosebud/internal/propose"
	"rosebud/internal/reflection"
	"rosebud/internal/review"
)

// pipeline bundles the collaborators most commands share: the ledger
// bank, the reflector above it, the RBT kernel, the prompt updater,
// the hotspot scanner, and the proposer.
type pipeline struct {
	bank      *emobank.Bank
	reflector *reflection.Reflector
	rbt       *diagnose.RBT
	updater   *promptfile.Updater
	scanner   *review.Scanner
	proposer  *propose.Proposer
}

// newPipeline builds the deterministic cycle's collaborators from the
// loaded configuration.
func newPipeline(cfg *config.Config, logger *zap.Logger) (*pipeline, error) {
	bank, err := openBank(cfg, logger)
	if err != nil {
		return nil, err
	}

	appraiser := buildAppraiser(cfg, logger)

	reflector, err := reflection.New(reflection.Options{
		Persona:       cfg.Persona,
		EventsLog:     cfg.Paths.EventsLog,
		LogsDir:       cfg.Paths.LogsDir,
		EventLimit:    cfg.Reflection.EventLimit,
		DepositWeight: cfg.Reflection.DepositWeight,
		Appraiser:     appraiser,
		Bank:          bank,
	}, logger.With(zap.String("component", "reflection")))
	if err != nil {
		_ = bank.Close()
		return nil, err
	}

	rbt, err := diagnose.New(diagnose.KernelConfig{
		RulesPath:    cfg.Diagnose.RulesPath,
		QueryTimeout: cfg.GetQueryTimeout(),
		FactLimit:    cfg.Diagnose.FactLimit,
	}, logger.With(zap.String("component", "diagnose")))
	if err != nil {
		_ = bank.Close()
		return nil, err
	}

	return &pipeline{
		bank:      bank,
		reflector: reflector,
		rbt:       rbt,
		updater:   promptfile.NewUpdater(cfg.Persona, cfg.Paths.OutputDir, cfg.Paths.LogsDir, logger.With(zap.String("component", "promptfile"))),
		scanner:   review.NewScanner(cfg.Review.Globs, cfg.Review.Workers, logger.With(zap.String("component", "review"))),
		proposer:  propose.NewProposer(cfg.Persona, cfg.Paths.OutputDir, cfg.Paths.LogsDir, logger.With(zap.String("component", "propose"))),
	}, nil
}

// Close releases the ledger's recall index.
func (p *pipeline) Close() {
	if err := p.bank.Close(); err != nil {
		logger.Warn("failed to close ledger", zap.Error(err))
	}
}

// openBank opens just the ledger, for the read-mostly commands.
func openBank(cfg *config.Config, logger *zap.Logger) (*emobank.Bank, error) {
	policy := emobank.Policy{
		NoiseFloor:     cfg.EmoBank.NoiseFloor,
		CoalesceWindow: cfg.GetCoalesceWindow(),
		ReboundWindow:  cfg.GetReboundWindow(),
		HalfLife:       cfg.GetHalfLife(),
	}
	return emobank.New(cfg.Paths.EmoBankDir, policy, logger.With(zap.String("component", "emobank")))
}

// buildAppraiser picks the configured event appraiser. LLM mode
// degrades to the deterministic table when no provider is reachable.
func buildAppraiser(cfg *config.Config, logger *zap.Logger) appraise.Appraiser {
	if cfg.Appraiser.Mode != "llm" {
		return appraise.Deterministic{}
	}
	client, err := llm.New(llmOptions(cfg), logger.With(zap.String("component", "llm")))
	if err != nil {
		logger.Warn("llm appraiser unavailable, using deterministic table", zap.Error(err))
		return appraise.Deterministic{}
	}
	if client == nil {
		return appraise.Deterministic{}
	}
	return appraise.NewJudge(client, logger.With(zap.String("component", "appraise")))
}

// llmOptions maps the config onto the llm client options.
func llmOptions(cfg *config.Config) llm.Options {
	return llm.Options{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.GetLLMTimeout(),
	}
}

// wardPromptPath resolves the ward prompt against the ward root.
func wardPromptPath() string {
	p := cfg.Paths.WardPrompt
	if p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(cfg.Paths.WardRoot, p)
	}
	return p
}

// windowOr falls back to the configured reflection window.
func windowOr(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return cfg.Window()
}
