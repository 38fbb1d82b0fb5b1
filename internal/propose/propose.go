// Package propose turns a diagnosis into reviewable artifacts: unified
// diffs against the ward tree, a proposed replacement prompt, and
// PR-style notes, each pair sharing one UTC stamp under the proposals
// directory. Nothing here writes into the ward tree; applying is the
// reviewer's move.
package propose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"rosebud/internal/artifact"
	"rosebud/internal/audit"
	"rosebud/internal/diagnose"
	"rosebud/internal/emobank"
	"rosebud/internal/event"
	"rosebud/internal/promptfile"
	"rosebud/internal/reflection"
	"rosebud/internal/review"
)

// Evidence explains a code proposal in its PR note and audit line.
// Delay stats render an observed-lag sentence when HasDelays is set;
// the deterministic cycle leaves them unset.
type Evidence struct {
	Strategy   string
	Score      float64
	Trigger    string   // dominant emotion behind the proposal
	Notes      []string // human-readable observations
	DelayAvgS  float64
	DelayCount int
	HasDelays  bool
}

// Proposer writes proposal artifact pairs and their audit lines.
type Proposer struct {
	persona string
	logsDir string
	writer  *artifact.Writer
	logger  *zap.Logger
}

// NewProposer builds a Proposer that writes artifacts under
// outputDir/proposals and audit lines under logsDir.
func NewProposer(persona, outputDir, logsDir string, logger *zap.Logger) *Proposer {
	if persona == "" {
		persona = "ward"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proposer{
		persona: persona,
		logsDir: logsDir,
		writer:  artifact.NewWriter(filepath.Join(outputDir, artifact.ProposalsDir), nil),
		logger:  logger,
	}
}

// Writer exposes the artifact writer, shared with collaborators that
// stamp artifacts of their own.
func (p *Proposer) Writer() *artifact.Writer {
	return p.writer
}

// ProposePromptPatch writes a full replacement prompt plus its PR note
// and returns the artifact path and the rendered note.
func (p *Proposer) ProposePromptPatch(promptPath string, diag *diagnose.Diagnosis, cue string) (string, string, error) {
	data, err := os.ReadFile(promptPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to read ward prompt: %w", err)
	}

	block := promptfile.BuildProposalBlock(diag, cue)
	next := promptfile.SpliceAdaptive(string(data), block)

	stamp := p.writer.Stamp()
	artifactPath, err := p.writer.Write("prompt_"+stamp+".txt", next)
	if err != nil {
		return "", "", err
	}

	rbtNote := ""
	if diag != nil && diag.Diagnosis != "" {
		rbtNote = "RBT: " + diag.Diagnosis
	}
	pr := fmt.Sprintf("# Why I'm proposing this\n"+
		"Reflection indicates reliability opportunities. %s\n\n"+
		"# What I'm changing\n"+
		"- Update the adaptive prompt with UTC conversion, receipt gating, jittered retry.\n"+
		"- Include RBT preamble/plan and rules derived from the day's Roses/Buds/Thorns.\n\n"+
		"# How to review/apply\n"+
		"- File to update: %s\n"+
		"- Replace the ADAPTIVE section with the proposed block.\n"+
		"- Guardrail: leave CORE_IDENTITY untouched.\n\n"+
		"# Risks\n"+
		"- None (prompt-only change).\n",
		rbtNote, promptPath)
	if _, err := p.writer.Write("PR_"+stamp+"_prompt.md", pr); err != nil {
		return "", "", err
	}

	rec := audit.Proposal{
		TS:             stamp,
		Persona:        p.persona,
		AffectedPaths:  []string{promptPath},
		EmotionTrigger: proposalTrigger(diag),
		Evidence:       proposalEvidence(diag),
		Summary:        "Proposed adaptive prompt update (UTC + receipt + RBT).",
	}
	if err := audit.Append(filepath.Join(p.logsDir, audit.ProposalsFile), rec); err != nil {
		return "", "", err
	}

	p.logger.Info("prompt proposal written", zap.String("path", artifactPath))
	return artifactPath, pr, nil
}

// ProposeCodePatch diffs transform(src) against the target file and
// writes the patch plus PR note pair. An unchanged target still emits
// the pair, marked no-op; a missing target writes nothing and returns
// the empty path.
func (p *Proposer) ProposeCodePatch(repoRoot, rel string, ev Evidence, transform TransformFunc) (string, error) {
	abs := filepath.Join(repoRoot, filepath.FromSlash(rel))
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Debug("code proposal target missing", zap.String("path", abs))
			return "", nil
		}
		return "", fmt.Errorf("failed to read proposal target: %w", err)
	}
	src := string(data)

	next := src
	if transform != nil {
		next = transform(src)
	}
	diff := UnifiedDiff(rel, src, next)

	stamp := p.writer.Stamp()
	diffPath, err := p.writer.Write("patch_"+stamp+".diff", diff)
	if err != nil {
		return "", err
	}

	lagNote := ""
	if ev.HasDelays {
		lagNote = fmt.Sprintf(" Observed avg delay ~%ds over %d events.", int(ev.DelayAvgS), ev.DelayCount)
	}
	note := "Changes are proposed below in the diff."
	summary := "Proposed automated transform."
	if diff == "" {
		note = "No-op (pattern not found or no change deemed necessary)."
		summary = "No-op (no changes)"
	}

	pr := fmt.Sprintf("# Why I'm proposing this\n"+
		"Automated remediation suggestion based on logs and code scan.%s\n\n"+
		"# How to review/apply\n"+
		"- Scope: 1 file (`%s`).\n"+
		"- Apply: `git apply %s`\n"+
		"- Rollback: `git apply -R %s`.\n\n"+
		"# Note\n%s\n",
		lagNote, rel, diffPath, diffPath, note)
	if _, err := p.writer.Write("PR_"+stamp+"_code.md", pr); err != nil {
		return "", err
	}

	trigger := ev.Trigger
	if trigger == "" {
		trigger = "frustration"
	}
	notes := ev.Notes
	if len(notes) == 0 {
		notes = []string{"reminder.toast delays present"}
	}
	rec := audit.Proposal{
		TS:             stamp,
		Persona:        p.persona,
		AffectedPaths:  []string{rel},
		EmotionTrigger: trigger,
		Evidence:       notes,
		Summary:        summary,
	}
	if err := audit.Append(filepath.Join(p.logsDir, audit.ProposalsFile), rec); err != nil {
		return "", err
	}

	p.logger.Info("code proposal written",
		zap.String("strategy", ev.Strategy),
		zap.String("target", rel),
		zap.Bool("noop", diff == ""),
		zap.String("path", diffPath))
	return diffPath, nil
}

// proposalTrigger names the emotion driving a proposal, defaulting to
// frustration when the diagnosis carries no thorns.
func proposalTrigger(diag *diagnose.Diagnosis) string {
	if diag != nil && len(diag.Thorns) > 0 {
		return diag.Thorns[0].Emotion
	}
	return "frustration"
}

// proposalEvidence turns thorn causes into audit evidence lines.
func proposalEvidence(diag *diagnose.Diagnosis) []string {
	if diag == nil || len(diag.Thorns) == 0 {
		return []string{"reminder.toast delays present"}
	}
	out := make([]string, 0, len(diag.Thorns))
	for _, th := range diag.Thorns {
		out = append(out, fmt.Sprintf("thorn: %s (%s)", th.Cause, th.Emotion))
	}
	return out
}

// EngineOptions wires the stages the deterministic cycle runs.
type EngineOptions struct {
	Proposer  *Proposer
	Reflector *reflection.Reflector
	Bank      *emobank.Bank
	RBT       *diagnose.RBT
	Scanner   *review.Scanner
	Updater   *promptfile.Updater
	EventsLog string

	// Strategies overrides the built-ins; nil keeps them.
	Strategies []Strategy
}

// Engine runs the deterministic full cycle: reflect, recall, diagnose,
// prompt, scan, then one proposal per strategy target.
type Engine struct {
	*Proposer
	reflector  *reflection.Reflector
	bank       *emobank.Bank
	rbt        *diagnose.RBT
	scanner    *review.Scanner
	updater    *promptfile.Updater
	eventsLog  string
	strategies []Strategy
}

// NewEngine validates the wiring and builds an Engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	switch {
	case opts.Proposer == nil:
		return nil, errors.New("proposer is required")
	case opts.Reflector == nil:
		return nil, errors.New("reflector is required")
	case opts.Bank == nil:
		return nil, errors.New("ledger bank is required")
	case opts.RBT == nil:
		return nil, errors.New("diagnosis kernel is required")
	case opts.Scanner == nil:
		return nil, errors.New("review scanner is required")
	case opts.Updater == nil:
		return nil, errors.New("prompt updater is required")
	}
	strategies := opts.Strategies
	if strategies == nil {
		strategies = Strategies()
	}
	return &Engine{
		Proposer:   opts.Proposer,
		reflector:  opts.Reflector,
		bank:       opts.Bank,
		rbt:        opts.RBT,
		scanner:    opts.Scanner,
		updater:    opts.Updater,
		eventsLog:  opts.EventsLog,
		strategies: strategies,
	}, nil
}

// RunOptions configure one deterministic cycle.
type RunOptions struct {
	RepoRoot    string        // ward repository root; empty means .
	PromptPath  string        // ward prompt file; relative paths join RepoRoot
	Window      time.Duration // reflection window; 0 means 24h
	ApplyPrompt bool          // write the new prompt into the ward tree
	RecallLimit int           // ledger entries fed to diagnosis; 0 means 50
	EventLimit  int           // events offered to strategies; 0 means 500
}

// ReflectionBrief is the slice of the reflection record the report
// carries.
type ReflectionBrief struct {
	Diagnosis string `json:"diagnosis"`
	Cue       string `json:"cue"`
}

// RBTCounts tallies the diagnosis buckets.
type RBTCounts struct {
	Roses  int `json:"roses"`
	Buds   int `json:"buds"`
	Thorns int `json:"thorns"`
}

// PromptOutcome reports where the new prompt went, or why it did not.
type PromptOutcome struct {
	Path string `json:"path"`
	Note string `json:"note"`
}

// CodeSuggestion pairs a strategy:target name with its patch artifact,
// or "no-op" when the target was missing.
type CodeSuggestion struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// StrategyScore records how a strategy ranked this cycle.
type StrategyScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Report summarizes one full proposal cycle.
type Report struct {
	RepoRoot             string           `json:"repo_root"`
	Reflection           ReflectionBrief  `json:"reflection"`
	RBTCounts            RBTCounts        `json:"rbt_counts"`
	Prompt               PromptOutcome    `json:"prompt"`
	CodeSuggestions      []CodeSuggestion `json:"code_suggestions"`
	StrategiesConsidered []StrategyScore  `json:"strategies_considered"`
	HotspotsConsidered   int              `json:"hotspots_considered"`
}

// Run executes the deterministic cycle and aggregates the report. A
// failed prompt update degrades to a note; everything else aborts.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if opts.RepoRoot == "" {
		opts.RepoRoot = "."
	}
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.RecallLimit <= 0 {
		opts.RecallLimit = 50
	}
	if opts.EventLimit <= 0 {
		opts.EventLimit = 500
	}

	rec, err := e.reflector.Run(ctx, opts.Window)
	if err != nil {
		return nil, err
	}

	entries, err := e.bank.RecallRecent(opts.RecallLimit)
	if err != nil {
		return nil, err
	}
	diag, err := e.rbt.Diagnose(ctx, entries)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RepoRoot:   opts.RepoRoot,
		Reflection: ReflectionBrief{Diagnosis: rec.Diagnosis, Cue: rec.Cue},
		RBTCounts:  RBTCounts{Roses: len(diag.Roses), Buds: len(diag.Buds), Thorns: len(diag.Thorns)},
	}
	report.Prompt = e.updatePrompt(opts, diag, rec.Cue)

	findings, err := e.scanner.Scan(ctx, opts.RepoRoot)
	if err != nil {
		return nil, err
	}
	for _, f := range findings {
		if filepath.Ext(f.Path) == ".go" {
			report.HotspotsConsidered++
		}
	}

	events, _, err := event.ReadRecent(e.eventsLog, opts.Window, opts.EventLimit)
	if err != nil {
		return nil, err
	}

	ranked := rankStrategies(e.strategies, diag, events, findings)
	for _, rs := range ranked {
		report.StrategiesConsidered = append(report.StrategiesConsidered,
			StrategyScore{Name: rs.strategy.Name(), Score: rs.score})
	}

	trigger := proposalTrigger(diag)
	evidence := proposalEvidence(diag)
	for _, rs := range ranked {
		if rs.score <= 0 {
			continue
		}
		for _, rel := range rs.strategy.Targets(opts.RepoRoot, findings) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			patch, err := e.ProposeCodePatch(opts.RepoRoot, rel, Evidence{
				Strategy: rs.strategy.Name(),
				Score:    rs.score,
				Trigger:  trigger,
				Notes:    evidence,
			}, rs.strategy.Transform(rel))
			if err != nil {
				return nil, err
			}
			if patch == "" {
				patch = "no-op"
			}
			report.CodeSuggestions = append(report.CodeSuggestions,
				CodeSuggestion{Name: rs.strategy.Name() + ":" + rel, Path: patch})
		}
	}

	e.logger.Info("proposal cycle complete",
		zap.String("repo", opts.RepoRoot),
		zap.Int("hotspots", report.HotspotsConsidered),
		zap.Int("suggestions", len(report.CodeSuggestions)),
		zap.String("prompt_note", report.Prompt.Note))
	return report, nil
}

// updatePrompt runs the guarded rewrite. Failures never abort the
// cycle; they come back as the outcome note.
func (e *Engine) updatePrompt(opts RunOptions, diag *diagnose.Diagnosis, cue string) PromptOutcome {
	promptPath := opts.PromptPath
	if promptPath != "" && !filepath.IsAbs(promptPath) {
		promptPath = filepath.Join(opts.RepoRoot, promptPath)
	}

	data, err := os.ReadFile(promptPath)
	if err != nil {
		return PromptOutcome{Note: fmt.Sprintf("Prompt update failed: %v", err)}
	}

	next, _, err := e.updater.Generate(string(data), diag, cue)
	if err != nil {
		return PromptOutcome{Note: fmt.Sprintf("Prompt update failed: %v", err)}
	}

	if opts.ApplyPrompt {
		if err := e.updater.Apply(promptPath, next); err != nil {
			return PromptOutcome{Note: fmt.Sprintf("Prompt update failed: %v", err)}
		}
		return PromptOutcome{Path: promptPath, Note: "Applied prompt update to the ward."}
	}

	previewPath, err := e.updater.Preview(next)
	if err != nil {
		return PromptOutcome{Note: fmt.Sprintf("Prompt update failed: %v", err)}
	}
	return PromptOutcome{Path: previewPath, Note: "Wrote prompt preview (not applied)."}
}
