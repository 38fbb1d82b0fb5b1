package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"rosebud/internal/audit"
	"rosebud/internal/diagnose"
	"rosebud/internal/promptfile"
)

// Tool names the model may call, in stage order.
const (
	toolUpdateLedger     = "update_ledger"
	toolRunDiagnosis     = "run_diagnosis"
	toolBuildPromptPatch = "build_prompt_patch"
	toolEmitUnifiedDiff  = "emit_unified_diff"
	toolSaveProposal     = "save_proposal"
)

// session is the stage machine for one Run. Each tool handler checks
// the stage, does its work, and advances on success.
type session struct {
	o     *Orchestrator
	stage Stage

	reflection     *audit.Reflection
	diag           *diagnose.Diagnosis
	cue            string
	diff           string
	promptArtifact string
	diffPath       string
	prPath         string
}

func (s *session) dispatch(ctx context.Context, call toolCall) (any, error) {
	switch call.Tool {
	case toolUpdateLedger:
		return s.updateLedger(ctx, call.Args)
	case toolRunDiagnosis:
		return s.runDiagnosis(ctx, call.Args)
	case toolBuildPromptPatch:
		return s.buildPromptPatch(call.Args)
	case toolEmitUnifiedDiff:
		return s.emitUnifiedDiff(call.Args)
	case toolSaveProposal:
		return s.saveProposal(call.Args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Tool)
	}
}

func (s *session) require(expected Stage) error {
	if s.stage != expected {
		return fmt.Errorf("%w: %s (expected %s)", ErrWrongStage, s.stage, expected)
	}
	return nil
}

// parseArgs decodes the call's args into the handler's schema. Absent
// args leave the schema's zero values in place.
func parseArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	return nil
}

func (s *session) updateLedger(ctx context.Context, raw json.RawMessage) (any, error) {
	if err := s.require(StageStart); err != nil {
		return nil, err
	}
	var args struct {
		WindowHours float64 `json:"window_hours"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	window := s.o.window
	if args.WindowHours > 0 {
		window = time.Duration(args.WindowHours * float64(time.Hour))
	}

	rec, err := s.o.reflector.Run(ctx, window)
	if err != nil {
		return nil, err
	}
	s.reflection = &rec
	s.cue = rec.Cue
	s.stage = StageLedgerUpdated
	return rec, nil
}

func (s *session) runDiagnosis(ctx context.Context, raw json.RawMessage) (any, error) {
	if err := s.require(StageLedgerUpdated); err != nil {
		return nil, err
	}
	var args struct {
		RecentN int `json:"recent_n"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	limit := s.o.recallLimit
	if args.RecentN > 0 {
		limit = args.RecentN
	}

	entries, err := s.o.bank.RecallRecent(limit)
	if err != nil {
		return nil, err
	}
	diag, err := s.o.rbt.Diagnose(ctx, entries)
	if err != nil {
		return nil, err
	}
	s.diag = diag
	s.stage = StageDiagnosed
	return diag, nil
}

// promptPatchResult mirrors what the model needs to reference the
// artifact in later turns.
type promptPatchResult struct {
	Path  string `json:"path"`
	Block string `json:"block"`
}

func (s *session) buildPromptPatch(raw json.RawMessage) (any, error) {
	if err := s.require(StageDiagnosed); err != nil {
		return nil, err
	}
	var args struct {
		Cue string `json:"cue"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	cue := s.cue
	if args.Cue != "" {
		cue = args.Cue
	}

	current, err := os.ReadFile(s.o.promptPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read ward prompt: %w", err)
	}
	_, block, err := s.o.updater.Generate(string(current), s.diag, cue)
	if err != nil {
		return nil, err
	}
	s.promptArtifact = filepath.Join(s.o.updater.OutputDir(), promptfile.NewPromptFile)
	s.stage = StagePromptDone
	return promptPatchResult{Path: s.promptArtifact, Block: block}, nil
}

func (s *session) emitUnifiedDiff(raw json.RawMessage) (any, error) {
	if err := s.require(StagePromptDone); err != nil {
		return nil, err
	}
	var args struct {
		Diff string `json:"diff"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := validateDiff(args.Diff); err != nil {
		return nil, err
	}
	s.diff = args.Diff
	s.stage = StageDiffDone
	return args.Diff, nil
}

func (s *session) saveProposal(raw json.RawMessage) (any, error) {
	if err := s.require(StageDiffDone); err != nil {
		return nil, err
	}
	var args struct {
		Evidence json.RawMessage `json:"evidence"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	evidence := args.Evidence
	if len(evidence) == 0 {
		evidence = json.RawMessage("{}")
	}
	var ev any
	if err := json.Unmarshal(evidence, &ev); err != nil {
		return nil, fmt.Errorf("%w: evidence is not valid JSON: %v", ErrBadArgs, err)
	}
	pretty, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgs, err)
	}

	stamp := s.o.writer.Stamp()
	diffPath, err := s.o.writer.Write("LLM_patch_"+stamp+".diff", s.diff)
	if err != nil {
		return nil, err
	}
	pr := fmt.Sprintf(
		"# LLM Code Suggestion\nGenerated: %s\n\nEvidence:\n```json\n%s\n```\n\nApply:\n  git apply %s\nRollback:\n  git apply -R %s\n",
		stamp, pretty, diffPath, diffPath)
	prPath, err := s.o.writer.Write("LLM_PR_"+stamp+".md", pr)
	if err != nil {
		return nil, err
	}

	rec := audit.Proposal{
		TS:             stamp,
		Persona:        s.o.persona,
		AffectedPaths:  diffTargets(s.diff),
		EmotionTrigger: s.trigger(),
		Evidence:       s.evidenceLines(),
		Summary:        "LLM-authored code proposal.",
	}
	if err := audit.Append(filepath.Join(s.o.logsDir, audit.ProposalsFile), rec); err != nil {
		return nil, err
	}

	s.diffPath = diffPath
	s.prPath = prPath
	s.stage = StageSaved
	return map[string]string{"diff_path": diffPath, "pr_path": prPath}, nil
}

var (
	diffShapeRE = regexp.MustCompile(`(?m)^---\s+.+\n\+\+\+\s+.+`)
	hunkRE      = regexp.MustCompile(`(?m)^@@ -\d+(?:,\d+)? \+\d+(?:,\d+)? @@`)
)

// validateDiff rejects anything git apply would refuse outright.
func validateDiff(diff string) error {
	if !diffShapeRE.MatchString(diff) {
		return fmt.Errorf("%w: expected '---' and '+++' headers", ErrInvalidDiff)
	}
	if !hunkRE.MatchString(diff) {
		return fmt.Errorf("%w: expected at least one @@ hunk header", ErrInvalidDiff)
	}
	return nil
}

// diffTargets pulls post-image paths out of +++ header lines.
func diffTargets(diff string) []string {
	var out []string
	for _, line := range strings.Split(diff, "\n") {
		if !strings.HasPrefix(line, "+++ ") {
			continue
		}
		target := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
		target = strings.TrimPrefix(target, "b/")
		if target == "" || target == "/dev/null" {
			continue
		}
		out = append(out, target)
	}
	return out
}

// trigger names the emotion driving the proposal, defaulting to
// frustration when the diagnosis carries no thorns.
func (s *session) trigger() string {
	if s.diag != nil && len(s.diag.Thorns) > 0 {
		return s.diag.Thorns[0].Emotion
	}
	return "frustration"
}

// evidenceLines turns thorn causes into audit evidence lines.
func (s *session) evidenceLines() []string {
	if s.diag == nil || len(s.diag.Thorns) == 0 {
		return []string{"reminder.toast delays present"}
	}
	out := make([]string, 0, len(s.diag.Thorns))
	for _, th := range s.diag.Thorns {
		out = append(out, fmt.Sprintf("thorn: %s (%s)", th.Cause, th.Emotion))
	}
	return out
}
