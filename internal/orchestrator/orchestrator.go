// Package orchestrator runs the LLM-guided reflection session. The
// model drives the same pipeline the deterministic engine runs, but
// through an ordered tool protocol, and authors the code diff itself.
// The session is a stage machine; a tool called out of order is
// rejected back to the model rather than aborting the run.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"rosebud/internal/artifact"
	"rosebud/internal/diagnose"
	"rosebud/internal/emobank"
	"rosebud/internal/llm"
	"rosebud/internal/promptfile"
	"rosebud/internal/reflection"
)

// Stage names a checkpoint in the guided session.
type Stage string

// Session stages, in the order the tools must advance them.
const (
	StageStart         Stage = "start"
	StageLedgerUpdated Stage = "ledger_updated"
	StageDiagnosed     Stage = "diagnosed"
	StagePromptDone    Stage = "prompt_done"
	StageDiffDone      Stage = "diff_done"
	StageSaved         Stage = "saved"
)

var (
	// ErrWrongStage marks a tool call arriving out of order.
	ErrWrongStage = errors.New("wrong stage")

	// ErrInvalidDiff marks a diff that is not unified-diff shaped.
	ErrInvalidDiff = errors.New("invalid diff")

	// ErrUnknownTool marks a tool name outside the protocol.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrBadArgs marks tool arguments that do not decode.
	ErrBadArgs = errors.New("bad tool arguments")
)

// recoverable errors go back to the model as tool results; anything
// else aborts the session.
func recoverable(err error) bool {
	return errors.Is(err, ErrWrongStage) ||
		errors.Is(err, ErrInvalidDiff) ||
		errors.Is(err, ErrUnknownTool) ||
		errors.Is(err, ErrBadArgs)
}

// Options wires the orchestrator's collaborators and session bounds.
type Options struct {
	Persona     string
	RepoRoot    string        // ward repository root
	PromptPath  string        // ward prompt file, relative to RepoRoot unless absolute
	EventsLog   string        // ward behavioral log, shown to the model in the goal
	LogsDir     string        // audit streams
	Window      time.Duration // default reflection window
	RecallLimit int           // ledger entries pulled for diagnosis
	MaxTurns    int           // model turns before the session aborts

	Client    llm.Client
	Reflector *reflection.Reflector
	Bank      *emobank.Bank
	RBT       *diagnose.RBT
	Updater   *promptfile.Updater
	Writer    *artifact.Writer
}

// Orchestrator owns one configured session pipeline. Run starts a
// fresh stage machine each call.
type Orchestrator struct {
	persona     string
	repoRoot    string
	promptRel   string
	eventsLog   string
	logsDir     string
	window      time.Duration
	recallLimit int
	maxTurns    int

	client    llm.Client
	reflector *reflection.Reflector
	bank      *emobank.Bank
	rbt       *diagnose.RBT
	updater   *promptfile.Updater
	writer    *artifact.Writer
	logger    *zap.Logger
}

// New validates the wiring and returns a ready orchestrator.
func New(opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case opts.Client == nil:
		return nil, errors.New("llm client is required")
	case opts.Reflector == nil:
		return nil, errors.New("reflector is required")
	case opts.Bank == nil:
		return nil, errors.New("ledger bank is required")
	case opts.RBT == nil:
		return nil, errors.New("diagnosis kernel is required")
	case opts.Updater == nil:
		return nil, errors.New("prompt updater is required")
	case opts.Writer == nil:
		return nil, errors.New("artifact writer is required")
	}

	if opts.Persona == "" {
		opts.Persona = "ward"
	}
	if opts.RepoRoot == "" {
		opts.RepoRoot = "."
	}
	if opts.PromptPath == "" {
		opts.PromptPath = "prompt.txt"
	}
	if opts.EventsLog == "" {
		opts.EventsLog = "logs/events.jsonl"
	}
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.RecallLimit <= 0 {
		opts.RecallLimit = 200
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 12
	}

	return &Orchestrator{
		persona:     opts.Persona,
		repoRoot:    opts.RepoRoot,
		promptRel:   opts.PromptPath,
		eventsLog:   opts.EventsLog,
		logsDir:     opts.LogsDir,
		window:      opts.Window,
		recallLimit: opts.RecallLimit,
		maxTurns:    opts.MaxTurns,
		client:      opts.Client,
		reflector:   opts.Reflector,
		bank:        opts.Bank,
		rbt:         opts.RBT,
		updater:     opts.Updater,
		writer:      opts.Writer,
		logger:      logger,
	}, nil
}

// Turn is one side of the session conversation.
type Turn struct {
	Role    string `json:"role"` // user, assistant, tool
	Content string `json:"content"`
}

// Result summarizes a completed session.
type Result struct {
	Stage          Stage  `json:"stage"`
	Turns          int    `json:"turns"`
	DiffPath       string `json:"diff_path"`
	PRPath         string `json:"pr_path"`
	PromptArtifact string `json:"prompt_artifact"`
	Transcript     []Turn `json:"transcript"`
}

// toolCall is the JSON envelope the model replies with.
type toolCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// protocolReminder goes back to the model when a reply carries no
// parseable tool call.
const protocolReminder = `{"error": "reply with a single JSON object: {\"tool\": \"<name>\", \"args\": {...}}"}`

const systemPromptTemplate = `You are rosebud, the reflective maintainer of the %s agent.
You operate by calling tools. Reply to every message with a single JSON
object of the form {"tool": "<name>", "args": {...}} and nothing else.

Call the tools IN ORDER:
1) update_ledger      args: {"window_hours": number (optional)}
   Reads the ward's behavioral log, appraises events, updates the
   affective ledger, and returns the reflection record with its "cue".
2) run_diagnosis      args: {"recent_n": number (optional)}
   Derives roses/buds/thorns from the ledger and returns the diagnosis
   with prompt_rules_to_add and code_suggestions.
3) build_prompt_patch args: {"cue": string (optional)}
   Composes the new adaptive prompt section and writes the new-prompt
   artifact. Core identity is never modified.
4) emit_unified_diff  args: {"diff": string}
   You author the diff. It must be a valid unified diff with ---/+++
   headers and at least one @@ hunk. Keep it minimal and focused on
   the top thorn (UTC conversion, receipt gating, bounded retry).
5) save_proposal      args: {"evidence": object (optional)}
   Persists the diff and a PR note under the proposals directory.

Rules:
- Never modify core identity in prompts; only the adaptive section.
- Use the diagnosis evidence to justify changes.
- Produce ONE diff per run, focused on the top thorn.
- If a tool returns an error, correct your call and continue.`

func (o *Orchestrator) systemPrompt() string {
	return fmt.Sprintf(systemPromptTemplate, o.persona)
}

func (o *Orchestrator) goalMessage() string {
	return fmt.Sprintf(
		"logs_path: %s\nprompt_path: %s\nrepo_root: %s\nGoal: process logs, diagnose RBT, build prompt block, propose ONE code diff, save artifacts.",
		o.eventsLog, o.promptPath(), o.repoRoot)
}

// promptPath resolves the ward prompt against the repo root.
func (o *Orchestrator) promptPath() string {
	if filepath.IsAbs(o.promptRel) {
		return o.promptRel
	}
	return filepath.Join(o.repoRoot, o.promptRel)
}

// Run executes one guided session: the model calls the five tools in
// stage order until a proposal is saved or the turn budget runs out.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	sess := &session{o: o, stage: StageStart}
	transcript := []Turn{{Role: "user", Content: o.goalMessage()}}

	for turn := 1; turn <= o.maxTurns; turn++ {
		select {
		case <-ctx.Done():
			o.logTranscript(transcript)
			return nil, ctx.Err()
		default:
		}

		reply, err := o.client.CompleteWithSystem(ctx, o.systemPrompt(), renderPrompt(transcript))
		if err != nil {
			o.logTranscript(transcript)
			return nil, fmt.Errorf("session aborted on turn %d: %w", turn, err)
		}
		transcript = append(transcript, Turn{Role: "assistant", Content: reply})

		payload, err := llm.ExtractJSON(reply)
		if err != nil {
			o.logger.Warn("model reply carried no tool call", zap.Error(err))
			transcript = append(transcript, Turn{Role: "tool", Content: protocolReminder})
			continue
		}
		var call toolCall
		if err := json.Unmarshal([]byte(payload), &call); err != nil || call.Tool == "" {
			o.logger.Warn("model reply carried no tool call", zap.String("payload", payload))
			transcript = append(transcript, Turn{Role: "tool", Content: protocolReminder})
			continue
		}

		result, err := sess.dispatch(ctx, call)
		if err != nil {
			if !recoverable(err) {
				o.logTranscript(transcript)
				return nil, fmt.Errorf("tool %s failed: %w", call.Tool, err)
			}
			o.logger.Warn("tool call rejected",
				zap.String("tool", call.Tool),
				zap.Error(err))
			transcript = append(transcript, Turn{Role: "tool", Content: toolError(err)})
			continue
		}

		content, err := json.Marshal(result)
		if err != nil {
			o.logTranscript(transcript)
			return nil, fmt.Errorf("failed to encode %s result: %w", call.Tool, err)
		}
		transcript = append(transcript, Turn{Role: "tool", Content: string(content)})
		o.logger.Info("tool call complete",
			zap.String("tool", call.Tool),
			zap.String("stage", string(sess.stage)))

		if sess.stage == StageSaved {
			return &Result{
				Stage:          sess.stage,
				Turns:          turn,
				DiffPath:       sess.diffPath,
				PRPath:         sess.prPath,
				PromptArtifact: sess.promptArtifact,
				Transcript:     transcript,
			}, nil
		}
	}

	o.logTranscript(transcript)
	return nil, fmt.Errorf("session exhausted %d turns before saving a proposal", o.maxTurns)
}

// renderPrompt flattens the conversation into one user prompt. Tool
// results read as plain turns so the model sees them as environment
// feedback.
func renderPrompt(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	b.WriteString("\n\nReply with the single JSON object for your next tool call.")
	return b.String()
}

func toolError(err error) string {
	content, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(content)
}

func (o *Orchestrator) logTranscript(turns []Turn) {
	content, err := json.Marshal(turns)
	if err != nil {
		o.logger.Warn("session transcript", zap.Int("turns", len(turns)))
		return
	}
	o.logger.Warn("session transcript",
		zap.Int("turns", len(turns)),
		zap.ByteString("transcript", content))
}
