package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosebud/internal/artifact"
	"rosebud/internal/audit"
	"rosebud/internal/diagnose"
	"rosebud/internal/emobank"
	"rosebud/internal/event"
	"rosebud/internal/promptfile"
	"rosebud/internal/reflection"
)

const wardPrompt = `# Ward operating prompt

## BEGIN_CORE_IDENTITY
I am the ward: a reminder assistant.
## END_CORE_IDENTITY

## BEGIN_ADAPTIVE_SECTION
(stale rules)
## END_ADAPTIVE_SECTION

Tail.
`

// scriptedClient replays canned replies and records every prompt it
// was sent. An exhausted script errors like a dead provider would.
type scriptedClient struct {
	replies    []string
	calls      int
	lastSystem string
	prompts    []string
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *scriptedClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	c.lastSystem = systemPrompt
	c.prompts = append(c.prompts, userPrompt)
	if c.calls >= len(c.replies) {
		return "", errors.New("script exhausted")
	}
	reply := c.replies[c.calls]
	c.calls++
	return reply, nil
}

type sessionFixture struct {
	repoRoot  string
	eventsLog string
	logsDir   string
	outputDir string
	opts      Options
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	repoRoot := t.TempDir()
	work := t.TempDir()
	outputDir := filepath.Join(work, "output")
	logsDir := filepath.Join(work, "logs")
	eventsLog := filepath.Join(logsDir, "events.jsonl")

	bank, err := emobank.New(filepath.Join(work, "emobank"), emobank.DefaultPolicy(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { bank.Close() })

	reflector, err := reflection.New(reflection.Options{
		Persona:   "ward",
		EventsLog: eventsLog,
		LogsDir:   logsDir,
		Bank:      bank,
	}, nil)
	require.NoError(t, err)

	rbt, err := diagnose.New(diagnose.KernelConfig{}, nil)
	require.NoError(t, err)

	writeFile(t, filepath.Join(repoRoot, "prompt.txt"), wardPrompt)

	return &sessionFixture{
		repoRoot:  repoRoot,
		eventsLog: eventsLog,
		logsDir:   logsDir,
		outputDir: outputDir,
		opts: Options{
			Persona:    "ward",
			RepoRoot:   repoRoot,
			PromptPath: "prompt.txt",
			EventsLog:  eventsLog,
			LogsDir:    logsDir,
			Reflector:  reflector,
			Bank:       bank,
			RBT:        rbt,
			Updater:    promptfile.NewUpdater("ward", outputDir, logsDir, nil),
			Writer:     artifact.NewWriter(filepath.Join(outputDir, artifact.ProposalsDir), nil),
		},
	}
}

func (fx *sessionFixture) seedEvents(t *testing.T) {
	t.Helper()
	ts := time.Now().UTC().Add(-time.Minute).Truncate(time.Second).Format(time.RFC3339)
	for _, ev := range []event.Event{
		{TS: ts, Actor: "robin-a", Kind: "reminder.set", Status: "ok", Payload: map[string]any{"task": "standup"}},
		{TS: ts, Actor: "robin-a", Kind: "reminder.toast", Status: "delay", Payload: map[string]any{"delayed_by_sec": 300.0}},
		{TS: ts, Actor: "robin-a", Kind: "tool.call", Status: "fail", Payload: map[string]any{"tool": "calendar"}},
	} {
		require.NoError(t, event.Append(fx.eventsLog, ev))
	}
}

func (fx *sessionFixture) run(t *testing.T, client *scriptedClient) (*Result, error) {
	t.Helper()
	opts := fx.opts
	opts.Client = client
	orch, err := New(opts, nil)
	require.NoError(t, err)
	return orch.Run(context.Background())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	trimmed := strings.TrimSpace(readFile(t, path))
	if trimmed == "" {
		return 0
	}
	return len(strings.Split(trimmed, "\n"))
}

func readProposals(t *testing.T, logsDir string) []audit.Proposal {
	t.Helper()
	f, err := os.Open(filepath.Join(logsDir, audit.ProposalsFile))
	require.NoError(t, err)
	defer f.Close()

	var out []audit.Proposal
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec audit.Proposal
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func stampOf(t *testing.T, path, prefix, suffix string) string {
	t.Helper()
	base := filepath.Base(path)
	require.True(t, strings.HasPrefix(base, prefix), base)
	require.True(t, strings.HasSuffix(base, suffix), base)
	return strings.TrimSuffix(strings.TrimPrefix(base, prefix), suffix)
}

func transcriptHas(turns []Turn, role, substr string) bool {
	for _, turn := range turns {
		if turn.Role == role && strings.Contains(turn.Content, substr) {
			return true
		}
	}
	return false
}

const goodDiffCall = `{"tool": "emit_unified_diff", "args": {"diff": "--- a/reminders.go\n+++ b/reminders.go\n@@ -1,3 +1,3 @@\n package main\n \n-var useLocal = true\n+var useLocal = false\n"}}`

func goodScript() []string {
	return []string{
		`{"tool": "update_ledger", "args": {"window_hours": 24}}`,
		`{"tool": "run_diagnosis", "args": {"recent_n": 50}}`,
		"```json\n{\"tool\": \"build_prompt_patch\", \"args\": {}}\n```",
		goodDiffCall,
		`{"tool": "save_proposal", "args": {"evidence": {"note": "local time drift"}}}`,
	}
}

func TestSessionFullCycle(t *testing.T) {
	fx := newSessionFixture(t)
	fx.seedEvents(t)

	client := &scriptedClient{replies: goodScript()}
	res, err := fx.run(t, client)
	require.NoError(t, err)

	assert.Equal(t, StageSaved, res.Stage)
	assert.Equal(t, 5, res.Turns)
	assert.Len(t, res.Transcript, 11)
	assert.Len(t, client.prompts, 5)

	assert.Contains(t, client.lastSystem, "the ward agent")
	assert.Contains(t, client.lastSystem, "update_ledger")
	assert.Contains(t, client.prompts[0], "Goal: process logs")
	assert.Contains(t, client.prompts[1], "Convert to UTC and wait for receipts before showing toasts.")

	diff := readFile(t, res.DiffPath)
	assert.True(t, strings.HasPrefix(diff, "--- a/reminders.go\n+++ b/reminders.go\n@@ "), diff)

	stamp := stampOf(t, res.DiffPath, "LLM_patch_", ".diff")
	assert.Equal(t, stamp, stampOf(t, res.PRPath, "LLM_PR_", ".md"))

	pr := readFile(t, res.PRPath)
	assert.Contains(t, pr, "# LLM Code Suggestion\nGenerated: "+stamp+"\n")
	assert.Contains(t, pr, "\"note\": \"local time drift\"")
	assert.Contains(t, pr, "Apply:\n  git apply "+res.DiffPath+"\n")
	assert.Contains(t, pr, "Rollback:\n  git apply -R "+res.DiffPath+"\n")

	assert.Equal(t, filepath.Join(fx.outputDir, promptfile.NewPromptFile), res.PromptArtifact)
	newPrompt := readFile(t, res.PromptArtifact)
	assert.Contains(t, newPrompt, "RBT (Roses/Buds/Thorns) operating guide:")
	assert.Contains(t, newPrompt, "Note to self: Convert to UTC and wait for receipts before showing toasts.")
	assert.Contains(t, newPrompt, "I am the ward: a reminder assistant.")

	recs := readProposals(t, fx.logsDir)
	require.Len(t, recs, 1)
	assert.Equal(t, stamp, recs[0].TS)
	assert.Equal(t, "ward", recs[0].Persona)
	assert.Equal(t, []string{"reminders.go"}, recs[0].AffectedPaths)
	assert.Contains(t, []string{"anxiety", "frustration"}, recs[0].EmotionTrigger)
	require.Len(t, recs[0].Evidence, 2)
	for _, line := range recs[0].Evidence {
		assert.True(t, strings.HasPrefix(line, "thorn: "), line)
	}
	assert.Equal(t, "LLM-authored code proposal.", recs[0].Summary)

	assert.Equal(t, 1, countLines(t, filepath.Join(fx.logsDir, audit.ReflectionsFile)))
	assert.Equal(t, 1, countLines(t, filepath.Join(fx.logsDir, audit.PromptUpdatesFile)))
}

func TestSessionRejectsOutOfOrderTool(t *testing.T) {
	fx := newSessionFixture(t)
	fx.seedEvents(t)

	replies := append([]string{`{"tool": "run_diagnosis", "args": {}}`}, goodScript()...)
	res, err := fx.run(t, &scriptedClient{replies: replies})
	require.NoError(t, err)

	assert.Equal(t, StageSaved, res.Stage)
	assert.Equal(t, 6, res.Turns)
	assert.True(t, transcriptHas(res.Transcript, "tool", "wrong stage: start (expected ledger_updated)"))
}

func TestSessionRejectsMalformedDiff(t *testing.T) {
	fx := newSessionFixture(t)
	fx.seedEvents(t)

	script := goodScript()
	replies := []string{
		script[0],
		script[1],
		script[2],
		`{"tool": "emit_unified_diff", "args": {"diff": "not a diff"}}`,
		`{"tool": "emit_unified_diff", "args": {"diff": "--- a/x\n+++ b/x\nno hunks here\n"}}`,
		script[3],
		script[4],
	}
	res, err := fx.run(t, &scriptedClient{replies: replies})
	require.NoError(t, err)

	assert.Equal(t, StageSaved, res.Stage)
	assert.Equal(t, 7, res.Turns)
	assert.True(t, transcriptHas(res.Transcript, "tool", "expected '---' and '+++' headers"))
	assert.True(t, transcriptHas(res.Transcript, "tool", "expected at least one @@ hunk header"))
}

func TestSessionRemindsProtocol(t *testing.T) {
	fx := newSessionFixture(t)
	fx.seedEvents(t)

	replies := append([]string{
		"I think I should start by updating the ledger.",
		`{"tool": "fly_to_moon", "args": {}}`,
	}, goodScript()...)
	res, err := fx.run(t, &scriptedClient{replies: replies})
	require.NoError(t, err)

	assert.Equal(t, StageSaved, res.Stage)
	assert.Equal(t, 7, res.Turns)
	assert.True(t, transcriptHas(res.Transcript, "tool", "reply with a single JSON object"))
	assert.True(t, transcriptHas(res.Transcript, "tool", "unknown tool: fly_to_moon"))
}

func TestSessionExhaustsTurnBudget(t *testing.T) {
	fx := newSessionFixture(t)
	fx.seedEvents(t)

	opts := fx.opts
	opts.Client = &scriptedClient{replies: []string{"hm", "still thinking"}}
	opts.MaxTurns = 2
	orch, err := New(opts, nil)
	require.NoError(t, err)

	_, err = orch.Run(context.Background())
	require.ErrorContains(t, err, "session exhausted 2 turns")
}

func TestSessionAbortsOnInfraError(t *testing.T) {
	fx := newSessionFixture(t)
	fx.seedEvents(t)

	opts := fx.opts
	opts.PromptPath = "absent.txt"
	opts.Client = &scriptedClient{replies: goodScript()}
	orch, err := New(opts, nil)
	require.NoError(t, err)

	_, err = orch.Run(context.Background())
	require.ErrorContains(t, err, "tool build_prompt_patch failed")
	require.ErrorContains(t, err, "failed to read ward prompt")
}

func TestSessionAbortsWhenClientFails(t *testing.T) {
	fx := newSessionFixture(t)

	_, err := fx.run(t, &scriptedClient{})
	require.ErrorContains(t, err, "session aborted on turn 1")
	require.ErrorContains(t, err, "script exhausted")
}

func TestSessionHonorsContextCancel(t *testing.T) {
	fx := newSessionFixture(t)

	opts := fx.opts
	opts.Client = &scriptedClient{replies: goodScript()}
	orch, err := New(opts, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = orch.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesWiring(t *testing.T) {
	fx := newSessionFixture(t)
	base := fx.opts
	base.Client = &scriptedClient{}

	cases := []struct {
		name string
		zero func(*Options)
		want string
	}{
		{"client", func(o *Options) { o.Client = nil }, "llm client is required"},
		{"reflector", func(o *Options) { o.Reflector = nil }, "reflector is required"},
		{"bank", func(o *Options) { o.Bank = nil }, "ledger bank is required"},
		{"rbt", func(o *Options) { o.RBT = nil }, "diagnosis kernel is required"},
		{"updater", func(o *Options) { o.Updater = nil }, "prompt updater is required"},
		{"writer", func(o *Options) { o.Writer = nil }, "artifact writer is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.zero(&opts)
			_, err := New(opts, nil)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestValidateDiff(t *testing.T) {
	good := "--- a/reminders.go\n+++ b/reminders.go\n@@ -1,3 +1,3 @@\n-x\n+y\n"
	require.NoError(t, validateDiff(good))

	err := validateDiff("not a diff")
	require.ErrorIs(t, err, ErrInvalidDiff)
	assert.ErrorContains(t, err, "'---' and '+++'")

	err = validateDiff("--- a/x\n+++ b/x\nno hunks here\n")
	require.ErrorIs(t, err, ErrInvalidDiff)
	assert.ErrorContains(t, err, "@@ hunk")
}

func TestDiffTargets(t *testing.T) {
	diff := "--- a/reminders.go\n+++ b/reminders.go\n@@ -1 +1 @@\n-x\n+y\n" +
		"--- a/gone.go\n+++ /dev/null\n@@ -1 +0,0 @@\n-z\n"
	assert.Equal(t, []string{"reminders.go"}, diffTargets(diff))
}
