// Package diagnose classifies recalled ledger entries into roses, buds
// and thorns with a Mangle ruleset and turns the result into prompt
// rules and code suggestions.
package diagnose

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"rosebud/internal/emobank"
)

// Item is one classified ledger entry.
type Item struct {
	Cause     string  `json:"cause"`
	Emotion   string  `json:"emotion"`
	Intensity float64 `json:"intensity"`
}

// Suggestion points at a file worth patching.
type Suggestion struct {
	File    string `json:"file"`
	Summary string `json:"summary"`
	Hint    string `json:"hint"`
}

// Diagnosis is the full triage result for one reflection pass.
type Diagnosis struct {
	Roses       []Item       `json:"roses"`
	Buds        []Item       `json:"buds"`
	Thorns      []Item       `json:"thorns"`
	Diagnosis   string       `json:"diagnosis"`
	PromptRules []string     `json:"prompt_rules_to_add"`
	Suggestions []Suggestion `json:"code_suggestions"`
}

// Advice atoms derived by the ruleset.
const (
	advicePreserveReceiptGating = "/preserve_receipt_gating"
	adviceGrowWeakPositives     = "/grow_weak_positives"
	adviceTrimDelayPath         = "/trim_delay_path"
	adviceTrimFailurePath       = "/trim_failure_path"
)

// remedyRules maps advice atoms to prompt rules, in emission order:
// preserve what works, grow what is promising, trim what hurts.
var remedyRules = []struct {
	advice string
	rules  []string
}{
	{advicePreserveReceiptGating, []string{
		"Keep gating success toasts on receipt confirmation.",
		"Echo scheduled_utc after scheduling to confirm exact time.",
	}},
	{adviceGrowWeakPositives, []string{
		"After success with small lag, continue logging receipt_lag_ms and retry flag.",
		"When user time is ambiguous, restate the UTC timestamp and ask for confirmation.",
	}},
	{adviceTrimDelayPath, []string{
		"Convert all scheduled times to UTC before saving.",
		"Apply 100-300ms jitter before enqueue to reduce stampede.",
	}},
	{adviceTrimFailurePath, []string{
		"If a tool call fails, surface a brief apology and auto-retry once with exponential back-off.",
	}},
}

var remedySuggestions = map[string]Suggestion{
	adviceTrimDelayPath: {
		File:    "reminders.go",
		Summary: "UTC conversion + receipt wait + single retry with jitter.",
		Hint:    "Add timezone-aware scheduling, await receipt <=3s, then one retry.",
	},
	adviceTrimFailurePath: {
		File:    "tools/<name>.go",
		Summary: "Add bounded retry + structured error toasts.",
		Hint:    "Wrap tool calls with error handling and emit toasts with error codes.",
	},
}

// RBT runs the triage kernel over ledger entries.
type RBT struct {
	kernel *Kernel
	logger *zap.Logger
}

// New compiles the ruleset and returns a reusable classifier.
func New(cfg KernelConfig, logger *zap.Logger) (*RBT, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kernel, err := NewKernel(cfg)
	if err != nil {
		return nil, err
	}
	return &RBT{kernel: kernel, logger: logger}, nil
}

// Kernel exposes the underlying Datalog kernel.
func (r *RBT) Kernel() *Kernel { return r.kernel }

// Query forwards an ad-hoc query to the kernel. Useful after Diagnose,
// when the derived predicates are materialized.
func (r *RBT) Query(ctx context.Context, query string) ([]map[string]any, error) {
	return r.kernel.Query(ctx, query)
}

// Diagnose asserts one fact per entry, evaluates the ruleset and reads
// the rose/bud/thorn and advice relations back. Entries keep their
// input order within each bucket.
func (r *RBT) Diagnose(ctx context.Context, entries []emobank.Entry) (*Diagnosis, error) {
	r.kernel.Clear()

	flagged := make(map[string]bool)
	for i, entry := range entries {
		emo, ok := emotionName(entry.Emotion)
		if !ok {
			r.logger.Debug("entry emotion is not classifiable",
				zap.Int("id", i),
				zap.String("emotion", entry.Emotion))
			continue
		}
		err := r.kernel.Assert("emotion", int64(i), entry.Cause, emo,
			basisPoints(entry.Intensity), basisPoints(entry.Valence))
		if err != nil {
			return nil, err
		}
		if flagged[entry.Cause] {
			continue
		}
		flagged[entry.Cause] = true
		for _, flag := range causeFlags(entry.Cause) {
			if err := r.kernel.Assert("cause_flag", entry.Cause, flag); err != nil {
				return nil, err
			}
		}
	}

	if err := r.kernel.Eval(); err != nil {
		return nil, fmt.Errorf("evaluate ruleset: %w", err)
	}

	diag := &Diagnosis{}
	var err error
	if diag.Roses, err = r.bucket(entries, "rose"); err != nil {
		return nil, err
	}
	if diag.Buds, err = r.bucket(entries, "bud"); err != nil {
		return nil, err
	}
	if diag.Thorns, err = r.bucket(entries, "thorn"); err != nil {
		return nil, err
	}

	advice, err := r.adviceSet()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	diag.PromptRules = []string{}
	diag.Suggestions = []Suggestion{}
	for _, remedy := range remedyRules {
		if !advice[remedy.advice] {
			continue
		}
		for _, rule := range remedy.rules {
			if seen[rule] {
				continue
			}
			seen[rule] = true
			diag.PromptRules = append(diag.PromptRules, rule)
		}
		if s, ok := remedySuggestions[remedy.advice]; ok {
			diag.Suggestions = append(diag.Suggestions, s)
		}
	}

	diag.Diagnosis = fmt.Sprintf("Roses=%d, Buds=%d, Thorns=%d.",
		len(diag.Roses), len(diag.Buds), len(diag.Thorns))

	r.logger.Debug("triage complete",
		zap.Int("facts", r.kernel.FactCount()),
		zap.String("diagnosis", diag.Diagnosis))
	return diag, nil
}

// bucket reads a derived 4-ary relation back and rebuilds items from
// the original entries so intensities keep their exact values.
func (r *RBT) bucket(entries []emobank.Entry, predicate string) ([]Item, error) {
	rows, err := r.kernel.Facts(predicate)
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(rows))
	for _, args := range rows {
		if len(args) == 0 {
			continue
		}
		id, ok := args[0].(int64)
		if !ok {
			continue
		}
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(entries) {
			continue
		}
		entry := entries[id]
		items = append(items, Item{
			Cause:     entry.Cause,
			Emotion:   entry.Emotion,
			Intensity: entry.Intensity,
		})
	}
	return items, nil
}

func (r *RBT) adviceSet() (map[string]bool, error) {
	rows, err := r.kernel.Facts("advice")
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(rows))
	for _, args := range rows {
		if len(args) == 0 {
			continue
		}
		if name, ok := args[0].(string); ok {
			set[name] = true
		}
	}
	return set, nil
}

// emotionName maps a ledger emotion to a Mangle name constant. Anything
// outside the lowercase identifier alphabet cannot match the ruleset
// vocabulary and is skipped.
func emotionName(emotion string) (string, bool) {
	if emotion == "" {
		return "", false
	}
	for i := 0; i < len(emotion); i++ {
		c := emotion[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if i > 0 && (c == '_' || (c >= '0' && c <= '9')) {
			continue
		}
		return "", false
	}
	return "/" + emotion, true
}

// causeFlags extracts the cause substrings the ruleset keys on.
func causeFlags(cause string) []string {
	var flags []string
	if strings.Contains(cause, "reminder.toast") {
		flags = append(flags, "/toast")
	}
	if strings.Contains(cause, "delay") {
		flags = append(flags, "/delay")
	}
	if strings.Contains(cause, "fail") || strings.Contains(cause, "error") {
		flags = append(flags, "/fail")
	}
	if strings.Contains(cause, "timeout") {
		flags = append(flags, "/timeout")
	}
	return flags
}

// basisPoints scales a unit float to the integer domain the rules
// compare in.
func basisPoints(x float64) int64 {
	return int64(math.Round(x * 1000))
}
