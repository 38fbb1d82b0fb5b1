// Package promptfile rewrites the ward's prompt inside sentinel
// markers. Only the adaptive section is ever touched; the core
// identity block is guarded byte-for-byte and any rewrite that would
// lose or alter it is refused before anything reaches disk.
package promptfile

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"rosebud/internal/diagnose"
)

// Sentinel markers the ward's prompt carries.
const (
	BeginAdaptive = "## BEGIN_ADAPTIVE_SECTION"
	EndAdaptive   = "## END_ADAPTIVE_SECTION"
	BeginCore     = "## BEGIN_CORE_IDENTITY"
	EndCore       = "## END_CORE_IDENTITY"

	beginPlan = "## BEGIN_RBT_PLAN"
	endPlan   = "## END_RBT_PLAN"
)

var (
	adaptiveRE = regexp.MustCompile(`(?s)(` + BeginAdaptive + `)(.*?)(` + EndAdaptive + `)`)
	coreRE     = regexp.MustCompile(`(?s)(` + BeginCore + `)(.*?)(` + EndCore + `)`)
)

var (
	// ErrMissingCoreIdentity reports a prompt without a core identity
	// block, before or after the rewrite.
	ErrMissingCoreIdentity = errors.New("core identity block missing; refusing to modify prompt")

	// ErrCoreIdentityChanged reports a rewrite that altered the core
	// identity block.
	ErrCoreIdentityChanged = errors.New("core identity was modified; aborting")
)

// baseRules are the standing reliability rules every adaptive block
// opens with.
var baseRules = []string{
	"I will improve reliability based on my recent reflection:",
	"1) Convert all scheduled times to UTC before saving.",
	"2) After scheduling, wait up to 3s for an emit receipt; if none, retry once with 100-300ms jitter.",
	`3) Only show a "Reminder set" toast after I receive the receipt.`,
	"4) If the user's time is ambiguous, restate the exact UTC timestamp I intend to use.",
	"5) Log scheduled_utc, receipt_lag_ms, and retry.",
}

// rbtPreamble tells the ward how to act on the plan that follows.
const rbtPreamble = "RBT (Roses/Buds/Thorns) operating guide:\n" +
	"- Roses = reliable wins to PRESERVE. Keep behaviors exactly; do not regress.\n" +
	"- Buds  = promising signals to GROW. Add guardrails/observability until they become Roses.\n" +
	"- Thorns= failures or pain points to TRIM. Add mitigations, retries, or clarity.\n" +
	"When conflicts occur: TRIM thorns first, then GROW buds, then PRESERVE roses.\n" +
	"Always keep CORE_IDENTITY unchanged; modify only the ADAPTIVE section.\n"

// Per-category and action caps keep the plan readable for the ward.
const (
	planItemCap = 8
	actionCap   = 12
)

// BuildAdaptiveBlock renders the full adaptive section: the standing
// reliability rules, any rules the diagnosis added, the RBT operating
// guide, the plan, and the cue as a note to self.
func BuildAdaptiveBlock(diag *diagnose.Diagnosis, cue string) string {
	block := "\n" + strings.Join(ruleLines(diag), "\n") + "\n\n" + rbtPreamble + rbtPlan(diag)
	if cue != "" {
		block += "Note to self: " + cue
	}
	return block + "\n"
}

// BuildProposalBlock renders the adaptive section variant carried by
// proposal artifacts. It skips the operating guide and inlines the
// plan sentinels.
func BuildProposalBlock(diag *diagnose.Diagnosis, cue string) string {
	block := "\n" + strings.Join(ruleLines(diag), "\n")
	if diag != nil {
		plan := []string{beginPlan}
		plan = append(plan, planItems("Roses", diag.Roses)...)
		plan = append(plan, planItems("Buds", diag.Buds)...)
		plan = append(plan, planItems("Thorns", diag.Thorns)...)
		plan = append(plan, actionLines(diag.PromptRules)...)
		plan = append(plan, endPlan)
		block += "\n\n" + strings.Join(plan, "\n")
	}
	block += "\n"
	if cue != "" {
		block += "Note to self: " + cue
	}
	return block + "\n"
}

func ruleLines(diag *diagnose.Diagnosis) []string {
	lines := append([]string(nil), baseRules...)
	if diag != nil {
		for _, r := range diag.PromptRules {
			lines = append(lines, "- "+r)
		}
	}
	return lines
}

func rbtPlan(diag *diagnose.Diagnosis) string {
	if diag == nil {
		return ""
	}
	var lines []string
	lines = append(lines, planItems("Roses", diag.Roses)...)
	lines = append(lines, planItems("Buds", diag.Buds)...)
	lines = append(lines, planItems("Thorns", diag.Thorns)...)
	lines = append(lines, actionLines(diag.PromptRules)...)
	return "\n" + beginPlan + "\n" + strings.Join(lines, "\n") + "\n" + endPlan + "\n"
}

func planItems(tag string, items []diagnose.Item) []string {
	out := []string{tag + ":"}
	for i, it := range items {
		if i == planItemCap {
			break
		}
		out = append(out, fmt.Sprintf("  - cause: %s | emotion: %s | intensity: %.2f", it.Cause, it.Emotion, it.Intensity))
	}
	if len(out) == 1 {
		out = append(out, "  - none")
	}
	return out
}

func actionLines(rules []string) []string {
	out := []string{"Actions:"}
	if len(rules) == 0 {
		return append(out, "  - no-op")
	}
	for i, r := range rules {
		if i == actionCap {
			break
		}
		out = append(out, "  - "+r)
	}
	return out
}

// SpliceAdaptive swaps block into the first adaptive span of text,
// keeping the sentinels. Without sentinels the block is appended as a
// fresh section.
func SpliceAdaptive(text, block string) string {
	m := adaptiveRE.FindStringSubmatchIndex(text)
	if m == nil {
		return text + "\n\n" + BeginAdaptive + "\n" + block + EndAdaptive + "\n"
	}
	return text[:m[3]] + "\n" + block + text[m[6]:]
}

// Rewrite renders the adaptive block for diag and cue and splices it
// into current. The core identity block must be present before and
// after, and byte-identical. Returns the new prompt and the block.
func Rewrite(current string, diag *diagnose.Diagnosis, cue string) (string, string, error) {
	block := BuildAdaptiveBlock(diag, cue)
	next := SpliceAdaptive(current, block)
	if err := guardCore(current, next); err != nil {
		return "", "", err
	}
	return next, block, nil
}

func guardCore(before, after string) error {
	b := coreRE.FindString(before)
	a := coreRE.FindString(after)
	if b == "" || a == "" {
		return ErrMissingCoreIdentity
	}
	if b != a {
		return ErrCoreIdentityChanged
	}
	return nil
}
