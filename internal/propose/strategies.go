package propose

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"rosebud/internal/diagnose"
	"rosebud/internal/event"
	"rosebud/internal/review"
)

// TransformFunc proposes replacement text for one file. Transforms are
// pure and idempotent; the engine diffs the result against the source
// and never writes into the ward tree itself.
type TransformFunc func(src string) string

// Strategy scores itself against the day's diagnosis and picks files
// worth patching.
type Strategy interface {
	Name() string
	Match(diag *diagnose.Diagnosis, events []event.Event, findings []review.Finding) float64
	Targets(repoRoot string, findings []review.Finding) []string
	Transform(rel string) TransformFunc
}

// Strategies returns the built-in strategies in registration order.
func Strategies() []Strategy {
	return []Strategy{TZReceiptStrategy{}, RetryErrorsStrategy{}}
}

type scoredStrategy struct {
	strategy Strategy
	score    float64
}

// rankStrategies scores every strategy and orders them best first.
// Ties keep registration order.
func rankStrategies(strategies []Strategy, diag *diagnose.Diagnosis, events []event.Event, findings []review.Finding) []scoredStrategy {
	ranked := make([]scoredStrategy, 0, len(strategies))
	for _, s := range strategies {
		ranked = append(ranked, scoredStrategy{strategy: s, score: s.Match(diag, events, findings)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked
}

// goTargets returns repo-relative slash paths of the Go files among
// the findings, first-seen order, deduped.
func goTargets(repoRoot string, findings []review.Finding) []string {
	seen := make(map[string]struct{})
	var rels []string
	for _, f := range findings {
		if filepath.Ext(f.Path) != ".go" {
			continue
		}
		rel, err := filepath.Rel(repoRoot, f.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		rel = filepath.ToSlash(rel)
		if _, dup := seen[rel]; dup {
			continue
		}
		seen[rel] = struct{}{}
		rels = append(rels, rel)
	}
	return rels
}

func thornCauseContains(diag *diagnose.Diagnosis, subs ...string) bool {
	if diag == nil {
		return false
	}
	for _, th := range diag.Thorns {
		for _, sub := range subs {
			if strings.Contains(th.Cause, sub) {
				return true
			}
		}
	}
	return false
}

// TZReceiptStrategy targets the late-toast failure mode: normalize
// scheduled times to UTC, spread enqueues with jitter, and gate toasts
// on delivery receipts.
type TZReceiptStrategy struct{}

func (TZReceiptStrategy) Name() string { return "timezone_receipt" }

// Match fires when a delay or failure thorn exists and the scan saw a
// scheduling call.
func (TZReceiptStrategy) Match(diag *diagnose.Diagnosis, _ []event.Event, findings []review.Finding) float64 {
	if !thornCauseContains(diag, "delay", "fail") {
		return 0
	}
	for _, f := range findings {
		if strings.Contains(f.Preview, "scheduleAt(") || strings.Contains(f.Preview, "enqueueAt(") {
			return 0.9
		}
	}
	return 0
}

func (TZReceiptStrategy) Targets(repoRoot string, findings []review.Finding) []string {
	return goTargets(repoRoot, findings)
}

func (TZReceiptStrategy) Transform(string) TransformFunc { return tzReceiptTransform }

// RetryErrorsStrategy targets failure and timeout thorns with a
// bounded retry helper.
type RetryErrorsStrategy struct{}

func (RetryErrorsStrategy) Name() string { return "retry_errors" }

func (RetryErrorsStrategy) Match(diag *diagnose.Diagnosis, _ []event.Event, _ []review.Finding) float64 {
	if thornCauseContains(diag, "fail", "timeout") {
		return 0.7
	}
	return 0
}

func (RetryErrorsStrategy) Targets(repoRoot string, findings []review.Finding) []string {
	return goTargets(repoRoot, findings)
}

func (RetryErrorsStrategy) Transform(string) TransformFunc { return retryErrorsTransform }

var (
	schedCallLineRE = regexp.MustCompile(`(?m)^([ \t]*).*\b(?:scheduleAt|enqueueAt)\(`)
	schedFirstArgRE = regexp.MustCompile(`\b(scheduleAt|enqueueAt)\(\s*([A-Za-z_][A-Za-z0-9_.]*)\s*,`)
	toolCallLineRE  = regexp.MustCompile(`(?m)^([ \t]*).*\b(?:tool|client|api)\.[A-Za-z_][A-Za-z0-9_]*\(`)
)

const (
	tzAdvisory    = "// Normalize to UTC, add 100-300ms jitter, and gate the toast on a receipt."
	retryAdvisory = "// Wrap this call with withRetry so transient failures get one more try."
)

const tzHelpers = `
// ensureUTC normalizes a scheduled time before it is stored or queued.
func ensureUTC(t time.Time) time.Time {
	return t.UTC()
}

// withJitter spreads enqueues by 100-300ms so retries do not stampede.
func withJitter(t time.Time) time.Time {
	return t.Add(time.Duration(100+rand.Intn(200)) * time.Millisecond)
}

// awaitReceipt blocks up to 3s for the delivery receipt that must
// arrive before a "Reminder set" toast is shown.
func awaitReceipt(receipts <-chan string, id string) bool {
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-receipts:
			if got == id {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
`

const retryHelper = `
// withRetry runs fn and retries once after a short pause when it
// fails.
func withRetry(fn func() error) error {
	if err := fn(); err == nil {
		return nil
	}
	time.Sleep(200 * time.Millisecond)
	return fn()
}
`

// tzReceiptTransform rewrites the first scheduling call to pass a
// UTC-normalized, jittered time and appends the reliability helpers.
// Sources with no scheduling call, or already carrying ensureUTC,
// pass through unchanged.
func tzReceiptTransform(src string) string {
	if strings.Contains(src, "func ensureUTC(") {
		return src
	}
	out, ok := insertAboveFirst(src, schedCallLineRE, tzAdvisory)
	if !ok {
		return src
	}
	out = replaceFirst(out, schedFirstArgRE, "$1(withJitter(ensureUTC($2)),")
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out + tzHelpers
}

// retryErrorsTransform flags the first external call with a retry
// advisory and appends the helper. Sources with no such call, or
// already carrying withRetry, pass through unchanged.
func retryErrorsTransform(src string) string {
	if strings.Contains(src, "func withRetry(") {
		return src
	}
	out, ok := insertAboveFirst(src, toolCallLineRE, retryAdvisory)
	if !ok {
		return src
	}
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out + retryHelper
}

// insertAboveFirst puts comment on its own line, matching indentation,
// above the first line re matches. The regexp's first group must
// capture the line's leading whitespace.
func insertAboveFirst(src string, re *regexp.Regexp, comment string) (string, bool) {
	m := re.FindStringSubmatchIndex(src)
	if m == nil {
		return src, false
	}
	indent := src[m[2]:m[3]]
	return src[:m[0]] + indent + comment + "\n" + src[m[0]:], true
}

// replaceFirst is ReplaceAllString limited to the first match.
func replaceFirst(src string, re *regexp.Regexp, template string) string {
	m := re.FindStringSubmatchIndex(src)
	if m == nil {
		return src
	}
	expanded := re.ExpandString(nil, template, src, m)
	return src[:m[0]] + string(expanded) + src[m[1]:]
}
