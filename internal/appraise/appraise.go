// Package appraise turns behavioral log events into affect: an emotion
// with intensity and valence, plus the cause string the ledger keys on.
// The deterministic appraiser is self-contained and numeric-only; the
// judge variant asks an LLM and falls back to the deterministic result.
package appraise

import (
	"context"
	"fmt"
	"strings"

	"rosebud/internal/event"
)

// Affect is the appraisal of a single event.
type Affect struct {
	Emotion    string  `json:"emotion"`
	Intensity  float64 `json:"intensity"`
	Valence    float64 `json:"valence"`
	Cause      string  `json:"cause"`
	Summary    string  `json:"appraisal_summary"`
	Confidence float64 `json:"confidence"`
}

// Appraiser maps one event to affect.
type Appraiser interface {
	Appraise(ctx context.Context, ev event.Event) (Affect, error)
}

// positiveStatus marks outcomes that count as genuine successes.
var positiveStatus = map[string]bool{
	"ok":        true,
	"success":   true,
	"completed": true,
	"resolved":  true,
	"delivered": true,
}

// Deterministic is the rule-based appraiser. It emits positive emotions
// only for explicit successes or measured improvements, never keywords.
type Deterministic struct{}

// Appraise implements Appraiser. It never fails.
func (Deterministic) Appraise(_ context.Context, ev event.Event) (Affect, error) {
	return Evaluate(ev), nil
}

// Evaluate appraises one event deterministically.
func Evaluate(ev event.Event) Affect {
	kind := ev.Kind
	status := ev.Status

	// Baseline
	emotion, valence := "curiosity", 0.4

	switch {
	case status == "fail" || status == "timeout" || strings.Contains(kind, "error"):
		emotion, valence = "frustration", -0.7
	case status == "delay" || strings.Contains(kind, "delay"):
		emotion, valence = "anxiety", -0.6
	case positiveStatus[status]:
		if positiveMagnitude(ev) > 0 {
			// measurable uplift registers as achievement
			emotion, valence = "pride", 0.85
		} else {
			// routine success
			emotion, valence = "relief", 0.6
		}
	}

	intensity := clamp(severity(ev), 0.2, 0.95)

	// Floor strong positives so they register in mood
	if emotion == "pride" && intensity < 0.5 {
		intensity = 0.5
	}

	return Affect{
		Emotion:    emotion,
		Intensity:  intensity,
		Valence:    valence,
		Cause:      fmt.Sprintf("%s:%s", kind, status),
		Summary:    fmt.Sprintf("I felt %s due to %s (%s).", emotion, kind, status),
		Confidence: 0.7,
	}
}

// positiveMagnitude scores numeric evidence of improvement:
//   - improvement_pct: 0-50% maps onto 0.3-0.9
//   - saved_ms: 0-2000ms maps onto 0.3-0.9
//   - latency_ms below baseline_ms maps the percent improvement the same way
//
// Returns 0 when no numeric celebration applies.
func positiveMagnitude(ev event.Event) float64 {
	if imp, ok := ev.Float("improvement_pct"); ok {
		return clamp(0.3+clamp(imp, 0, 50)/50*0.6, 0.2, 0.95)
	}
	if saved, ok := ev.Float("saved_ms"); ok {
		return clamp(0.3+clamp(saved, 0, 2000)/2000*0.6, 0.2, 0.95)
	}
	lat, okLat := ev.Float("latency_ms")
	base, okBase := ev.Float("baseline_ms")
	if okLat && okBase && base > 0 && lat < base {
		imp := (base - lat) / base * 100
		return clamp(0.3+clamp(imp, 0, 50)/50*0.6, 0.2, 0.95)
	}
	return 0
}

// severity scores how much an event should move the ledger.
func severity(ev event.Event) float64 {
	// An explicit severity or magnitude field is taken at face value
	if s, ok := ev.Float("severity"); ok {
		return clamp(s, 0, 1)
	}
	if m, ok := ev.Float("magnitude"); ok {
		return clamp(m, 0, 1)
	}

	// Positive numeric magnitude wins if present
	if mag := positiveMagnitude(ev); mag > 0 {
		return mag
	}

	// Delay severity: ten minutes late saturates at 1.0
	if d, ok := ev.DelayedBy(); ok {
		return clamp(d/600, 0, 1)
	}

	switch ev.Status {
	case "fail", "timeout", "error":
		return 0.9
	case "complaint":
		return 0.8
	}

	return 0.3
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
