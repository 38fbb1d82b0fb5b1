package appraise

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rosebud/internal/event"
)

// LLMClient is the interface for LLM interactions.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// knownEmotions is the affect vocabulary the ledger understands.
var knownEmotions = map[string]bool{
	"curiosity":     true,
	"frustration":   true,
	"anxiety":       true,
	"pride":         true,
	"relief":        true,
	"calm":          true,
	"joy":           true,
	"gratitude":     true,
	"determination": true,
}

// Judge is the LLM-backed appraiser. Any failure (call error, bad JSON,
// unknown emotion) degrades to the deterministic appraisal so a cycle
// never stalls on the model.
type Judge struct {
	client LLMClient
	logger *zap.Logger
}

// NewJudge creates an LLM-backed appraiser.
func NewJudge(client LLMClient, logger *zap.Logger) *Judge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Judge{client: client, logger: logger}
}

// Appraise implements Appraiser.
func (j *Judge) Appraise(ctx context.Context, ev event.Event) (Affect, error) {
	base := Evaluate(ev)
	if j.client == nil {
		return base, nil
	}

	response, err := j.client.CompleteWithSystem(ctx, judgeSystemPrompt, j.buildPrompt(ev))
	if err != nil {
		j.logger.Warn("judge call failed, using deterministic appraisal", zap.Error(err))
		return base, nil
	}

	affect, err := j.parseAffect(response)
	if err != nil {
		j.logger.Warn("judge response unusable, using deterministic appraisal", zap.Error(err))
		return base, nil
	}

	// The cause key never comes from the model; the ledger groups on it.
	affect.Cause = base.Cause
	if affect.Summary == "" {
		affect.Summary = base.Summary
	}
	if affect.Confidence == 0 {
		affect.Confidence = 0.6
	}
	return affect, nil
}

// buildPrompt renders one event for the judge.
func (j *Judge) buildPrompt(ev event.Event) string {
	var sb strings.Builder

	sb.WriteString("## Event\n")
	sb.WriteString(fmt.Sprintf("- **Actor**: %s\n", ev.Actor))
	sb.WriteString(fmt.Sprintf("- **Kind**: %s\n", ev.Kind))
	sb.WriteString(fmt.Sprintf("- **Status**: %s\n", ev.Status))
	sb.WriteString(fmt.Sprintf("- **Timestamp**: %s\n", ev.TS))

	if len(ev.Payload) > 0 {
		sb.WriteString("\n## Payload\n")
		if data, err := json.MarshalIndent(ev.Payload, "", "  "); err == nil {
			sb.Write(data)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// parseAffect extracts the affect from the LLM response.
func (j *Judge) parseAffect(response string) (Affect, error) {
	jsonStr := extractJSONObject(response)
	if jsonStr == "" {
		return Affect{}, fmt.Errorf("no JSON found in response")
	}

	var affect Affect
	if err := json.Unmarshal([]byte(jsonStr), &affect); err != nil {
		return Affect{}, fmt.Errorf("failed to parse JSON: %w", err)
	}

	emotion := strings.ToLower(strings.TrimSpace(affect.Emotion))
	if !knownEmotions[emotion] {
		return Affect{}, fmt.Errorf("unknown emotion: %s", affect.Emotion)
	}
	affect.Emotion = emotion
	affect.Intensity = clamp(affect.Intensity, 0, 1)
	affect.Valence = clamp(affect.Valence, -1, 1)
	affect.Confidence = clamp(affect.Confidence, 0, 1)

	return affect, nil
}

// extractJSONObject extracts the first balanced JSON object from a string.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// judgeSystemPrompt steers the model toward the ledger's vocabulary.
var judgeSystemPrompt = `You are the affective appraiser for a reflective maintenance agent. Given one behavioral log event from a sibling agent, decide how the maintainer should feel about it.

Rules:
- Choose exactly one emotion from: curiosity, frustration, anxiety, pride, relief, calm, joy, gratitude, determination.
- Reserve pride for measured improvements backed by numbers in the payload.
- Delays and late toasts are anxiety; failures, timeouts and errors are frustration.
- Routine successes are relief, not joy.

Output your appraisal as JSON:
{
  "emotion": "one of the listed emotions",
  "intensity": 0.0 to 1.0,
  "valence": -1.0 to 1.0,
  "appraisal_summary": "one sentence in first person",
  "confidence": 0.0 to 1.0
}`
