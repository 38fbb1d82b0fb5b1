// Package audit defines rosebud's own activity trail: append-only JSONL
// streams under the logs directory, one per concern. The ward's
// behavioral log is read-only to rosebud; these streams are where
// rosebud accounts for what it did and why.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Stream file names under the logs directory.
const (
	ReflectionsFile   = "reflections.jsonl"
	PromptUpdatesFile = "prompt_updates.jsonl"
	ProposalsFile     = "proposals.jsonl"
)

// Reflection is one line of reflections.jsonl: the outcome of a full
// reflection pass over the ward's recent behavior.
type Reflection struct {
	ID               string   `json:"id"`
	TS               string   `json:"ts"`
	Persona          string   `json:"persona"`
	Summary          string   `json:"summary"`
	Diagnosis        string   `json:"diagnosis"`
	Cue              string   `json:"cue"`
	DominantEmotions []string `json:"dominant_emotions"`
	Confidence       float64  `json:"confidence"`
}

// PromptUpdate is one line of prompt_updates.jsonl.
type PromptUpdate struct {
	TS          string `json:"ts"`
	Persona     string `json:"persona"`
	Reason      string `json:"reason"`
	DiffSummary string `json:"diff_summary"`
}

// Proposal is one line of proposals.jsonl. Its TS carries the compact
// artifact stamp so a line can be matched to the files it produced.
type Proposal struct {
	TS             string   `json:"ts"`
	Persona        string   `json:"persona"`
	AffectedPaths  []string `json:"affected_paths"`
	EmotionTrigger string   `json:"emotion_trigger"`
	Evidence       []string `json:"evidence"`
	Summary        string   `json:"summary"`
}

// NowISO returns the stamp most audit records carry: UTC, second
// precision, RFC 3339.
func NowISO() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Append writes record as one JSONL line, creating the stream and its
// directory if needed.
func Append(path string, record any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit stream: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}
