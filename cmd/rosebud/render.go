package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"rosebud/internal/diagnose"
	"rosebud/internal/emobank"
	"rosebud/internal/propose"
)

// renderMarkdown renders a Markdown report for the terminal. The plain
// text comes back unchanged when the renderer cannot be built or when
// rendering fails, so reports stay readable over pipes.
func renderMarkdown(md string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = md
		}
	}()

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	rendered, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return rendered
}

// reportMarkdown lays a deterministic cycle report out as Markdown.
func reportMarkdown(r *propose.Report) string {
	var sb strings.Builder

	sb.WriteString("# Reflection Cycle\n\n")
	sb.WriteString(fmt.Sprintf("**Repo**: %s\n\n", r.RepoRoot))
	sb.WriteString(fmt.Sprintf("**Diagnosis**: %s\n\n", r.Reflection.Diagnosis))
	sb.WriteString(fmt.Sprintf("**Cue**: %s\n\n", r.Reflection.Cue))
	sb.WriteString(fmt.Sprintf("**RBT**: %d roses / %d buds / %d thorns\n\n",
		r.RBTCounts.Roses, r.RBTCounts.Buds, r.RBTCounts.Thorns))

	sb.WriteString("## Prompt\n\n")
	if r.Prompt.Path != "" {
		sb.WriteString(fmt.Sprintf("- written to `%s`\n", r.Prompt.Path))
	}
	if r.Prompt.Note != "" {
		sb.WriteString(fmt.Sprintf("- %s\n", r.Prompt.Note))
	}
	sb.WriteString("\n")

	sb.WriteString("## Code suggestions\n\n")
	if len(r.CodeSuggestions) == 0 {
		sb.WriteString("_none this cycle_\n")
	} else {
		sb.WriteString("| Strategy | Artifact |\n|---|---|\n")
		for _, s := range r.CodeSuggestions {
			sb.WriteString(fmt.Sprintf("| %s | %s |\n", s.Name, s.Path))
		}
	}
	sb.WriteString("\n")

	if len(r.StrategiesConsidered) > 0 {
		sb.WriteString("## Strategies considered\n\n")
		for _, s := range r.StrategiesConsidered {
			sb.WriteString(fmt.Sprintf("- %s (%.2f)\n", s.Name, s.Score))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("Hotspots considered: %d\n", r.HotspotsConsidered))

	return sb.String()
}

// diagnosisMarkdown lays an RBT diagnosis out as Markdown.
func diagnosisMarkdown(d *diagnose.Diagnosis) string {
	var sb strings.Builder

	sb.WriteString("# RBT Diagnosis\n\n")
	if d.Diagnosis != "" {
		sb.WriteString(d.Diagnosis + "\n\n")
	}
	writeBucket(&sb, "Roses", d.Roses)
	writeBucket(&sb, "Buds", d.Buds)
	writeBucket(&sb, "Thorns", d.Thorns)

	if len(d.PromptRules) > 0 {
		sb.WriteString("## Prompt rules to add\n\n")
		for _, r := range d.PromptRules {
			sb.WriteString("- " + r + "\n")
		}
		sb.WriteString("\n")
	}
	if len(d.Suggestions) > 0 {
		sb.WriteString("## Code suggestions\n\n")
		for _, s := range d.Suggestions {
			sb.WriteString(fmt.Sprintf("- `%s`: %s\n", s.File, s.Summary))
		}
	}

	return sb.String()
}

func writeBucket(sb *strings.Builder, name string, items []diagnose.Item) {
	sb.WriteString("## " + name + "\n\n")
	if len(items) == 0 {
		sb.WriteString("_none_\n\n")
		return
	}
	sb.WriteString("| Cause | Emotion | Intensity |\n|---|---|---|\n")
	for _, it := range items {
		sb.WriteString(fmt.Sprintf("| %s | %s | %.2f |\n", it.Cause, it.Emotion, it.Intensity))
	}
	sb.WriteString("\n")
}

// entriesMarkdown lays ledger entries out as a table, ledger order.
func entriesMarkdown(title string, entries []emobank.Entry) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# %s (%d)\n\n", title, len(entries)))
	if len(entries) == 0 {
		sb.WriteString("_ledger empty_\n")
		return sb.String()
	}
	sb.WriteString("| TS | Emotion | Intensity | Valence | Cause |\n|---|---|---|---|---|\n")
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("| %s | %s | %.2f | %+.1f | %s |\n",
			e.TS, e.Emotion, e.Intensity, e.Valence, e.Cause))
	}

	return sb.String()
}
