package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"rosebud/internal/emobank"
	"rosebud/internal/event"
)

const dashEntryCount = 8

var (
	dashTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1)
	dashLabel  = lipgloss.NewStyle().Bold(true)
	dashMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	dashGood   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dashBad    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dashBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// changeMsg signals a debounced write to the events log.
type changeMsg struct{}

// closedMsg signals the watcher channel closed underneath us.
type closedMsg struct{}

// refreshMsg carries a fresh ledger snapshot into the model.
type refreshMsg struct {
	snap    emobank.MoodSnapshot
	entries []emobank.Entry
	err     error
}

type dashboardModel struct {
	pipe    *pipeline
	watcher *event.Watcher
	window  time.Duration

	snap    emobank.MoodSnapshot
	entries []emobank.Entry
	passes  int
	lastErr error

	spinner spinner.Model
	busy    bool
	width   int
}

func newDashboard(p *pipeline, w *event.Watcher, window time.Duration) dashboardModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return dashboardModel{
		pipe:    p,
		watcher: w,
		window:  window,
		spinner: sp,
		width:   80,
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load(false), m.waitChange())
}

// waitChange blocks on the watcher until the next debounced change.
func (m dashboardModel) waitChange() tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-m.watcher.Changes(); !ok {
			return closedMsg{}
		}
		return changeMsg{}
	}
}

// load reads the ledger back, optionally running a reflection pass first.
func (m dashboardModel) load(reflectFirst bool) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		if reflectFirst {
			if _, err := m.pipe.reflector.Run(ctx, m.window); err != nil {
				return refreshMsg{err: err}
			}
		}
		snap, err := m.pipe.bank.Summarize(m.window)
		if err != nil {
			return refreshMsg{err: err}
		}
		entries, err := m.pipe.bank.RecallRecent(dashEntryCount)
		if err != nil {
			return refreshMsg{err: err}
		}
		return refreshMsg{snap: snap, entries: entries}
	}
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "r":
			m.busy = true
			return m, m.load(true)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case changeMsg:
		m.busy = true
		m.passes++
		return m, tea.Batch(m.load(true), m.waitChange())

	case closedMsg:
		return m, tea.Quit

	case refreshMsg:
		m.busy = false
		m.lastErr = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.entries = msg.entries
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m dashboardModel) View() string {
	var sb strings.Builder

	status := "idle"
	if m.busy {
		status = m.spinner.View() + "reflecting"
	}
	sb.WriteString(dashTitle.Render("rosebud watch"))
	sb.WriteString(dashMuted.Render(fmt.Sprintf("  %s  passes: %d", status, m.passes)))
	sb.WriteString("\n\n")

	sb.WriteString(dashLabel.Render("Mood: "))
	sb.WriteString(m.snap.Mood)
	if len(m.snap.DominantEmotions) > 0 {
		sb.WriteString(dashMuted.Render(" (" + strings.Join(m.snap.DominantEmotions, ", ") + ")"))
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("  energy     %s\n", gauge(m.snap.Energy)))
	sb.WriteString(fmt.Sprintf("  stress     %s\n", gauge(m.snap.Stress)))
	sb.WriteString(fmt.Sprintf("  motivation %s\n", gauge(m.snap.Motivation)))
	sb.WriteString(fmt.Sprintf("  focus      %s\n", gauge(m.snap.Focus)))
	sb.WriteString("\n")

	sb.WriteString(dashLabel.Render("Ledger") + "\n")
	if len(m.entries) == 0 {
		sb.WriteString(dashMuted.Render("  no entries yet") + "\n")
	}
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		line := fmt.Sprintf("  %-12s %.1f  %s", e.Emotion, e.Intensity, e.Cause)
		if e.Valence < 0 {
			line = dashBad.Render(line)
		} else {
			line = dashGood.Render(line)
		}
		sb.WriteString(line + "\n")
	}

	if m.lastErr != nil {
		sb.WriteString("\n" + dashBad.Render("error: "+m.lastErr.Error()) + "\n")
	}

	stats := m.watcher.Stats()
	sb.WriteString("\n" + dashMuted.Render(fmt.Sprintf("writes %d  triggers %d  errors %d",
		stats.Writes, stats.Notifications, stats.Errors)) + "\n")
	sb.WriteString(dashMuted.Render("r: refresh now • q: quit"))

	return dashBorder.Width(m.width - 2).Render(sb.String())
}

// gauge renders a level in [0,1] as a ten cell bar.
func gauge(v float64) string {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	filled := int(v*10 + 0.5)
	return strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
}
