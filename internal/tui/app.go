// Package tui renders a live operator dashboard over the replicant's status
// registry: replication state, the agent currently serving each shard,
// last imported seqno, and spill-queue depth.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/rlogreplicant/internal/status"
	"github.com/jfoltran/rlogreplicant/internal/tui/components"
)

// snapshotMsg carries a new status snapshot into the Bubble Tea update loop.
type snapshotMsg status.Snapshot

// Model is the main Bubble Tea model for the replicant dashboard.
type Model struct {
	registry *status.Registry
	sub      chan status.Snapshot
	snapshot status.Snapshot

	width  int
	height int
	ready  bool
}

// NewModel creates a TUI model subscribed to the given status registry.
func NewModel(registry *status.Registry) Model {
	return Model{registry: registry, sub: registry.Subscribe()}
}

// Init starts waiting for status updates.
func (m Model) Init() tea.Cmd {
	return waitForSnapshot(m.sub)
}

func waitForSnapshot(sub chan status.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-sub
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.sub != nil {
				m.registry.Unsubscribe(m.sub)
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case snapshotMsg:
		m.snapshot = status.Snapshot(msg)
		return m, waitForSnapshot(m.sub)
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	w := m.width
	var sections []string

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#7C3AED")).
		Width(w).
		Padding(0, 1).
		Render(" rlogreplicant")
	sections = append(sections, title)

	asOf := fmt.Sprintf("as of %s", m.snapshot.Timestamp.Format("15:04:05"))
	sections = append(sections, boxStyle.Width(w-2).Render(components.RenderShards(m.snapshot, w-4)+"\n\n"+asOf))

	sections = append(sections, helpStyle.Render("  q: quit"))

	return strings.Join(sections, "\n")
}

// Run starts the TUI in fullscreen mode.
func Run(registry *status.Registry) error {
	model := NewModel(registry)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	if err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
