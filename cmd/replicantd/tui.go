package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jfoltran/rlogreplicant/internal/api"
	"github.com/jfoltran/rlogreplicant/internal/status"
	"github.com/jfoltran/rlogreplicant/internal/tui/components"
)

var tuiAPIAddr string

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Attach the terminal dashboard to a running replicantd",
	Long: `TUI polls a running replicantd's status API and renders the same
per-shard dashboard "run --tui" shows in-process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := tuiAPIAddr
		if addr == "" {
			addr = api.Addr(cfg.API.Listen, cfg.API.Port)
		}
		m := remoteModel{addr: addr}
		p := tea.NewProgram(m, tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	tuiCmd.Flags().StringVar(&tuiAPIAddr, "api-addr", "", "address of a running replicantd's status API (default: from config)")
	rootCmd.AddCommand(tuiCmd)
}

type remoteSnapshotMsg status.Snapshot
type remoteErrMsg error

type remoteModel struct {
	addr     string
	snapshot status.Snapshot
	lastErr  error
	width    int
	height   int
	ready    bool
}

func (m remoteModel) Init() tea.Cmd {
	return pollOnce(m.addr)
}

func pollOnce(addr string) tea.Cmd {
	return func() tea.Msg {
		snap, err := fetchStatus(addr)
		if err != nil {
			return remoteErrMsg(err)
		}
		return remoteSnapshotMsg(*snap)
	}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

func (m remoteModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case remoteSnapshotMsg:
		m.snapshot = status.Snapshot(msg)
		m.lastErr = nil
		return m, tickEvery(500 * time.Millisecond)

	case remoteErrMsg:
		m.lastErr = msg
		return m, tickEvery(500 * time.Millisecond)

	case tickMsg:
		return m, pollOnce(m.addr)
	}

	return m, nil
}

func (m remoteModel) View() string {
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
		Render(" rlogreplicant — " + m.addr)
	sections = append(sections, title)

	if m.lastErr != nil {
		sections = append(sections, lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Render("  poll error: "+m.lastErr.Error()))
	}

	asOf := fmt.Sprintf("as of %s", m.snapshot.Timestamp.Format("15:04:05"))
	sections = append(sections, components.RenderShards(m.snapshot, w-4)+"\n\n"+asOf)

	sections = append(sections, lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Render("  q: quit"))

	return strings.Join(sections, "\n")
}
