// Package components renders pieces of the replicant TUI dashboard: a
// per-shard table of replication state, serving agent, last seqno, and
// spill-queue depth.
package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/rlogreplicant/internal/status"
)

var (
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorDanger  = lipgloss.Color("#EF4444")
	colorInfo    = lipgloss.Color("#3B82F6")
	colorMuted   = lipgloss.Color("#6B7280")
	colorBorder  = lipgloss.Color("#374151")

	shardHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorInfo).
				BorderBottom(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderForeground(colorBorder)

	stateNormalStyle       = lipgloss.NewStyle().Foreground(colorSuccess)
	stateTransientStyle    = lipgloss.NewStyle().Foreground(colorWarning)
	stateDisconnectedStyle = lipgloss.NewStyle().Foreground(colorDanger)
	mutedStyle             = lipgloss.NewStyle().Foreground(colorMuted)
)

// RenderShards renders a fixed-width table of every shard's current status.
func RenderShards(snap status.Snapshot, width int) string {
	var b strings.Builder

	header := fmt.Sprintf("%-16s %-12s %-16s %10s %8s", "SHARD", "STATE", "AGENT", "LAST_SEQNO", "SPILL")
	b.WriteString(shardHeaderStyle.Width(width).Render(header))
	b.WriteString("\n")

	if len(snap.Shards) == 0 {
		b.WriteString(mutedStyle.Render("  (no shards configured)"))
		return b.String()
	}

	for _, s := range snap.Shards {
		row := fmt.Sprintf("%-16s %-12s %-16s %10s %8d", s.Shard, s.State, agentOrDash(s.Agent), s.LastSeqNo.String(), s.SpillLen)
		b.WriteString(stateStyle(s.State).Render(row))
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func agentOrDash(agent string) string {
	if agent == "" {
		return "-"
	}
	return agent
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "normal":
		return stateNormalStyle
	case "bootstrap", "local_replay":
		return stateTransientStyle
	case "disconnected":
		return stateDisconnectedStyle
	default:
		return mutedStyle
	}
}
