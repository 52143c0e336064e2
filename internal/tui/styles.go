package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorBorder = lipgloss.Color("#374151")
	colorMuted  = lipgloss.Color("#6B7280")

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted)
)
