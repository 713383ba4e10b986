package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/danpaxton/simple-script-ide/pkg/events"
)

type theme struct {
	Header  lipgloss.Style
	Muted   lipgloss.Style
	Accent  lipgloss.Style
	Success lipgloss.Style
	Alert   lipgloss.Style
	Danger  lipgloss.Style
	Panel   lipgloss.Style
}

func defaultTheme() theme {
	accent := lipgloss.Color("#00FFFF")
	secondary := lipgloss.Color("#7D7D7D")
	success := lipgloss.Color("#00FF00")
	alert := lipgloss.Color("#FFBF00")
	danger := lipgloss.Color("#FF0055")

	return theme{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(accent),
		Muted: lipgloss.NewStyle().
			Foreground(secondary),
		Accent: lipgloss.NewStyle().
			Foreground(accent),
		Success: lipgloss.NewStyle().
			Foreground(success),
		Alert: lipgloss.NewStyle().
			Foreground(alert),
		Danger: lipgloss.NewStyle().
			Foreground(danger),
		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondary).
			Padding(0, 1),
	}
}

// plainTheme renders everything unstyled, for pipes and tests.
func plainTheme() theme {
	s := lipgloss.NewStyle()
	return theme{Header: s, Muted: s, Accent: s, Success: s, Alert: s, Danger: s, Panel: s}
}

func (t theme) notice(n events.Notice) string {
	switch n.Kind {
	case events.KindNetwork, events.KindSessionExpired:
		return t.Alert.Render(n.Message)
	default:
		return t.Danger.Render(n.Message)
	}
}

// title renders the open file's title with a dirty marker.
func (t theme) title(title string, dirty bool) string {
	if dirty {
		return t.Header.Render(title) + t.Alert.Render(" *")
	}
	return t.Header.Render(title)
}
