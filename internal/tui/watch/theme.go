// Package watch implements the `leangate pool watch` terminal monitor.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds the styles for the pool monitor, named by what they signal.
type Theme struct {
	OK   lipgloss.Style // serving, idle capacity
	Warn lipgloss.Style // saturated, stale, spawning
	Bad  lipgloss.Style // crashes, failed spawns, disconnects
	Off  lipgloss.Style // shut down

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
	Accent lipgloss.Style

	GaugeFill  lipgloss.Style
	GaugeEmpty lipgloss.Style
}

func NewDefaultTheme() Theme {
	grey := lipgloss.Color("#7A7A7A")

	return Theme{
		OK:   lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")),
		Warn: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F")),
		Bad:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Bold(true),
		Off:  lipgloss.NewStyle().Foreground(lipgloss.Color("#5F5F5F")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#5F87AF")),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EEEEEE")).
			Padding(0, 1),
		Dim:    lipgloss.NewStyle().Foreground(grey),
		Accent: lipgloss.NewStyle().Foreground(lipgloss.Color("#87D7FF")),

		GaugeFill:  lipgloss.NewStyle().Foreground(lipgloss.Color("#87D7FF")),
		GaugeEmpty: lipgloss.NewStyle().Foreground(lipgloss.Color("#3A3A3A")),
	}
}
