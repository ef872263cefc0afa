package watch

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/leangate/internal/pool"
)

func newHeaderTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Kind", Width: 6},
			{Title: "Header", Width: 32},
			{Title: "Live", Width: 5},
			{Title: "Busy", Width: 5},
			{Title: "Idle", Width: 5},
			{Title: "Spawn", Width: 6},
			{Title: "Wait", Width: 5},
			{Title: "Crash", Width: 6},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = theme.Accent
	t.SetStyles(s)
	return t
}

func headerRows(snap pool.Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(snap.Headers))
	for _, h := range snap.Headers {
		summary := h.Summary
		if summary == "" {
			summary = "(no header)"
		}
		crashes := strconv.FormatInt(h.Crashes, 10)
		if h.RepeatedCrashes > 0 {
			crashes += fmt.Sprintf("/%d!", h.RepeatedCrashes)
		}
		rows = append(rows, table.Row{
			h.Kind,
			summary,
			strconv.Itoa(h.Workers),
			strconv.Itoa(h.Busy),
			strconv.Itoa(h.Idle),
			strconv.Itoa(h.Spawning),
			strconv.Itoa(h.Waiting),
			crashes,
		})
	}
	return rows
}

func renderHeaders(t table.Model, n int, theme Theme, width int) string {
	innerWidth := width - 4

	if n == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("HEADERS"),
			theme.Dim.Render("  No workers yet"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render(fmt.Sprintf("HEADERS (%d)", n)),
		t.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}
