package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/leangate/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	// Color the event type based on category
	var typeStyle lipgloss.Style
	switch {
	case e.Type == "worker.spawned", e.Type == "pool.prewarmed":
		typeStyle = theme.OK
	case strings.Contains(e.Type, "crash"), strings.HasSuffix(e.Type, "failed"), e.Type == "pool.exhausted":
		typeStyle = theme.Bad
	case e.Type == "worker.retired":
		typeStyle = theme.Warn
	case strings.HasPrefix(e.Type, "request."):
		typeStyle = theme.Accent
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))

	// Extract brief description from data
	desc := extractEventDesc(e)

	return fmt.Sprintf("%s %s %s", ts, typeName, desc)
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	for _, key := range []string{"worker_id", "custom_id"} {
		if id, ok := data[key].(string); ok && id != "" {
			if len(id) > 8 {
				id = id[:8]
			}
			parts = append(parts, fmt.Sprintf("[%s]", id))
		}
	}

	if header, ok := data["header"].(string); ok && header != "" {
		if len(header) > 24 {
			header = header[:24] + "…"
		}
		parts = append(parts, header)
	}

	for _, key := range []string{"code", "reason", "error"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
