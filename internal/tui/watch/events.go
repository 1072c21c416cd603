package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/devserv/internal/events"
)

const eventLogSize = 50

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

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	var style lipgloss.Style
	switch e.Type {
	case events.RequestOK, events.LifecyclePrefix + "serving", events.LifecyclePrefix + "terminated":
		style = theme.StatusOK
	case events.RequestAgain:
		style = theme.StatusAgain
	case events.RequestErr, events.LifecyclePrefix + "aborted":
		style = theme.StatusFailed
	default:
		if strings.HasPrefix(e.Type, events.LifecyclePrefix) {
			style = theme.Highlight
		} else {
			style = theme.Dim
		}
	}

	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		style.Render(fmt.Sprintf("%-22s", e.Type)),
		eventDesc(e),
	)
}

// eventDesc summarizes request and lifecycle payloads.
func eventDesc(e events.Event) string {
	var data map[string]any
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if op, ok := data["op"].(string); ok {
		parts = append(parts, op)
	}
	if sender, ok := data["sender"].(float64); ok {
		parts = append(parts, fmt.Sprintf("from %d", int64(sender)))
	}
	if from, ok := data["from"].(string); ok {
		parts = append(parts, from+" →")
	}
	if to, ok := data["to"].(string); ok {
		parts = append(parts, to)
	}
	if msg, ok := data["error"].(string); ok {
		parts = append(parts, "("+msg+")")
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
