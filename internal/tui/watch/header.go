package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/devserv/internal/lifecycle"
)

// HealthState is the last /healthz answer.
type HealthState struct {
	Status        string
	Device        string
	Index         uint32
	State         lifecycle.State
	UptimeSeconds int64
	Requests      int64
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, ticker Ticker, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("SERVING")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case health.Status != "ok":
		statusText = theme.StatusAgain.Render(strings.ToUpper(string(health.State)))
	}

	name := "devserv"
	if health.Device != "" {
		name = fmt.Sprintf("%s.%d", health.Device, health.Index)
	}
	titleText := fmt.Sprintf(" %s %s", strings.ToUpper(name), theme.Highlight.Render(ticker.Current()))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(titleText)-lipgloss.Width(clock)-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  ⏱ %s  Requests: %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.Requests,
	)

	lastEvent := "never"
	if last := activity.Last(); !last.IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(last).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" Last request: %s %s", lastEvent, activity.Render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
