package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/devserv/internal/dispatch"
	"github.com/mattjoyce/devserv/internal/events"
)

const pollInterval = 2 * time.Second

// Model is the bubbletea model of the monitor.
type Model struct {
	apiURL string

	width  int
	height int

	health   HealthState
	stats    dispatch.Snapshot
	ops      table.Model
	eventLog []events.Event
	lastID   int64

	ticker   Ticker
	activity Activity
	theme    Theme

	hubEvents chan events.Event
	lastError string
}

// New builds a monitor for the status API at apiURL (e.g. http://127.0.0.1:8390).
func New(apiURL string) *Model {
	ops := newOpsTable()
	ops.SetRows(opsRows(dispatch.Snapshot{}))
	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		ops:       ops,
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.poll(),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) poll() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return fetchHealth(m.apiURL) },
		func() tea.Msg { return fetchStats(m.apiURL) },
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}
		var cmd tea.Cmd
		m.ops, cmd = m.ops.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		if strings.HasPrefix(e.Type, "request.") {
			m.activity.OnEvent(e.At)
		}
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.Device = msg.Device
		m.health.Index = msg.Index
		m.health.State = msg.State
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Requests = msg.Requests
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })

	case statsMsg:
		m.stats = dispatch.Snapshot(msg)
		m.ops.SetRows(opsRows(m.stats))
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchStats(m.apiURL) })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.lastID, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		retry := func(time.Time) tea.Msg { return fetchHealth(m.apiURL) }
		switch msg.endpoint {
		case "/stats":
			retry = func(time.Time) tea.Msg { return fetchStats(m.apiURL) }
		case "/events":
			retry = func(time.Time) tea.Msg { return reconnectMsg{} }
		}
		return m, tea.Tick(5*time.Second, retry)
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.health, m.ticker, m.activity, m.theme, m.width, time.Now()),
		renderOps(m.ops, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
