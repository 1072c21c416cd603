package watch

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/devserv/internal/api"
	"github.com/mattjoyce/devserv/internal/dispatch"
	"github.com/mattjoyce/devserv/internal/events"
	"github.com/mattjoyce/devserv/internal/lifecycle"
)

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func collectSSE(stream string) []events.Event {
	ch := make(chan events.Event, 4)
	readSSE(bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	return got
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"id: 3",
		"event: request.ok",
		`data: {"op":"open","sender":2}`,
		"",
		"id: 4",
		"event: lifecycle.unmounting",
		`data: {"from":"serving","to":"unmounting"}`,
		"",
	}, "\n") + "\n"

	got := collectSSE(stream)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, events.RequestOK, got[0].Type)
	assert.Equal(t, "open from 2", eventDesc(got[0]))
	assert.Equal(t, int64(4), got[1].ID)
	assert.Equal(t, "serving → unmounting", eventDesc(got[1]))
}

func TestReadSSEDropsUnterminatedEvent(t *testing.T) {
	stream := "id: 3\nevent: request.ok\ndata: {}\n\n" +
		"id: 4\nevent: request.err\ndata: {}\n"

	got := collectSSE(stream)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].ID)
}

func TestFetchHealthAcceptsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.HealthzResponse{Status: "unavailable", Device: "fifo", State: lifecycle.StateRegistered})
	}))
	defer srv.Close()

	msg := fetchHealth(srv.URL)
	h, ok := msg.(healthMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "unavailable", h.Status)
	assert.Equal(t, lifecycle.StateRegistered, h.State)
}

func TestFetchStatsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	msg := fetchStats(srv.URL)
	e, ok := msg.(errMsg)
	require.True(t, ok)
	assert.Equal(t, "/stats", e.endpoint)
}

func TestOpsRowsCoverEveryRequestType(t *testing.T) {
	rows := opsRows(dispatch.Snapshot{Ops: map[string]dispatch.OpStats{
		"read": {OK: 4, Again: 2},
	}})
	require.Len(t, rows, 9)
	assert.Equal(t, "open", rows[0][0])
	assert.Equal(t, []string{"read", "4", "0", "2", "0", "6"}, []string(rows[4]))
}

func TestModelUpdate(t *testing.T) {
	m := *New("http://127.0.0.1:8390/")
	assert.Equal(t, "http://127.0.0.1:8390", m.apiURL)
	assert.Equal(t, "Connecting...", m.View())

	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	m = update(t, m, healthMsg{Status: "ok", Device: "ramdisk", Index: 1, State: lifecycle.StateServing, Requests: 7})
	assert.True(t, m.health.Connected)
	assert.Equal(t, int64(7), m.health.Requests)

	m = update(t, m, statsMsg{Total: 7, Ops: map[string]dispatch.OpStats{"write": {OK: 7}}})
	assert.Equal(t, "7", m.ops.Rows()[3][1])

	at := time.Now()
	m = update(t, m, eventMsg{ID: 9, Type: events.RequestErr, At: at, Data: json.RawMessage(`{"op":"read"}`)})
	require.Len(t, m.eventLog, 1)
	assert.Equal(t, int64(9), m.lastID)
	assert.Equal(t, at, m.activity.Last())

	view := m.View()
	assert.Contains(t, view, "RAMDISK.1")
	assert.Contains(t, view, "OPERATIONS")
	assert.Contains(t, view, "request.err")

	m = update(t, m, errMsg{endpoint: "/healthz", err: errors.New("connection refused")})
	assert.False(t, m.health.Connected)
	assert.Contains(t, m.View(), "connection refused")

	m = update(t, m, sseDisconnectedMsg{})
	assert.Contains(t, m.lastError, "disconnected")
}

func TestEventLogIsBounded(t *testing.T) {
	m := *New("http://x")
	for i := range eventLogSize + 5 {
		m = update(t, m, eventMsg{ID: int64(i + 1), Type: events.LifecyclePrefix + "mounted"})
	}
	assert.Len(t, m.eventLog, eventLogSize)
	assert.Equal(t, int64(eventLogSize+5), m.eventLog[0].ID)
	assert.True(t, m.activity.Last().IsZero(), "lifecycle events do not count as requests")
}

func TestActivityDecay(t *testing.T) {
	var a Activity
	start := time.Now()
	a.OnEvent(start)
	a.Decay(start.Add(5 * time.Second))
	assert.Equal(t, 3, a.dots)
	a.Decay(start.Add(time.Minute))
	assert.Zero(t, a.dots)
}
