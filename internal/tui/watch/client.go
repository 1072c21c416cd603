package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/devserv/internal/api"
	"github.com/mattjoyce/devserv/internal/dispatch"
	"github.com/mattjoyce/devserv/internal/events"
)

type eventMsg events.Event

type healthMsg api.HealthzResponse

type statsMsg dispatch.Snapshot

type tickMsg time.Time

// errMsg carries a failed fetch; endpoint names the poll to retry.
type errMsg struct {
	endpoint string
	err      error
}

func (e errMsg) Error() string { return e.err.Error() }

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// subscribeToEvents follows the SSE /events stream and feeds events into ch.
// It returns sseDisconnectedMsg once the stream ends. lastID resumes after
// the last event already seen.
func subscribeToEvents(apiURL string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg{"/events", err}
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()

		readSSE(bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

// readSSE parses "id:", "event:" and "data:" lines until the scanner ends.
func readSSE(scanner *bufio.Scanner, ch chan<- events.Event) {
	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Type != "" {
				cur.At = time.Now()
				ch <- cur
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(line[6:])
		}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// getJSON decodes a status API response. /healthz answers 503 with a body
// while the driver is not serving, so any decodable body is accepted.
func getJSON(ctx context.Context, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s (HTTP %d): %w", url, resp.StatusCode, err)
	}
	return nil
}

func fetchHealth(apiURL string) tea.Msg {
	var h api.HealthzResponse
	if err := getJSON(context.Background(), apiURL+"/healthz", &h); err != nil {
		return errMsg{"/healthz", err}
	}
	return healthMsg(h)
}

func fetchStats(apiURL string) tea.Msg {
	var s dispatch.Snapshot
	if err := getJSON(context.Background(), apiURL+"/stats", &s); err != nil {
		return errMsg{"/stats", err}
	}
	return statsMsg(s)
}
