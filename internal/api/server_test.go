package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/devserv/internal/dispatch"
	"github.com/mattjoyce/devserv/internal/events"
	"github.com/mattjoyce/devserv/internal/kserv"
	"github.com/mattjoyce/devserv/internal/lifecycle"
	"github.com/mattjoyce/devserv/internal/log"
	"github.com/mattjoyce/devserv/internal/vfs"
)

type fakeStats struct{ snap dispatch.Snapshot }

func (f fakeStats) Snapshot() dispatch.Snapshot { return f.snap }

type fakeMounts struct {
	mounts []vfs.Mount
	err    error
}

func (f fakeMounts) List(context.Context) ([]vfs.Mount, error) { return f.mounts, f.err }

type fakeServices struct{ recs []kserv.Record }

func (f fakeServices) List(context.Context) ([]kserv.Record, error) { return f.recs, nil }

type fakeLifecycle struct{ state lifecycle.State }

func (f fakeLifecycle) State() lifecycle.State { return f.state }
func (f fakeLifecycle) History() []lifecycle.Transition {
	return []lifecycle.Transition{{From: lifecycle.StateInit, To: f.state}}
}

func newTestServer(deps Deps) *Server {
	return New(Config{Device: "ramdisk", Index: 1}, deps, log.New(io.Discard, "error", "json"))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		state      lifecycle.State
		wantCode   int
		wantStatus string
	}{
		{"serving", lifecycle.StateServing, http.StatusOK, "ok"},
		{"waiting for ready", lifecycle.StateRegistered, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(Deps{
				Stats:     fakeStats{snap: dispatch.Snapshot{Total: 12}},
				Lifecycle: fakeLifecycle{state: tt.state},
			})
			rec := get(t, s.Handler(), "/healthz")
			assert.Equal(t, tt.wantCode, rec.Code)

			var resp HealthzResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "ramdisk", resp.Device)
			assert.Equal(t, uint32(1), resp.Index)
			assert.Equal(t, tt.state, resp.State)
			assert.Equal(t, int64(12), resp.Requests)
		})
	}
}

func TestStats(t *testing.T) {
	snap := dispatch.Snapshot{
		Total: 3,
		Ops:   map[string]dispatch.OpStats{"open": {OK: 2, Err: 1}},
	}
	rec := get(t, newTestServer(Deps{Stats: fakeStats{snap: snap}}).Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var got dispatch.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(3), got.Total)
	assert.Equal(t, dispatch.OpStats{OK: 2, Err: 1}, got.Ops["open"])
}

func TestMountsAndServices(t *testing.T) {
	s := newTestServer(Deps{
		Mounts:   fakeMounts{mounts: []vfs.Mount{{Handle: 4, Name: "/dev/rd1", Device: "ramdisk", Index: 1, Kind: vfs.KindDevice}}},
		Services: fakeServices{recs: []kserv.Record{{Service: kserv.Service{Name: "ramdisk1"}, Ready: true}}},
	})

	rec := get(t, s.Handler(), "/mounts")
	require.Equal(t, http.StatusOK, rec.Code)
	var mounts MountsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mounts))
	require.Len(t, mounts.Mounts, 1)
	assert.Equal(t, uint32(4), mounts.Mounts[0].Handle)

	rec = get(t, s.Handler(), "/services")
	require.Equal(t, http.StatusOK, rec.Code)
	var services ServicesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &services))
	require.Len(t, services.Services, 1)
	assert.True(t, services.Services[0].Ready)
	assert.Equal(t, "ramdisk1", services.Services[0].Name)
}

func TestEmptyListsEncodeAsArrays(t *testing.T) {
	s := newTestServer(Deps{Mounts: fakeMounts{}, Services: fakeServices{}})
	assert.JSONEq(t, `{"mounts":[]}`, get(t, s.Handler(), "/mounts").Body.String())
	assert.JSONEq(t, `{"services":[]}`, get(t, s.Handler(), "/services").Body.String())
}

func TestMountsError(t *testing.T) {
	s := newTestServer(Deps{Mounts: fakeMounts{err: errors.New("db closed")}})
	rec := get(t, s.Handler(), "/mounts")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to list mounts")
}

func TestMissingDepsReturnNotFound(t *testing.T) {
	h := newTestServer(Deps{}).Handler()
	for _, path := range []string{"/stats", "/mounts", "/services", "/lifecycle"} {
		assert.Equal(t, http.StatusNotFound, get(t, h, path).Code, path)
	}
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
}

func TestLifecycle(t *testing.T) {
	rec := get(t, newTestServer(Deps{Lifecycle: fakeLifecycle{state: lifecycle.StateServing}}).Handler(), "/lifecycle")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LifecycleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, lifecycle.StateServing, resp.State)
	require.Len(t, resp.Transitions, 1)
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.LifecyclePrefix+"serving", map[string]string{"device": "ramdisk"})

	srv := httptest.NewServer(newTestServer(Deps{Events: hub}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var typ, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "" && typ != "":
				return typ, data
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	typ, data := readEvent()
	assert.Equal(t, "lifecycle.serving", typ)
	assert.JSONEq(t, `{"device":"ramdisk"}`, data)

	hub.Publish(events.RequestOK, map[string]string{"op": "open"})
	typ, data = readEvent()
	assert.Equal(t, events.RequestOK, typ)
	assert.JSONEq(t, `{"op":"open"}`, data)
}

func TestParseLastEventID(t *testing.T) {
	for in, want := range map[string]int64{"": 0, "7": 7, "-3": 0, "x": 0} {
		assert.Equal(t, want, parseLastEventID(in), in)
	}
}
