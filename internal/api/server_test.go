package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trialrig/internal/db"
	"github.com/banshee-data/trialrig/internal/monitor"
	"github.com/banshee-data/trialrig/internal/monitoring"
	"github.com/banshee-data/trialrig/internal/protocol"
	"github.com/banshee-data/trialrig/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeController struct {
	mu       sync.Mutex
	state    monitor.State
	calls    []string
	commands []string
	err      error
}

func (c *fakeController) record(call string, next monitor.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if c.err != nil {
		return c.err
	}
	c.state = next
	return nil
}

func (c *fakeController) Start(context.Context) error   { return c.record("start", monitor.Armed) }
func (c *fakeController) Stop(context.Context) error    { return c.record("stop", monitor.Idle) }
func (c *fakeController) Pause(context.Context) error   { return c.record("pause", monitor.Paused) }
func (c *fakeController) Unpause(context.Context) error { return c.record("unpause", monitor.Armed) }

func (c *fakeController) PauseGraceful(context.Context) error {
	return c.record("pause_graceful", monitor.Paused)
}

func (c *fakeController) SendCommand(_ context.Context, command string) error {
	c.mu.Lock()
	c.commands = append(c.commands, command)
	c.mu.Unlock()
	return c.record("command", c.Status().State)
}

func (c *fakeController) Status() monitor.Status {
	return monitor.Status{State: c.currentState(), Recording: true, Trial: 3, NextTrial: 4}
}

func (c *fakeController) currentState() monitor.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeController) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeController) commandLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

func (c *fakeController) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// newTestServer returns a server over a fresh database holding one session
// with a recorded trial.
func newTestServer(t *testing.T) (*Server, *fakeController, *db.DB, string) {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "trials.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := timeutil.NewMockClock(epoch)
	s, err := database.NewSession(db.SessionInfo{ProtocolName: "PassiveOdorPresentation", Rig: "rig-1"}, clock)
	require.NoError(t, err)

	layout := protocol.ParameterSet{{Name: protocol.TrialNumberParam, Index: 1, Format: protocol.FormatInt32, Value: 1}}
	require.NoError(t, s.CreateSchema(nil, layout.Fields(), []protocol.FieldSpec{{Name: "result", Index: 1, Format: protocol.FormatInt16}}))
	h, err := s.AppendTrial(1, map[string]any{"odor": "pinene"}, layout)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		clock.Advance(10 * time.Millisecond)
		require.NoError(t, s.AppendStream(h, map[string]any{"packet_sent_time": int64(i)}))
	}
	require.NoError(t, s.AppendEvent(h, map[string]any{"result": int16(1)}))

	ctrl := &fakeController{}
	return NewServer(ctrl, database, s.ID()), ctrl, database, s.ID()
}

func serve(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestShowStatus(t *testing.T) {
	srv, _, _, sessionID := newTestServer(t)
	srv.ProtocolSummary = func() any { return map[string]int{"trials": 3} }

	w := serve(t, srv, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	got := decode[StatusResponse](t, w)
	assert.Equal(t, sessionID, got.SessionID)
	assert.Equal(t, monitor.Idle, got.Monitor.State)
	assert.Equal(t, 4, got.Monitor.NextTrial)
	assert.Equal(t, map[string]any{"trials": float64(3)}, got.Protocol)
	assert.NotEmpty(t, got.Version.Version)

	w = serve(t, srv, http.MethodPost, "/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestControlRoutes(t *testing.T) {
	srv, ctrl, _, _ := newTestServer(t)

	tests := []struct {
		target string
		want   monitor.State
	}{
		{"/api/start", monitor.Armed},
		{"/api/pause", monitor.Paused},
		{"/api/unpause", monitor.Armed},
		{"/api/pause?graceful=1", monitor.Paused},
		{"/api/pause?graceful=false", monitor.Paused},
		{"/api/stop", monitor.Idle},
	}
	for _, tt := range tests {
		w := serve(t, srv, http.MethodPost, tt.target, "")
		require.Equal(t, http.StatusOK, w.Code, tt.target)
		assert.Equal(t, tt.want, decode[StateResponse](t, w).State, tt.target)
	}
	assert.Equal(t, []string{"start", "pause", "unpause", "pause_graceful", "pause", "stop"}, ctrl.callLog())

	w := serve(t, srv, http.MethodGet, "/api/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	w = serve(t, srv, http.MethodPost, "/api/pause?graceful=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestControlErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{monitor.ErrAlreadyRunning, http.StatusConflict},
		{monitor.ErrNotRunning, http.StatusConflict},
		{monitor.ErrNotPaused, http.StatusConflict},
		{fmt.Errorf("start: %w", monitor.ErrSessionClosed), http.StatusConflict},
		{monitor.ErrStopped, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("device unplugged"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			srv, ctrl, _, _ := newTestServer(t)
			ctrl.setErr(tt.err)

			w := serve(t, srv, http.MethodPost, "/api/start", "")
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.err.Error(), decode[map[string]string](t, w)["error"])
		})
	}
}

func TestSendCommand(t *testing.T) {
	srv, ctrl, _, _ := newTestServer(t)

	w := serve(t, srv, http.MethodPost, "/api/command", `{"command":"  valve 3 open "}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"valve 3 open"}, ctrl.commandLog())

	for _, body := range []string{`{"command":"   "}`, `{"cmd":"x"}`, `not json`, ``} {
		w = serve(t, srv, http.MethodPost, "/api/command", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Len(t, ctrl.commandLog(), 1)
}

func TestRecordedData(t *testing.T) {
	srv, _, _, sessionID := newTestServer(t)

	w := serve(t, srv, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	sessions := decode[[]db.SessionRow](t, w)
	require.Len(t, sessions, 1)
	assert.Equal(t, sessionID, sessions[0].ID)
	assert.Equal(t, 1, sessions[0].Trials)

	w = serve(t, srv, http.MethodGet, "/api/trials", "")
	require.Equal(t, http.StatusOK, w.Code)
	trials := decode[[]db.TrialRow](t, w)
	require.Len(t, trials, 1)
	assert.Equal(t, 3, trials[0].StreamFrames)
	trialID := trials[0].ID

	w = serve(t, srv, http.MethodGet, "/api/trials?session=unknown", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = serve(t, srv, http.MethodGet, "/api/trials/"+trialID+"/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[[]db.EventRow](t, w)
	require.Len(t, events, 1)
	assert.Equal(t, float64(1), events[0].Values["result"])

	w = serve(t, srv, http.MethodGet, "/api/trials/"+trialID+"/stream?after=1&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	frames := decode[[]db.StreamFrameRow](t, w)
	require.Len(t, frames, 1)
	assert.Equal(t, 2, frames[0].Seq)

	for _, q := range []string{"after=-1", "after=x", "limit=0"} {
		w = serve(t, srv, http.MethodGet, "/api/trials/"+trialID+"/stream?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	monitoring.SetLogger(func(format string, args ...any) { fmt.Fprintf(&buf, format, args...) })
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status?x=1", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Contains(t, buf.String(), colorBoldRed+"418"+colorReset)
	assert.Contains(t, buf.String(), "GET "+colorCyan+"/api/status?x=1"+colorReset)
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "101", statusCodeColor(101))
}
