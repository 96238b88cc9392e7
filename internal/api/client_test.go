package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trialrig/internal/httputil"
	"github.com/banshee-data/trialrig/internal/monitor"
)

func TestClient_AgainstServer(t *testing.T) {
	srv, ctrl, _, sessionID := newTestServer(t)
	ts := httptest.NewServer(srv.ServeMux())
	defer ts.Close()

	c := NewClient(ts.URL + "/")
	ctx := context.Background()

	st, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitor.Armed, st)

	st, err = c.Pause(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, monitor.Paused, st)

	st, err = c.Unpause(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitor.Armed, st)

	require.NoError(t, c.Command(ctx, "reward 2"))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, sessionID, status.SessionID)
	assert.Equal(t, monitor.Armed, status.Monitor.State)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	trials, err := c.Trials(ctx, "")
	require.NoError(t, err)
	require.Len(t, trials, 1)
	trials, err = c.Trials(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, trials, 1)

	st, err = c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitor.Idle, st)

	assert.Equal(t, []string{"start", "pause_graceful", "unpause", "command", "stop"}, ctrl.callLog())
	assert.Equal(t, []string{"reward 2"}, ctrl.commandLog())

	ctrl.setErr(monitor.ErrNotPaused)
	_, err = c.Unpause(ctx)
	assert.EqualError(t, err, "POST /api/unpause: 409 Conflict: monitor not paused")
}

func TestClient_Requests(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"state":"paused"}`).
		AddResponse(http.StatusOK, ``).
		AddErrorResponse(errors.New("connection refused")).
		AddResponse(http.StatusOK, `{"state":"sleeping"}`)
	c := &Client{BaseURL: "http://rig:8080", HTTP: mock}
	ctx := context.Background()

	st, err := c.Pause(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, monitor.Paused, st)

	require.NoError(t, c.Command(ctx, "flush"))

	_, err = c.Stop(ctx)
	assert.EqualError(t, err, "POST /api/stop: connection refused")

	_, err = c.Start(ctx)
	assert.ErrorContains(t, err, "failed to decode response")

	require.Equal(t, 4, mock.RequestCount())
	req, body := mock.Request(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://rig:8080/api/pause", req.URL.String())
	assert.Empty(t, body)

	req, body = mock.Request(1)
	assert.Equal(t, "/api/command", req.URL.Path)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"command":"flush"}`, body)
}
