package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteHelpers(t *testing.T) {
	tests := []struct {
		name       string
		write      func(w http.ResponseWriter)
		wantStatus int
		wantBody   string
	}{
		{"ok", func(w http.ResponseWriter) { WriteJSONOK(w, map[string]int{"n": 1}) }, http.StatusOK, `{"n":1}`},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "nope") }, http.StatusBadRequest, `{"error":"nope"}`},
		{"conflict", func(w http.ResponseWriter) { Conflict(w, "busy") }, http.StatusConflict, `{"error":"busy"}`},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "gone") }, http.StatusNotFound, `{"error":"gone"}`},
		{"method", MethodNotAllowed, http.StatusMethodNotAllowed, `{"error":"method not allowed"}`},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "boom") }, http.StatusInternalServerError, `{"error":"boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Command string `json:"command"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"command":"valve 3"}`))
	require.NoError(t, DecodeJSON(r, &v))
	assert.Equal(t, "valve 3", v.Command)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	assert.NoError(t, DecodeJSON(r, &v))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"cmd":"x"}`))
	assert.ErrorContains(t, DecodeJSON(r, &v), "invalid request body")
}

func TestReadJSON(t *testing.T) {
	mock := NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"state":"armed"}`).
		AddResponse(http.StatusConflict, `{"error":"monitor already running"}`).
		AddResponse(http.StatusBadGateway, `<html>`)

	var v struct {
		State string `json:"state"`
	}
	do := func() *http.Response {
		req := httptest.NewRequest(http.MethodGet, "http://rig/api/status", nil)
		resp, err := mock.Do(req)
		require.NoError(t, err)
		return resp
	}

	require.NoError(t, ReadJSON(do(), &v))
	assert.Equal(t, "armed", v.State)
	assert.EqualError(t, ReadJSON(do(), &v), "409 Conflict: monitor already running")
	assert.EqualError(t, ReadJSON(do(), nil), "unexpected status 502 Bad Gateway")
	assert.NoError(t, ReadJSON(do(), nil), "exhausted queue answers 200")
}

func TestMockHTTPClient_RecordsRequests(t *testing.T) {
	mock := NewMockHTTPClient().AddErrorResponse(errors.New("connection refused"))

	req := httptest.NewRequest(http.MethodPost, "http://rig/api/command", strings.NewReader(`{"command":"x"}`))
	_, err := mock.Do(req)
	assert.EqualError(t, err, "connection refused")

	require.Equal(t, 1, mock.RequestCount())
	got, body := mock.Request(0)
	assert.Equal(t, "/api/command", got.URL.Path)
	assert.Equal(t, `{"command":"x"}`, body)

	got, body = mock.Request(5)
	assert.Nil(t, got)
	assert.Empty(t, body)
}

func TestStandardClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONOK(w, map[string]string{"path": r.URL.Path})
	}))
	defer srv.Close()

	c := NewStandardClient(nil, time.Second)
	assert.Equal(t, time.Second, c.Timeout)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/api/status"}`, string(body))

	custom := &http.Client{}
	assert.Same(t, custom, NewStandardClient(custom, 0).Client)
}
