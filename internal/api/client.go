package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/banshee-data/trialrig/internal/db"
	"github.com/banshee-data/trialrig/internal/httputil"
	"github.com/banshee-data/trialrig/internal/monitor"
)

// Client drives a running rig over its control API.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
}

// NewClient returns a client for the rig listening at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    httputil.NewStandardClient(nil, 30*time.Second),
	}
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

func (c *Client) Start(ctx context.Context) (monitor.State, error) {
	return c.control(ctx, "/api/start")
}

func (c *Client) Stop(ctx context.Context) (monitor.State, error) {
	return c.control(ctx, "/api/stop")
}

// Pause pauses the rig. A graceful pause ends the running trial first.
func (c *Client) Pause(ctx context.Context, graceful bool) (monitor.State, error) {
	path := "/api/pause"
	if graceful {
		path += "?graceful=true"
	}
	return c.control(ctx, path)
}

func (c *Client) Unpause(ctx context.Context) (monitor.State, error) {
	return c.control(ctx, "/api/unpause")
}

// Command sends an operator command line to the device.
func (c *Client) Command(ctx context.Context, command string) error {
	return c.do(ctx, http.MethodPost, "/api/command", CommandRequest{Command: command}, nil)
}

func (c *Client) Sessions(ctx context.Context) ([]db.SessionRow, error) {
	var out []db.SessionRow
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

// Trials lists a session's trials. An empty sessionID means the rig's live
// session.
func (c *Client) Trials(ctx context.Context, sessionID string) ([]db.TrialRow, error) {
	path := "/api/trials"
	if sessionID != "" {
		path += "?session=" + url.QueryEscape(sessionID)
	}
	var out []db.TrialRow
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) control(ctx context.Context, path string) (monitor.State, error) {
	var out StateResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return 0, err
	}
	return out.State, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err := httputil.ReadJSON(resp, out); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}
