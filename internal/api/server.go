// Package api serves the rig's JSON control surface: session status, trial
// control, operator commands and read access to recorded trials.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/trialrig/internal/db"
	"github.com/banshee-data/trialrig/internal/httputil"
	"github.com/banshee-data/trialrig/internal/monitor"
	"github.com/banshee-data/trialrig/internal/monitoring"
	"github.com/banshee-data/trialrig/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// controlTimeout bounds how long a request waits on the monitor's
// controller.
const controlTimeout = 10 * time.Second

// Controller is the subset of *monitor.Monitor the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	PauseGraceful(ctx context.Context) error
	Unpause(ctx context.Context) error
	SendCommand(ctx context.Context, command string) error
	Status() monitor.Status
}

var _ Controller = (*monitor.Monitor)(nil)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version   version.Info   `json:"version"`
	SessionID string         `json:"session_id"`
	Monitor   monitor.Status `json:"monitor"`
	Protocol  any            `json:"protocol,omitempty"`
}

// CommandRequest is the body of POST /api/command.
type CommandRequest struct {
	Command string `json:"command"`
}

// StateResponse answers every control request.
type StateResponse struct {
	State monitor.State `json:"state"`
}

type Server struct {
	ctrl      Controller
	db        *db.DB
	sessionID string

	// ProtocolSummary, when set, is reported under "protocol" in status
	// responses.
	ProtocolSummary func() any
}

func NewServer(ctrl Controller, database *db.DB, sessionID string) *Server {
	return &Server{
		ctrl:      ctrl,
		db:        database,
		sessionID: sessionID,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Register attaches the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/start", s.controlHandler(Controller.Start))
	mux.HandleFunc("/api/stop", s.controlHandler(Controller.Stop))
	mux.HandleFunc("/api/pause", s.pauseHandler)
	mux.HandleFunc("/api/unpause", s.controlHandler(Controller.Unpause))
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/trials", s.listTrials)
	mux.HandleFunc("/api/trials/{id}/events", s.listEvents)
	mux.HandleFunc("/api/trials/{id}/stream", s.listStreamFrames)
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := StatusResponse{
		Version:   version.Get(),
		SessionID: s.sessionID,
		Monitor:   s.ctrl.Status(),
	}
	if s.ProtocolSummary != nil {
		resp.Protocol = s.ProtocolSummary()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) controlHandler(op func(Controller, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		s.runControl(w, r, func(ctx context.Context) error { return op(s.ctrl, ctx) })
	}
}

// pauseHandler pauses immediately, or after ending the running trial when
// graceful is set.
func (s *Server) pauseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	op := s.ctrl.Pause
	if g := r.URL.Query().Get("graceful"); g != "" {
		graceful, err := strconv.ParseBool(g)
		if err != nil {
			httputil.BadRequest(w, "invalid 'graceful' parameter")
			return
		}
		if graceful {
			op = s.ctrl.PauseGraceful
		}
	}
	s.runControl(w, r, op)
}

func (s *Server) runControl(w http.ResponseWriter, r *http.Request, op func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		writeControlError(w, err)
		return
	}
	httputil.WriteJSONOK(w, StateResponse{State: s.ctrl.Status().State})
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req CommandRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		httputil.BadRequest(w, "missing command")
		return
	}
	s.runControl(w, r, func(ctx context.Context) error {
		return s.ctrl.SendCommand(ctx, req.Command)
	})
}

// writeControlError maps monitor errors onto status codes.
func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrAlreadyRunning),
		errors.Is(err, monitor.ErrNotRunning),
		errors.Is(err, monitor.ErrNotPaused),
		errors.Is(err, monitor.ErrSessionClosed):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, monitor.ErrStopped):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	sessions, err := s.db.Sessions()
	if err != nil {
		httputil.InternalServerError(w, "failed to list sessions: "+err.Error())
		return
	}
	if sessions == nil {
		sessions = []db.SessionRow{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// listTrials lists the trials of ?session=, defaulting to the live session.
func (s *Server) listTrials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.URL.Query().Get("session")
	if id == "" {
		id = s.sessionID
	}
	trials, err := s.db.Trials(id)
	if err != nil {
		httputil.InternalServerError(w, "failed to list trials: "+err.Error())
		return
	}
	if trials == nil {
		trials = []db.TrialRow{}
	}
	httputil.WriteJSONOK(w, trials)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	events, err := s.db.Events(r.PathValue("id"))
	if err != nil {
		httputil.InternalServerError(w, "failed to list events: "+err.Error())
		return
	}
	if events == nil {
		events = []db.EventRow{}
	}
	httputil.WriteJSONOK(w, events)
}

// listStreamFrames pages through a trial's stream frames with ?after= and
// ?limit=.
func (s *Server) listStreamFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	after, err := intParam(r, "after", 0)
	if err != nil || after < 0 {
		httputil.BadRequest(w, "invalid 'after' parameter")
		return
	}
	limit, err := intParam(r, "limit", 1000)
	if err != nil || limit < 1 {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}
	frames, err := s.db.StreamFrames(r.PathValue("id"), after, limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list stream frames: "+err.Error())
		return
	}
	if frames == nil {
		frames = []db.StreamFrameRow{}
	}
	httputil.WriteJSONOK(w, frames)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
