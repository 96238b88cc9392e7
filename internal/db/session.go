package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/trialrig/internal/monitor"
	"github.com/banshee-data/trialrig/internal/protocol"
	"github.com/banshee-data/trialrig/internal/timeutil"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSchemaExists  = errors.New("session schema already created")
	ErrNoSchema      = errors.New("session schema not created")
	ErrBadHandle     = errors.New("trial handle does not belong to this session")
)

// Schema sections.
const (
	SectionProtocol   = "protocol"
	SectionController = "controller"
	SectionEvent      = "event"
)

// SessionInfo is the metadata recorded when a session opens.
type SessionInfo struct {
	ProtocolName string `json:"protocol_name"`
	Rig          string `json:"rig"`
	Operator     string `json:"operator"`
	HostVersion  string `json:"host_version"`
	Notes        string `json:"notes"`
}

// Session is one recording session. It satisfies monitor.PersistenceSink.
type Session struct {
	db     *DB
	id     string
	clock  timeutil.Clock
	schema bool
	closed bool
}

var _ monitor.PersistenceSink = (*Session)(nil)

type trialRef struct {
	session string
	id      string
	number  int
	seq     int
}

// NewSession inserts a session row and returns a sink writing into it. A
// nil clock uses wall time.
func (db *DB) NewSession(info SessionInfo, clock timeutil.Clock) (*Session, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Session{db: db, id: uuid.NewString(), clock: clock}
	_, err := db.Exec(`INSERT INTO sessions (
			session_id, protocol_name, rig, operator, host_version, notes, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.id, info.ProtocolName, info.Rig, info.Operator, info.HostVersion, info.Notes, unixSeconds(clock.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// CreateSchema records the session's parameter and event layout.
func (s *Session) CreateSchema(protocolParams, controllerParams, events []protocol.FieldSpec) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.schema {
		return ErrSchemaExists
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sections := []struct {
		name   string
		fields []protocol.FieldSpec
	}{
		{SectionProtocol, protocolParams},
		{SectionController, controllerParams},
		{SectionEvent, events},
	}
	for _, sec := range sections {
		for _, f := range sec.fields {
			_, err := tx.Exec(`INSERT INTO trial_schema (session_id, section, name, field_index, format)
				VALUES (?, ?, ?, ?, ?)`, s.id, sec.name, f.Name, f.Index, f.Format.String())
			if err != nil {
				return fmt.Errorf("failed to record %s field %q: %w", sec.name, f.Name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.schema = true
	return nil
}

// AppendTrial stores a trial's parameters and returns its handle.
func (s *Session) AppendTrial(n int, protocolParams map[string]any, controllerParams protocol.ParameterSet) (monitor.TrialHandle, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if !s.schema {
		return nil, ErrNoSchema
	}
	pp, err := json.Marshal(protocolParams)
	if err != nil {
		return nil, fmt.Errorf("failed to encode protocol parameters: %w", err)
	}
	cp, err := json.Marshal(controllerParams.Values())
	if err != nil {
		return nil, fmt.Errorf("failed to encode controller parameters: %w", err)
	}
	ref := &trialRef{session: s.id, id: uuid.NewString(), number: n}
	_, err = s.db.Exec(`INSERT INTO trials (
			trial_id, session_id, trial_number, started_at, protocol_params, controller_params
		) VALUES (?, ?, ?, ?, ?, ?)`,
		ref.id, s.id, n, unixSeconds(s.clock.Now()), string(pp), string(cp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert trial %d: %w", n, err)
	}
	return ref, nil
}

// AppendEvent stores the trial's event record.
func (s *Session) AppendEvent(h monitor.TrialHandle, event map[string]any) error {
	ref, err := s.ref(h)
	if err != nil {
		return err
	}
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO trial_events (trial_id, recorded_at, event) VALUES (?, ?, ?)`,
		ref.id, unixSeconds(s.clock.Now()), string(b))
	if err != nil {
		return fmt.Errorf("failed to insert event for trial %d: %w", ref.number, err)
	}
	return nil
}

// AppendStream stores one stream frame. Frames are numbered from 1 within
// their trial.
func (s *Session) AppendStream(h monitor.TrialHandle, frame map[string]any) error {
	ref, err := s.ref(h)
	if err != nil {
		return err
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode stream frame: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO stream_frames (trial_id, seq, recorded_at, frame) VALUES (?, ?, ?, ?)`,
		ref.id, ref.seq+1, unixSeconds(s.clock.Now()), string(b))
	if err != nil {
		return fmt.Errorf("failed to insert stream frame for trial %d: %w", ref.number, err)
	}
	ref.seq++
	return nil
}

// Close marks the session closed. Later calls are no-ops.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_, err := s.db.Exec(`UPDATE sessions SET closed_at = ? WHERE session_id = ?`, unixSeconds(s.clock.Now()), s.id)
	return err
}

func (s *Session) ref(h monitor.TrialHandle) (*trialRef, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	ref, ok := h.(*trialRef)
	if !ok || ref == nil || ref.session != s.id {
		return nil, ErrBadHandle
	}
	return ref, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9)).UTC()
}
