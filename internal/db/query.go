package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type SessionRow struct {
	ID           string     `json:"id"`
	ProtocolName string     `json:"protocol_name"`
	Rig          string     `json:"rig"`
	Operator     string     `json:"operator"`
	HostVersion  string     `json:"host_version"`
	Notes        string     `json:"notes"`
	StartedAt    time.Time  `json:"started_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	Trials       int        `json:"trials"`
}

type SchemaField struct {
	Section string `json:"section"`
	Name    string `json:"name"`
	Index   int    `json:"index"`
	Format  string `json:"format"`
}

type TrialRow struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	Number           int            `json:"number"`
	StartedAt        time.Time      `json:"started_at"`
	ProtocolParams   map[string]any `json:"protocol_params"`
	ControllerParams map[string]any `json:"controller_params"`
	Events           int            `json:"events"`
	StreamFrames     int            `json:"stream_frames"`
}

type EventRow struct {
	TrialID    string         `json:"trial_id"`
	RecordedAt time.Time      `json:"recorded_at"`
	Values     map[string]any `json:"values"`
}

type StreamFrameRow struct {
	TrialID    string         `json:"trial_id"`
	Seq        int            `json:"seq"`
	RecordedAt time.Time      `json:"recorded_at"`
	Values     map[string]any `json:"values"`
}

// Sessions returns every session, newest first.
func (db *DB) Sessions() ([]SessionRow, error) {
	rows, err := db.Query(`SELECT s.session_id, s.protocol_name, s.rig, s.operator, s.host_version, s.notes,
			s.started_at, s.closed_at, (SELECT COUNT(*) FROM trials t WHERE t.session_id = s.session_id)
		FROM sessions s ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRow
	for rows.Next() {
		var (
			s       SessionRow
			started float64
			closed  sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &s.ProtocolName, &s.Rig, &s.Operator, &s.HostVersion, &s.Notes,
			&started, &closed, &s.Trials); err != nil {
			return nil, err
		}
		s.StartedAt = fromUnixSeconds(started)
		if closed.Valid {
			t := fromUnixSeconds(closed.Float64)
			s.ClosedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Schema returns the session's recorded layout ordered by section and index.
func (db *DB) Schema(sessionID string) ([]SchemaField, error) {
	rows, err := db.Query(`SELECT section, name, field_index, format FROM trial_schema
		WHERE session_id = ? ORDER BY section, field_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []SchemaField
	for rows.Next() {
		var f SchemaField
		if err := rows.Scan(&f.Section, &f.Name, &f.Index, &f.Format); err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// Trials returns a session's trials in trial order.
func (db *DB) Trials(sessionID string) ([]TrialRow, error) {
	rows, err := db.Query(`SELECT t.trial_id, t.session_id, t.trial_number, t.started_at,
			t.protocol_params, t.controller_params,
			(SELECT COUNT(*) FROM trial_events e WHERE e.trial_id = t.trial_id),
			(SELECT COUNT(*) FROM stream_frames f WHERE f.trial_id = t.trial_id)
		FROM trials t WHERE t.session_id = ? ORDER BY t.trial_number`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trials []TrialRow
	for rows.Next() {
		var (
			t       TrialRow
			started float64
			pp, cp  string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Number, &started, &pp, &cp, &t.Events, &t.StreamFrames); err != nil {
			return nil, err
		}
		t.StartedAt = fromUnixSeconds(started)
		if t.ProtocolParams, err = decodeObject(pp); err != nil {
			return nil, fmt.Errorf("trial %d protocol parameters: %w", t.Number, err)
		}
		if t.ControllerParams, err = decodeObject(cp); err != nil {
			return nil, fmt.Errorf("trial %d controller parameters: %w", t.Number, err)
		}
		trials = append(trials, t)
	}
	return trials, rows.Err()
}

// Events returns a trial's event records in arrival order.
func (db *DB) Events(trialID string) ([]EventRow, error) {
	rows, err := db.Query(`SELECT trial_id, recorded_at, event FROM trial_events
		WHERE trial_id = ? ORDER BY event_id`, trialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e   EventRow
			at  float64
			raw string
		)
		if err := rows.Scan(&e.TrialID, &at, &raw); err != nil {
			return nil, err
		}
		e.RecordedAt = fromUnixSeconds(at)
		if e.Values, err = decodeObject(raw); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// StreamFrames returns up to limit of a trial's stream frames starting after
// sequence number after. limit <= 0 returns them all.
func (db *DB) StreamFrames(trialID string, after, limit int) ([]StreamFrameRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT trial_id, seq, recorded_at, frame FROM stream_frames
		WHERE trial_id = ? AND seq > ? ORDER BY seq LIMIT ?`, trialID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []StreamFrameRow
	for rows.Next() {
		var (
			f   StreamFrameRow
			at  float64
			raw string
		)
		if err := rows.Scan(&f.TrialID, &f.Seq, &at, &raw); err != nil {
			return nil, err
		}
		f.RecordedAt = fromUnixSeconds(at)
		if f.Values, err = decodeObject(raw); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

func decodeObject(raw string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
