package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionKind says where a session's inputs came from.
type SessionKind string

const (
	SessionLive   SessionKind = "live"
	SessionReplay SessionKind = "replay"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one run of the filter, live or replayed.
type Session struct {
	ID      string
	Kind    SessionKind
	Source  string
	Vehicle string
	Params  map[string]float64
	Started time.Time
	// Ended is zero while the session is open.
	Ended   time.Time
	StartMs uint32
	EndMs   uint32
	Summary json.RawMessage
}

// Open reports whether FinishSession has not been called yet.
func (s *Session) Open() bool { return s.Ended.IsZero() }

// CreateSession inserts a new open session and returns its id.
func (db *DB) CreateSession(kind SessionKind, source, vehicle string, params map[string]float64) (string, error) {
	id := uuid.NewString()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}
	_, err = db.Exec(`INSERT INTO sessions (session_id, kind, source, vehicle, params_json, started_unix)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(kind), source, vehicle, string(paramsJSON), float64(time.Now().UnixNano())/1e9)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

// FinishSession closes a session. summary is stored as JSON; nil is
// stored as an empty object.
func (db *DB) FinishSession(id string, startMs, endMs uint32, summary any) error {
	summaryJSON := "{}"
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
		summaryJSON = string(b)
	}
	res, err := db.Exec(`UPDATE sessions SET ended_unix = ?, start_ms = ?, end_ms = ?, summary_json = ?
		WHERE session_id = ?`,
		float64(time.Now().UnixNano())/1e9, startMs, endMs, summaryJSON, id)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

const sessionColumns = `session_id, kind, source, vehicle, params_json, started_unix, ended_unix, start_ms, end_ms, summary_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s                         Session
		kind, paramsJSON, summary string
		started                   float64
		ended                     sql.NullFloat64
		startMs, endMs            int64
	)
	if err := row.Scan(&s.ID, &kind, &s.Source, &s.Vehicle, &paramsJSON, &started, &ended, &startMs, &endMs, &summary); err != nil {
		return Session{}, err
	}
	s.Kind = SessionKind(kind)
	if err := json.Unmarshal([]byte(paramsJSON), &s.Params); err != nil {
		return Session{}, fmt.Errorf("session %s params: %w", s.ID, err)
	}
	s.Started = unixTime(started)
	if ended.Valid {
		s.Ended = unixTime(ended.Float64)
	}
	s.StartMs = uint32(startMs)
	s.EndMs = uint32(endMs)
	s.Summary = json.RawMessage(summary)
	return s, nil
}

func unixTime(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9))
}

// GetSession returns ErrSessionNotFound for an unknown id.
func (db *DB) GetSession(id string) (Session, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, err
}

// ListSessions returns the newest sessions first.
func (db *DB) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and everything recorded against it.
func (db *DB) DeleteSession(id string) error {
	res, err := db.Exec(`DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}
