package db

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/banshee-data/navekf/internal/ekf"
)

// Event kinds stored in filter_events.
const (
	EventRejected = "rejected"
	EventAidMode  = "aid_mode"
	EventFaults   = "faults"
	EventTimeouts = "timeouts"
	EventHealth   = "health"
	EventNote     = "note"
)

// Event is one row of filter_events.
type Event struct {
	ID     int64
	TimeMs uint32
	Lane   int
	Kind   string
	Detail string
}

func (e *Event) String() string {
	return fmt.Sprintf("%d lane%d %s %s", e.TimeMs, e.Lane, e.Kind, e.Detail)
}

// InnovationSample is the primary lane's consistency at one output.
type InnovationSample struct {
	TimeMs    uint32
	Lane      int
	Ratios    ekf.TestRatios
	Variances ekf.Variances
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

const (
	insertEvent = `INSERT INTO filter_events (session_id, time_ms, lane, kind, detail) VALUES (?, ?, ?, ?, ?)`

	insertInnovation = `INSERT OR REPLACE INTO innovation_samples
		(session_id, time_ms, lane, vel_ratio, pos_ratio, hgt_ratio, mag_ratio, tas_ratio, vel_var, pos_var, hgt_var, mag_var)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertLaneSwitch = `INSERT INTO lane_switches
		(session_id, time_ms, from_lane, to_lane, reason, yaw_delta, pos_delta_n, pos_delta_e, pos_delta_d)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

func recordEvent(x execer, sessionID string, e Event) error {
	_, err := x.Exec(insertEvent, sessionID, e.TimeMs, e.Lane, e.Kind, e.Detail)
	return err
}

// nullable stores non-finite values as NULL.
func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

// nanIfNull reverses nullable.
type nanIfNull struct{ dst *float64 }

func (n nanIfNull) Scan(src any) error {
	var f sql.NullFloat64
	if err := f.Scan(src); err != nil {
		return err
	}
	*n.dst = math.NaN()
	if f.Valid {
		*n.dst = f.Float64
	}
	return nil
}

func recordInnovation(x execer, sessionID string, s InnovationSample) error {
	r, v := s.Ratios, s.Variances
	_, err := x.Exec(insertInnovation, sessionID, s.TimeMs, s.Lane,
		nullable(r.Vel), nullable(r.Pos), nullable(r.Hgt), nullable(r.Mag), nullable(r.TAS),
		nullable(v.Vel), nullable(v.Pos), nullable(v.Hgt), nullable(v.Mag))
	return err
}

func recordLaneSwitch(x execer, sessionID string, ls ekf.LaneSwitch) error {
	_, err := x.Exec(insertLaneSwitch, sessionID, ls.TimeMs, ls.From, ls.To, ls.Reason,
		ls.YawDelta, ls.PosDelta.X, ls.PosDelta.Y, ls.PosDelta.Z)
	return err
}

// RecordEvent stores a single event outside any batch.
func (db *DB) RecordEvent(sessionID string, e Event) error {
	return recordEvent(db, sessionID, e)
}

// RecordLaneSwitch stores a single lane switch outside any batch.
func (db *DB) RecordLaneSwitch(sessionID string, ls ekf.LaneSwitch) error {
	return recordLaneSwitch(db, sessionID, ls)
}

// TransitionEvent converts a fusion transition to an event. Only
// rejections are worth keeping; everything else returns false.
func TransitionEvent(lane int, tr ekf.Transition) (Event, bool) {
	if tr.To != ekf.Rejected {
		return Event{}, false
	}
	return Event{
		TimeMs: tr.TimeMs,
		Lane:   lane,
		Kind:   EventRejected,
		Detail: fmt.Sprintf("%s: %s -> %s", tr.Stream, tr.From, tr.To),
	}, true
}

// SessionEvents returns a session's events in time order.
func (db *DB) SessionEvents(sessionID string) ([]Event, error) {
	rows, err := db.Query(`SELECT event_id, time_ms, lane, kind, detail FROM filter_events
		WHERE session_id = ? ORDER BY time_ms, event_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TimeMs, &e.Lane, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InnovationSeries returns samples with fromMs <= time_ms <= toMs. A zero
// toMs means no upper bound. Values stored as NULL come back as NaN.
func (db *DB) InnovationSeries(sessionID string, fromMs, toMs uint32) ([]InnovationSample, error) {
	upper := int64(toMs)
	if toMs == 0 {
		upper = 1 << 32
	}
	rows, err := db.Query(`SELECT time_ms, lane, vel_ratio, pos_ratio, hgt_ratio, mag_ratio, tas_ratio,
			vel_var, pos_var, hgt_var, mag_var
		FROM innovation_samples WHERE session_id = ? AND time_ms BETWEEN ? AND ?
		ORDER BY time_ms`, sessionID, fromMs, upper)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InnovationSample
	for rows.Next() {
		var s InnovationSample
		r, v := &s.Ratios, &s.Variances
		if err := rows.Scan(&s.TimeMs, &s.Lane,
			nanIfNull{&r.Vel}, nanIfNull{&r.Pos}, nanIfNull{&r.Hgt}, nanIfNull{&r.Mag}, nanIfNull{&r.TAS},
			nanIfNull{&v.Vel}, nanIfNull{&v.Pos}, nanIfNull{&v.Hgt}, nanIfNull{&v.Mag}); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LaneSwitches returns a session's lane switches in time order.
func (db *DB) LaneSwitches(sessionID string) ([]ekf.LaneSwitch, error) {
	rows, err := db.Query(`SELECT time_ms, from_lane, to_lane, reason, yaw_delta, pos_delta_n, pos_delta_e, pos_delta_d
		FROM lane_switches WHERE session_id = ? ORDER BY time_ms`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ekf.LaneSwitch
	for rows.Next() {
		var ls ekf.LaneSwitch
		if err := rows.Scan(&ls.TimeMs, &ls.From, &ls.To, &ls.Reason, &ls.YawDelta,
			&ls.PosDelta.X, &ls.PosDelta.Y, &ls.PosDelta.Z); err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}
