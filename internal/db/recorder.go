package db

import (
	"fmt"
	"sync"

	"github.com/banshee-data/navekf/internal/ekf"
)

// Recorder batches a session's events, lane switches and innovation
// samples and writes them in one transaction per batch. Its methods match
// the observer hooks of the replay runner and the live pipeline.
type Recorder struct {
	db        *DB
	sessionID string

	// BatchSize is the pending row count that triggers a flush.
	BatchSize int
	// InnovationEveryMs spaces stored innovation samples.
	InnovationEveryMs uint32

	mu        sync.Mutex
	pending   []func(execer) error
	rows      int
	lastInnov uint32
	haveInnov bool
	prev      ekf.Snapshot
	havePrev  bool
	firstMs   uint32
	lastMs    uint32
}

// NewRecorder records into an existing session.
func (db *DB) NewRecorder(sessionID string) *Recorder {
	return &Recorder{
		db:                db,
		sessionID:         sessionID,
		BatchSize:         500,
		InnovationEveryMs: 100,
	}
}

// SessionID returns the session being recorded.
func (r *Recorder) SessionID() string { return r.sessionID }

func (r *Recorder) queue(op func(execer) error) error {
	r.pending = append(r.pending, op)
	r.rows++
	if r.rows >= r.BatchSize {
		return r.flushLocked()
	}
	return nil
}

func (r *Recorder) event(e Event) error {
	return r.queue(func(x execer) error { return recordEvent(x, r.sessionID, e) })
}

// Observe compares snap with the previous one, queues an event for each
// change of aiding mode, faults, timeouts or health, and samples the
// primary lane's innovations.
func (r *Recorder) Observe(snap ekf.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.havePrev {
		r.firstMs = snap.TimeMs
	}
	r.lastMs = snap.TimeMs
	lane := snap.Primary
	changed := func(kind, detail string) error {
		return r.event(Event{TimeMs: snap.TimeMs, Lane: lane, Kind: kind, Detail: detail})
	}
	if !r.havePrev || snap.AidMode != r.prev.AidMode {
		if err := changed(EventAidMode, snap.AidMode.String()); err != nil {
			return err
		}
	}
	if r.havePrev && snap.Faults != r.prev.Faults {
		if err := changed(EventFaults, snap.Faults.String()); err != nil {
			return err
		}
	}
	if r.havePrev && snap.Timeouts != r.prev.Timeouts {
		if err := changed(EventTimeouts, snap.Timeouts.String()); err != nil {
			return err
		}
	}
	if r.havePrev && snap.Healthy != r.prev.Healthy {
		if err := changed(EventHealth, fmt.Sprintf("healthy=%t", snap.Healthy)); err != nil {
			return err
		}
	}
	r.prev, r.havePrev = snap, true

	if r.haveInnov && snap.TimeMs-r.lastInnov < r.InnovationEveryMs {
		return nil
	}
	r.lastInnov, r.haveInnov = snap.TimeMs, true
	s := InnovationSample{TimeMs: snap.TimeMs, Lane: lane, Ratios: snap.Ratios, Variances: snap.Variances}
	return r.queue(func(x execer) error { return recordInnovation(x, r.sessionID, s) })
}

// LaneSwitch queues a primary lane change.
func (r *Recorder) LaneSwitch(ls ekf.LaneSwitch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.queue(func(x execer) error { return recordLaneSwitch(x, r.sessionID, ls) }); err != nil {
		logf("lane switch at %d: %v", ls.TimeMs, err)
	}
}

// Transition queues fusion rejections and ignores other transitions.
func (r *Recorder) Transition(lane int, tr ekf.Transition) {
	e, ok := TransitionEvent(lane, tr)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.event(e); err != nil {
		logf("transition at %d: %v", tr.TimeMs, err)
	}
}

// Note queues a free-form event, such as a parameter change.
func (r *Recorder) Note(timeMs uint32, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.event(Event{TimeMs: timeMs, Kind: EventNote, Detail: detail})
}

// Flush writes every pending row.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Recorder) flushLocked() error {
	if len(r.pending) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()
	for _, op := range r.pending {
		if err := op(tx); err != nil {
			return fmt.Errorf("failed to write batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	r.pending = r.pending[:0]
	r.rows = 0
	return nil
}

// Finish flushes and closes the session with summary.
func (r *Recorder) Finish(summary any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.flushLocked(); err != nil {
		return err
	}
	return r.db.FinishSession(r.sessionID, r.firstMs, r.lastMs, summary)
}
