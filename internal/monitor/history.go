// Package monitor keeps a short history of filter outputs and renders it
// as an interactive dashboard and as static plots.
package monitor

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/ekf"
	"github.com/banshee-data/navekf/internal/ringbuf"
)

// Point is one thinned output.
type Point struct {
	TimeMs   uint32         `json:"time_ms"`
	Primary  int            `json:"primary"`
	Healthy  bool           `json:"healthy"`
	AidMode  string         `json:"aid_mode"`
	Position r3.Vec         `json:"position"`
	Velocity r3.Vec         `json:"velocity"`
	Euler    r3.Vec         `json:"euler"`
	Ratios   ekf.TestRatios `json:"ratios"`
}

// History is a fixed-size record of recent outputs, safe for one writer
// and any number of readers.
type History struct {
	mu      sync.RWMutex
	buf     *ringbuf.IMUBuffer[Point]
	everyMs uint32
	lastMs  uint32
	any     bool
	latest  ekf.Snapshot
}

// NewHistory keeps up to capacity points spaced at least everyMs apart.
func NewHistory(capacity int, everyMs uint32) *History {
	return &History{buf: ringbuf.NewIMUBuffer[Point](capacity), everyMs: everyMs}
}

// Observe records s if enough time has passed since the last point. The
// latest snapshot is always kept.
func (h *History) Observe(s ekf.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = s
	if h.any && s.TimeMs-h.lastMs < h.everyMs {
		return
	}
	h.lastMs, h.any = s.TimeMs, true
	h.buf.Push(PointOf(s))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func finiteVec(v r3.Vec) r3.Vec { return r3.Vec{X: finite(v.X), Y: finite(v.Y), Z: finite(v.Z)} }

// PointOf reduces a snapshot to a Point. Non-finite values become zero so
// the point always encodes as JSON.
func PointOf(s ekf.Snapshot) Point {
	r := s.Ratios
	return Point{
		TimeMs:   s.TimeMs,
		Primary:  s.Primary,
		Healthy:  s.Healthy,
		AidMode:  s.AidMode.String(),
		Position: finiteVec(s.Position),
		Velocity: finiteVec(s.Velocity),
		Euler:    finiteVec(s.Euler),
		Ratios: ekf.TestRatios{
			Vel: finite(r.Vel), Pos: finite(r.Pos), Hgt: finite(r.Hgt),
			Mag: finite(r.Mag), Yaw: finite(r.Yaw), TAS: finite(r.TAS),
		},
	}
}

// Points returns a copy of the history, oldest first.
func (h *History) Points() []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Point, h.buf.Len())
	for i := range out {
		out[i] = h.buf.At(i)
	}
	return out
}

// Latest returns the last observed snapshot.
func (h *History) Latest() (ekf.Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.any
}

// Reset forgets every point.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	h.any = false
	h.latest = ekf.Snapshot{}
}
