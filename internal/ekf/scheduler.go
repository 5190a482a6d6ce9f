package ekf

import "fmt"

// Stream identifies one measurement stream.
type Stream int

const (
	StreamGPS Stream = iota
	StreamHeight
	StreamMag
	StreamAirspeed
	StreamSideslip
	StreamDrag
	StreamFlow
	StreamRangeFinder
	StreamBeacon
	StreamExtNav
	StreamExtNavVel
	StreamBodyOdom
	numStreams
)

var streamNames = [...]string{"gps", "height", "mag", "airspeed", "sideslip", "drag", "flow", "rangefinder", "beacon", "extnav", "extnav_vel", "body_odom"}

func (s Stream) String() string {
	if s >= 0 && int(s) < len(streamNames) {
		return streamNames[s]
	}
	return fmt.Sprintf("stream(%d)", int(s))
}

// StreamState is the per-stream fusion state.
type StreamState int

const (
	NoNewData StreamState = iota
	DataBuffered
	DueForFusion
	Fused
	Rejected
)

func (s StreamState) String() string {
	switch s {
	case NoNewData:
		return "no_new_data"
	case DataBuffered:
		return "data_buffered"
	case DueForFusion:
		return "due_for_fusion"
	case Fused:
		return "fused"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StreamStatus is the bookkeeping for one stream.
type StreamStatus struct {
	State        StreamState
	LastDataMs   uint32
	LastFusedMs  uint32
	LastRejectMs uint32
	FusedCount   uint64
	RejectCount  uint64
	RejectStreak int
	NoDataStreak int
	TestRatio    float64
	TimedOut     bool
	everFused    bool
}

// Transition records one state change, for diagnostics.
type Transition struct {
	Stream Stream
	From   StreamState
	To     StreamState
	TimeMs uint32
}

// Scheduler tracks the fusion state machine of every stream.
type Scheduler struct {
	streams   [numStreams]StreamStatus
	timeoutMs [numStreams]uint32
	// OnTransition, when set, observes every state change.
	OnTransition func(Transition)
}

func newScheduler() *Scheduler {
	s := &Scheduler{}
	s.timeoutMs = [numStreams]uint32{
		StreamGPS:         gpsRetryTimeMs,
		StreamHeight:      hgtRetryTimeMs,
		StreamMag:         magFailTimeMs,
		StreamAirspeed:    tasRetryTimeMs,
		StreamSideslip:    tasRetryTimeMs,
		StreamDrag:        tasRetryTimeMs,
		StreamFlow:        flowTimeoutMs,
		StreamRangeFinder: flowTimeoutMs,
		StreamBeacon:      rngBcnTimeoutMs,
		StreamExtNav:      extNavTimeoutMs,
		StreamExtNavVel:   extNavTimeoutMs,
		StreamBodyOdom:    extNavTimeoutMs,
	}
	return s
}

// Status returns a copy of the stream bookkeeping.
func (s *Scheduler) Status(st Stream) StreamStatus {
	return s.streams[st]
}

func (s *Scheduler) move(st Stream, to StreamState, nowMs uint32) {
	cur := &s.streams[st]
	if cur.State == to {
		return
	}
	if s.OnTransition != nil {
		s.OnTransition(Transition{Stream: st, From: cur.State, To: to, TimeMs: nowMs})
	}
	cur.State = to
}

// dataArrived marks that a sample was pushed into the stream's buffer.
func (s *Scheduler) dataArrived(st Stream, nowMs uint32) {
	s.streams[st].LastDataMs = nowMs
	if s.streams[st].State == NoNewData {
		s.move(st, DataBuffered, nowMs)
	}
}

// recallMissed notes a cycle where buffered data was not yet at the
// horizon, or was too old to use.
func (s *Scheduler) recallMissed(st Stream) {
	s.streams[st].NoDataStreak++
}

// due marks the stream as ready for its kernel.
func (s *Scheduler) due(st Stream, nowMs uint32) {
	s.streams[st].NoDataStreak = 0
	s.move(st, DueForFusion, nowMs)
}

// outcome records the kernel result and returns the stream to idle, or
// to DataBuffered when more samples are waiting.
func (s *Scheduler) outcome(st Stream, fused bool, testRatio float64, nowMs uint32, pending bool) {
	cur := &s.streams[st]
	cur.TestRatio = testRatio
	if fused {
		cur.LastFusedMs = nowMs
		cur.FusedCount++
		cur.RejectStreak = 0
		cur.TimedOut = false
		cur.everFused = true
		s.move(st, Fused, nowMs)
	} else {
		cur.LastRejectMs = nowMs
		cur.RejectCount++
		cur.RejectStreak++
		s.move(st, Rejected, nowMs)
		if cur.everFused && nowMs-cur.LastFusedMs > s.timeoutMs[st] {
			cur.TimedOut = true
		}
	}
	if pending {
		s.move(st, DataBuffered, nowMs)
	} else {
		s.move(st, NoNewData, nowMs)
	}
}

// skip returns a due stream to idle without a kernel result, for samples
// that fail a precondition after recall.
func (s *Scheduler) skip(st Stream, nowMs uint32, pending bool) {
	if pending {
		s.move(st, DataBuffered, nowMs)
	} else {
		s.move(st, NoNewData, nowMs)
	}
}

// checkTimeouts flags streams with no accepted data for longer than their
// timeout. A stream that never fused cannot time out.
func (s *Scheduler) checkTimeouts(nowMs uint32) {
	for i := range s.streams {
		cur := &s.streams[i]
		if cur.everFused && nowMs-cur.LastFusedMs > s.timeoutMs[i] {
			cur.TimedOut = true
		}
	}
}

// sinceFused returns ms since the last accepted fusion, or a large value
// when the stream never fused.
func (s *Scheduler) sinceFused(st Stream, nowMs uint32) uint32 {
	cur := &s.streams[st]
	if !cur.everFused {
		return ^uint32(0)
	}
	return nowMs - cur.LastFusedMs
}

func (s *Scheduler) reset() {
	cb := s.OnTransition
	*s = *newScheduler()
	s.OnTransition = cb
}
