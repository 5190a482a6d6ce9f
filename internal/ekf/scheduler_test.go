package ekf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerTransitions(t *testing.T) {
	t.Parallel()
	s := newScheduler()
	var got []Transition
	s.OnTransition = func(tr Transition) { got = append(got, tr) }

	s.dataArrived(StreamGPS, 100)
	s.dataArrived(StreamGPS, 150)
	s.due(StreamGPS, 320)
	s.outcome(StreamGPS, true, 0.3, 320, false)

	want := []Transition{
		{Stream: StreamGPS, From: NoNewData, To: DataBuffered, TimeMs: 100},
		{Stream: StreamGPS, From: DataBuffered, To: DueForFusion, TimeMs: 320},
		{Stream: StreamGPS, From: DueForFusion, To: Fused, TimeMs: 320},
		{Stream: StreamGPS, From: Fused, To: NoNewData, TimeMs: 320},
	}
	assert.Equal(t, want, got)

	st := s.Status(StreamGPS)
	assert.Equal(t, uint64(1), st.FusedCount)
	assert.Equal(t, uint32(150), st.LastDataMs)
	assert.Equal(t, uint32(320), st.LastFusedMs)
	assert.Equal(t, 0.3, st.TestRatio)
}

func TestSchedulerPendingReturnsToBuffered(t *testing.T) {
	t.Parallel()
	s := newScheduler()
	s.dataArrived(StreamBeacon, 10)
	s.due(StreamBeacon, 20)
	s.outcome(StreamBeacon, false, 4, 20, true)
	assert.Equal(t, DataBuffered, s.Status(StreamBeacon).State)
	assert.Equal(t, 1, s.Status(StreamBeacon).RejectStreak)

	s.due(StreamBeacon, 30)
	s.skip(StreamBeacon, 30, false)
	assert.Equal(t, NoNewData, s.Status(StreamBeacon).State)
}

func TestSchedulerTimeouts(t *testing.T) {
	t.Parallel()
	s := newScheduler()

	// never fused, never timed out
	s.checkTimeouts(60000)
	assert.False(t, s.Status(StreamMag).TimedOut)
	assert.Equal(t, ^uint32(0), s.sinceFused(StreamMag, 60000))

	s.dataArrived(StreamMag, 1000)
	s.due(StreamMag, 1000)
	s.outcome(StreamMag, true, 0.1, 1000, false)
	s.checkTimeouts(1000 + magFailTimeMs)
	assert.False(t, s.Status(StreamMag).TimedOut)
	s.checkTimeouts(1001 + magFailTimeMs)
	assert.True(t, s.Status(StreamMag).TimedOut)

	s.due(StreamMag, 20000)
	s.outcome(StreamMag, true, 0.1, 20000, false)
	assert.False(t, s.Status(StreamMag).TimedOut)
	assert.Equal(t, uint32(500), s.sinceFused(StreamMag, 20500))
}

func TestSchedulerResetKeepsObserver(t *testing.T) {
	t.Parallel()
	s := newScheduler()
	n := 0
	s.OnTransition = func(Transition) { n++ }
	s.dataArrived(StreamFlow, 1)
	s.reset()
	require.NotNil(t, s.OnTransition)
	assert.Equal(t, NoNewData, s.Status(StreamFlow).State)
	s.dataArrived(StreamFlow, 2)
	assert.Equal(t, 2, n)
}

func TestStreamNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "gps", StreamGPS.String())
	assert.Equal(t, "body_odom", StreamBodyOdom.String())
	assert.Equal(t, "stream(99)", Stream(99).String())
	assert.Equal(t, "due_for_fusion", DueForFusion.String())
}

func TestLaneRecordsGPSStream(t *testing.T) {
	t.Parallel()
	c := newTestCore(t, nil)
	var seen []StreamState
	c.sched.OnTransition = func(tr Transition) {
		if tr.Stream == StreamGPS {
			seen = append(seen, tr.To)
		}
	}
	c.WriteGPS(GPSSample{Sample: Sample{TimeMs: c.nowMs + 300}, Loc: testLoc, HavePos: true, HaveVel: true, FixType: 4, NumSats: 12, HAcc: 0.5})
	assert.Equal(t, DataBuffered, c.sched.Status(StreamGPS).State)
	runLevel(c, 600)
	require.NotEmpty(t, seen)
	assert.Equal(t, DataBuffered, seen[0])
	assert.Contains(t, seen, DueForFusion)
	assert.Equal(t, NoNewData, c.sched.Status(StreamGPS).State)
}
