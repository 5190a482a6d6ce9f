package ekf

import (
	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/banshee-data/navekf/internal/ringbuf"
)

// Measurements arrive stamped with the time they were taken by the sensor
// clock shared with the IMU. Each write shifts the stamp back by the
// configured sensor delay so that recall at the fusion horizon matches it
// with the delayed state.

func delayedTime(ts uint32, delayMs int) uint32 {
	if delayMs <= 0 {
		return ts
	}
	if uint32(delayMs) > ts {
		return 0
	}
	return ts - uint32(delayMs)
}

func store[T ringbuf.Timed](c *Core, st Stream, buf *ringbuf.ObsBuffer[T], s T) {
	buf.Push(s)
	c.sched.dataArrived(st, c.nowMs)
}

// WriteGPS runs the pre-flight quality checks on a fix and stores it.
// Fixes without a 3D solution only feed the checks. A fix whose position
// or velocity is unusable is stored with that part marked absent.
func (c *Core) WriteGPS(s GPSSample) {
	if c.params.GPSMode == GPSDisabled {
		return
	}
	s.HavePos = s.HavePos && s.Loc.Valid() && navmath.IsFinite(s.Loc.Alt)
	s.HaveVel = s.HaveVel && navmath.VecFinite(s.Vel)
	s.HaveVertVel = s.HaveVertVel && s.HaveVel
	c.calcGpsGoodToAlign(s)
	if s.FixType < dal.Fix3D || !(s.HavePos || s.HaveVel) {
		return
	}
	s.TimeMs = delayedTime(s.TimeMs, c.params.GPSDelayMs)
	store(c, StreamGPS, c.gpsBuf, s)
}

// WriteBaro stores a barometric altitude.
func (c *Core) WriteBaro(s BaroSample) {
	if !navmath.IsFinite(s.Alt) {
		return
	}
	s.TimeMs = delayedTime(s.TimeMs, c.params.HgtDelayMs)
	store(c, StreamHeight, c.baroBuf, s)
}

// WriteMag stores a calibrated magnetometer reading.
func (c *Core) WriteMag(s MagSample) {
	if !navmath.VecFinite(s.Field) {
		return
	}
	s.TimeMs = delayedTime(s.TimeMs, c.params.MagDelayMs)
	store(c, StreamMag, c.magBuf, s)
}

// WriteTAS stores a true airspeed.
func (c *Core) WriteTAS(s TASSample) {
	if !navmath.IsFinite(s.TAS) || s.TAS < 0 {
		return
	}
	s.TimeMs = delayedTime(s.TimeMs, c.params.TASDelayMs)
	store(c, StreamAirspeed, c.tasBuf, s)
}

// WriteRange stores a downward range finder reading.
func (c *Core) WriteRange(s RangeSample) {
	if !navmath.IsFinite(s.Range) || s.Range < 0 {
		return
	}
	s.TimeMs = delayedTime(s.TimeMs, c.params.RngDelayMs)
	store(c, StreamRangeFinder, c.rngBuf, s)
}

// WriteFlow stores an optical flow reading.
func (c *Core) WriteFlow(s FlowSample) {
	if !navmath.IsFinite(s.FlowRate[0], s.FlowRate[1], s.BodyRate[0], s.BodyRate[1]) {
		return
	}
	s.TimeMs = delayedTime(s.TimeMs, c.params.FlowDelayMs)
	store(c, StreamFlow, c.flowBuf, s)
}

// WriteBeacon stores a range to one beacon and records its position.
func (c *Core) WriteBeacon(s BeaconSample) {
	if !navmath.IsFinite(s.Range) || s.Range <= 0 || !navmath.VecFinite(s.BeaconPos) {
		return
	}
	c.bcn.noteBeacon(s)
	s.TimeMs = delayedTime(s.TimeMs, c.params.BcnDelayMs)
	store(c, StreamBeacon, c.bcnBuf, s)
}

// WriteExtNav stores an external navigation pose.
func (c *Core) WriteExtNav(s ExtNavSample) {
	if !navmath.VecFinite(s.Pos) || !s.Quat.Finite() {
		return
	}
	s.TimeMs = delayedTime(s.TimeMs, c.params.ExtNavDelayMs)
	store(c, StreamExtNav, c.extNavBuf, s)
}

// WriteExtNavVel stores an external navigation velocity.
func (c *Core) WriteExtNavVel(s ExtNavVelSample) {
	if !navmath.VecFinite(s.Vel) {
		return
	}
	s.TimeMs = delayedTime(s.TimeMs, c.params.ExtNavDelayMs)
	store(c, StreamExtNavVel, c.extNavVelBuf, s)
}

// WriteBodyOdom stores a body-frame odometry interval.
func (c *Core) WriteBodyOdom(s BodyOdomSample) {
	if !navmath.VecFinite(s.DelPos) || s.DelTime <= 0 {
		return
	}
	s.TimeMs = delayedTime(s.TimeMs, c.params.OdomDelayMs)
	store(c, StreamBodyOdom, c.odomBuf, s)
}

// recall pulls the sample matching the fusion horizon from buf.
func recall[T ringbuf.Timed](c *Core, st Stream, buf *ringbuf.ObsBuffer[T]) (T, bool) {
	s, ok := buf.Recall(c.horizonMs())
	if !ok {
		if buf.Len() > 0 {
			c.sched.recallMissed(st)
		}
		return s, false
	}
	c.sched.due(st, c.horizonMs())
	c.predictCovariance(true)
	return s, true
}

// finish records a kernel outcome for a recalled sample.
func finish[T ringbuf.Timed](c *Core, st Stream, buf *ringbuf.ObsBuffer[T], fused bool, ratio float64) {
	c.sched.outcome(st, fused, ratio, c.horizonMs(), buf.Len() > 0)
}

// skip returns a recalled sample's stream to idle without fusing it.
func skip[T ringbuf.Timed](c *Core, st Stream, buf *ringbuf.ObsBuffer[T]) {
	c.sched.skip(st, c.horizonMs(), buf.Len() > 0)
}
