package ekf

import (
	"math"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// absSource is the absolute position reference in use.
type absSource int

const (
	srcNone absSource = iota
	srcGPS
	srcExtNav
	srcBeacon
)

func (s absSource) String() string {
	switch s {
	case srcGPS:
		return "GPS"
	case srcExtNav:
		return "external nav"
	case srcBeacon:
		return "beacons"
	}
	return "none"
}

const (
	tiltAlignVar      = (3 * math.Pi / 180) * (3 * math.Pi / 180)
	inflightMagHgt    = 5.0  // m climbed before the in-flight compass realignment
	courseAlignSpeed  = 5.0  // m/s ground speed for GPS course alignment
	courseAlignYawVar = 0.09 // rad²
	constPosGate      = 10.0
	recentDataMs      = 500
)

// selectFusion runs the measurement kernels once per filter step. Range
// and external navigation are recalled first so height source selection
// can see them.
func (c *Core) selectFusion() {
	c.step = stepData{}
	c.selectMagFusion()
	c.selectRangeFusion()
	c.selectExtNavFusion()
	c.selectVelPosFusion()
	c.selectBodyOdomFusion()
	c.selectBeaconFusion()
	c.selectFlowFusion()
	c.selectTASFusion()
	c.fuseSideslip()
	c.fuseDrag()
	c.fuseConstPos()
}

// controlFilterModes updates flight state, alignment, yaw recovery and
// the aiding mode ahead of fusion.
func (c *Core) controlFilterModes() {
	c.updateHgtRate()
	c.detectFlight()
	c.checkTiltAlignment()
	c.controlMagYawReset()
	c.controlCourseAlign()
	c.controlGSFYaw()
	c.setAidingMode()
	c.updateTimeouts()
}

// updateHgtRate low-pass filters the climb rate.
func (c *Core) updateHgtRate() {
	fc := c.params.HgtRateFilt
	if fc <= 0 {
		c.hgtRate = -c.state.Vel.Z
		return
	}
	dt := c.dtEkf()
	alpha := dt / (dt + 1/(2*math.Pi*fc))
	c.hgtRate += alpha * (-c.state.Vel.Z - c.hgtRate)
}

// detectFlight feeds the vehicle profile's flight detector.
func (c *Core) detectFlight() {
	t := c.horizonMs()
	in := flightInputs{
		nowMs:       t,
		armed:       c.ctx.Armed(),
		gndSpd:      math.Hypot(c.state.Vel.X, c.state.Vel.Y),
		hgt:         -c.state.Pos.Z,
		vertSpdDown: c.state.Vel.Z,
	}
	if s, ok := c.tasBuf.Newest(); ok && c.nowMs-s.TimeMs < recentDataMs+uint32(c.params.TASDelayMs) {
		in.airspeed, in.haveAirspd = s.TAS, true
	}
	if s, ok := c.rngBuf.Newest(); ok && c.nowMs-s.TimeMs < recentDataMs+uint32(c.params.RngDelayMs) {
		in.rng, in.haveRng = s.Range*c.r22(), true
	}
	was := c.flight.inFlight
	c.profile.updateFlight(in, &c.flight)

	fd := &c.flight
	fd.takeoffExpected = in.armed && fd.onGround
	fd.touchdownExpected = fd.inFlight && in.haveRng && in.rng < 1 && in.vertSpdDown > 0.2
	if fd.inFlight != was {
		if fd.inFlight {
			c.logf("in flight")
		} else {
			c.logf("on ground")
		}
	}
	fd.prevInFlight = was
}

// checkTiltAlignment declares tilt alignment once the roll and pitch
// variances are small.
func (c *Core) checkTiltAlignment() {
	if c.tiltAligned {
		return
	}
	v := c.calcRotVecVariances()
	if v.X+v.Y < tiltAlignVar {
		c.tiltAligned = true
		c.logf("tilt alignment complete")
	}
}

// controlMagYawReset realigns the heading with the compass once after the
// first climb away from ground magnetic disturbance, and once after a
// compass timeout in flight.
func (c *Core) controlMagYawReset() {
	if !c.mag.haveSample || !c.yawAligned || !c.flight.inFlight {
		return
	}
	m := c.mag.lastSample
	yawVar := navmath.Sq(math.Max(c.params.YawNoise, 0.05))
	if !c.mag.inflightInit && -c.state.Pos.Z-c.flight.hgtAtLastOnGround > inflightMagHgt {
		c.mag.inflightInit = true
		c.resetQuatYaw(c.magYaw(c.state.Quat, m.Field), yawVar, "in-flight compass")
		if c.mag.use3D {
			c.state.EarthMag = c.state.Quat.Rotate(r3.Sub(m.Field, c.state.BodyMag))
			c.initialiseMagCovariances()
		}
		return
	}
	if c.magTimeout && !c.mag.anomalyReset && c.aidMode != AidAbsolute {
		c.mag.anomalyReset = true
		c.mag.fieldLearned = false
		c.resetQuatYaw(c.magYaw(c.state.Quat, m.Field), yawVar, "compass anomaly")
		if c.mag.use3D {
			c.state.EarthMag = c.state.Quat.Rotate(r3.Sub(m.Field, c.state.BodyMag))
			c.initialiseMagCovariances()
		}
		c.magTimeout = false
		c.mag.failStartMs = 0
	}
}

// controlCourseAlign aligns the heading of a fixed-wing vehicle without a
// compass to the GPS ground course.
func (c *Core) controlCourseAlign() {
	if c.yawAligned || !c.tiltAligned || !c.profile.AssumeZeroSideslip() || !c.flight.inFlight ||
		c.compassInUse() || !c.step.haveGPS || !c.step.gps.HaveVel {
		return
	}
	v := c.step.gps.Vel
	if math.Hypot(v.X, v.Y) < courseAlignSpeed {
		return
	}
	c.resetQuatYaw(math.Atan2(v.Y, v.X), courseAlignYawVar, "GPS course")
	c.resetToGPS()
}

// usingGPS reports whether GPS is the absolute reference.
func (c *Core) usingGPS() bool {
	return c.aidMode == AidAbsolute && c.posSource == srcGPS
}

func (c *Core) readyToUseGPS() bool {
	return c.params.GPSMode != GPSDisabled && c.validOrigin && c.gpsGoodToAlign &&
		c.tiltAligned && c.yawAligned && c.step.haveGPS && c.step.gps.HavePos
}

func (c *Core) readyToUseExtNav() bool {
	return c.tiltAligned && c.yawAligned && c.extNavReady() && c.step.haveExtNav
}

func (c *Core) readyToUseBeacons() bool {
	return c.tiltAligned && c.beaconReady()
}

func (c *Core) readyToUseFlow() bool {
	return c.tiltAligned && c.flowValid && c.lastFlowFuseMs != 0 &&
		c.horizonMs()-c.lastFlowFuseMs < flowTimeoutMs && c.terrainValid()
}

func (c *Core) readyToUseOdom() bool {
	return c.tiltAligned && c.yawAligned && c.odomReady()
}

// readyAbsolute returns the preferred absolute source that is ready.
func (c *Core) readyAbsolute() absSource {
	switch {
	case c.readyToUseGPS():
		return srcGPS
	case c.readyToUseExtNav():
		return srcExtNav
	case c.readyToUseBeacons():
		return srcBeacon
	}
	return srcNone
}

// absSourceAlive reports whether the current absolute source has been
// fused recently enough to keep using it.
func (c *Core) absSourceAlive() bool {
	t := c.horizonMs()
	switch c.posSource {
	case srcGPS:
		return c.sched.sinceFused(StreamGPS, t) < gpsRetryTimeMs || t-c.lastPosResetMs < gpsRetryTimeMs
	case srcExtNav:
		return t-c.extNav.lastDataMs < extNavTimeoutMs
	case srcBeacon:
		return t-c.bcn.lastDataMs < rngBcnTimeoutMs
	}
	return false
}

// setAidingMode moves between no aiding, relative aiding and absolute
// aiding, resetting states on entry to a mode.
func (c *Core) setAidingMode() {
	t := c.horizonMs()
	prev := c.aidMode
	next := prev
	src := c.posSource
	relReady := c.readyToUseFlow() || c.readyToUseOdom()

	switch prev {
	case AidNone:
		if s := c.readyAbsolute(); s != srcNone {
			next, src = AidAbsolute, s
		} else if relReady {
			next = AidRelative
		}
	case AidRelative:
		if s := c.readyAbsolute(); s != srcNone {
			next, src = AidAbsolute, s
		} else if t-c.lastAidedMs > flowTimeoutMs && !relReady {
			next = AidNone
		}
	case AidAbsolute:
		if !c.absSourceAlive() {
			if s := c.readyAbsolute(); s != srcNone && s != c.posSource {
				c.logf("absolute source %s lost, switching to %s", c.posSource, s)
				c.enterAbsolute(s, true)
				src = s
			}
		}
		// flow and odometry keep lastAidedMs fresh but cannot hold absolute aiding
		if t-c.lastAbsAidedMs > posAidLossTimeMs {
			if relReady {
				next = AidRelative
			} else {
				next = AidNone
			}
		}
	}

	c.deadReckoning = c.aidMode != AidNone && t-c.lastAidedMs > deadReckonAfterMs
	if next == prev {
		return
	}
	c.logf("aiding %s -> %s", prev, next)
	c.aidMode = next
	switch next {
	case AidNone:
		c.posSource = srcNone
		c.lastKnownPosNE = [2]float64{c.state.Pos.X, c.state.Pos.Y}
		c.lastConstPosMs = t
		c.deadReckoning = false
		c.velTimeout, c.posTimeout = true, true
	case AidRelative:
		c.posSource = srcNone
		c.lastAidedMs = t
		c.posTimeout = true
	case AidAbsolute:
		c.enterAbsolute(src, prev == AidAbsolute)
	}
}

// enterAbsolute starts using an absolute source and resets the horizontal
// states onto it.
func (c *Core) enterAbsolute(s absSource, wasAbsolute bool) {
	t := c.horizonMs()
	c.posSource = s
	switch s {
	case srcGPS:
		c.resetToGPS()
	case srcExtNav:
		e := c.step.extNav
		c.resetPositionNE(e.Pos.X, e.Pos.Y, navmath.Sq(math.Max(e.PosErr, 0.01)))
	case srcBeacon:
		c.resetToBeacons(!wasAbsolute)
	}
	c.lastAidedMs, c.lastAbsAidedMs = t, t
	c.lastPosPassMs = t
	c.lastVelPassMs = t
	c.posTimeout, c.velTimeout = false, false
	c.deadReckoning = false
	c.logf("using %s for position", s)
}

// updateTimeouts refreshes the position, velocity and height timeouts.
func (c *Core) updateTimeouts() {
	t := c.horizonMs()
	c.posTimeout = c.aidMode != AidAbsolute || t-c.lastPosPassMs > gpsRetryTimeMs
	c.velTimeout = c.aidMode == AidNone || t-c.lastVelPassMs > gpsRetryTimeMs && c.posSource != srcBeacon
	if t-c.lastHgtPassMs > 2*hgtRetryTimeMs {
		c.hgtTimeout = true
	}
}

// fuseConstPos holds the horizontal position at its last known value
// while there is no aiding, which keeps the tilt estimate bounded.
func (c *Core) fuseConstPos() {
	t := c.horizonMs()
	if c.aidMode != AidNone || t-c.lastConstPosMs < noAidFuseInterval {
		return
	}
	c.lastConstPosMs = t
	c.predictCovariance(true)
	r := navmath.Sq(math.Max(c.params.NoAidNoise, 0.5))
	obs := []scalarObs{
		c.directObs(IdxPos, c.lastKnownPosNE[0], r),
		c.directObs(IdxPos+1, c.lastKnownPosNE[1], r),
	}
	ratio, _, _, fused := c.fuseGroup(obs, constPosGate)
	c.ratios.Pos = ratio
	if !fused {
		c.lastKnownPosNE = [2]float64{c.state.Pos.X, c.state.Pos.Y}
	}
}
