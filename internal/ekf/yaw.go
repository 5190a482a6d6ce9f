package ekf

import (
	"math"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	gsfMinGPSSpeedAcc = 0.5 // m/s, floor on the velocity accuracy given to the GSF
	gsfAlignMinSpeed  = 5.0 // m/s, ground speed before GSF yaw is trusted for alignment
)

// resetQuatYaw replaces the heading, keeping tilt. The yaw variance is set
// to yawVar and the tilt variances are kept.
func (c *Core) resetQuatYaw(yaw, yawVar float64, reason string) {
	old := c.state.Quat.Yaw()
	d := navmath.WrapPi(yaw - old)
	rotVar := c.calcRotVecVariances()
	c.state.Quat = c.state.Quat.WithYaw(yaw)
	rotVar.Z = yawVar
	c.initialiseQuatCovariances(rotVar)

	if c.mag.use3D {
		// the learned field turns with the vehicle frame
		c.state.EarthMag = navmath.FromAxisAngle(r3.Vec{Z: d}).Rotate(c.state.EarthMag)
	}
	c.yawResets++
	c.lastYawReset = YawReset{Delta: d, TimeMs: c.nowMs}
	c.rotateOutputYaw(d)
	if !c.yawAligned {
		c.logf("yaw aligned from %s at %.1f deg", reason, yaw*180/math.Pi)
	} else {
		c.logf("yaw reset from %s by %.1f deg", reason, d*180/math.Pi)
	}
	c.yawAligned = true
}

// LastYawReset returns the most recent yaw step.
func (c *Core) LastYawReset() YawReset { return c.lastYawReset }

// gsfRuns reports whether this lane runs the yaw estimator.
func (c *Core) gsfRuns() bool {
	return c.params.GSFRunMask&(1<<uint(c.index)) != 0
}

// gsfUsable reports whether this lane may take its heading from the yaw
// estimator.
func (c *Core) gsfUsable() bool {
	return c.gsfRuns() && c.params.GSFUseMask&(1<<uint(c.index)) != 0
}

// updateGSF advances the yaw estimator with the delayed IMU sample.
func (c *Core) updateGSF() {
	if !c.gsfRuns() {
		return
	}
	delAng, delVel := c.correctedDeltas(c.imuDelayed)
	tas := 0.0
	if c.wind.active {
		tas = r3.Norm(c.relVelNED())
	}
	c.gsf.Predict(delAng, delVel, c.imuDelayed.DelAngDt, c.imuDelayed.DelVelDt, tas, c.flight.inFlight)
}

// correctGSF fuses a GPS velocity into the yaw estimator.
func (c *Core) correctGSF(s GPSSample) {
	if !c.gsfRuns() || s.FixType < dal.Fix3D || !s.HaveVel {
		return
	}
	acc := s.SAcc
	if acc <= 0 {
		acc = c.params.VelNENoise
	}
	c.gsf.FuseVelocity([2]float64{s.Vel.X, s.Vel.Y}, math.Max(acc, gsfMinGPSSpeedAcc))
}

// GSFYaw returns the yaw estimator output.
func (c *Core) GSFYaw() (yaw, variance float64, ok bool) {
	return c.gsf.Yaw()
}

// controlGSFYaw uses the yaw estimator to align the heading when no
// compass is in use, and to recover from a bad heading that shows as
// sustained GPS velocity rejection in flight.
func (c *Core) controlGSFYaw() {
	if !c.gsfUsable() || !c.tiltAligned {
		return
	}
	yaw, yawVar, ok := c.gsf.Yaw()
	t := c.horizonMs()

	if !c.yawAligned && !c.compassInUse() {
		spd := 0.0
		if c.step.haveGPS && c.step.gps.HaveVel {
			spd = math.Hypot(c.step.gps.Vel.X, c.step.gps.Vel.Y)
		}
		if ok && c.flight.inFlight && spd > gsfAlignMinSpeed {
			c.resetQuatYaw(yaw, yawVar, "GSF")
			c.resetToGPS()
		}
		return
	}

	if !c.flight.inFlight || c.aidMode != AidAbsolute || !c.usingGPS() {
		c.gsfFailStartMs = 0
		return
	}
	if c.ratios.Vel <= 1 {
		c.gsfFailStartMs = 0
		return
	}
	if c.gsfFailStartMs == 0 {
		c.gsfFailStartMs = t
	}
	if t-c.gsfFailStartMs < gsfYawFailTimeMs || !ok || c.gsfResetCount >= c.params.GSFResetMax {
		return
	}
	c.gsfResetCount++
	c.gsfFailStartMs = 0
	c.limiter.Logf(c.nowMs, "gsf_reset", "emergency yaw reset %d of %d", c.gsfResetCount, c.params.GSFResetMax)
	c.resetQuatYaw(yaw, yawVar, "GSF")
	c.resetToGPS()
	// a compass that led the heading astray is not trusted again
	if c.compassInUse() {
		c.magTimeout = true
	}
}
