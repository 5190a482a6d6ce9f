package ekf

import (
	"math"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// stepData holds samples recalled this filter step that more than one
// kernel consumes.
type stepData struct {
	gps        GPSSample
	haveGPS    bool
	rng        RangeSample
	haveRng    bool
	extNav     ExtNavSample
	haveExtNav bool
}

// YawReset records the most recent step change of the yaw estimate.
type YawReset struct {
	Delta  float64 // rad
	TimeMs uint32
}

// PosNEReset records the most recent horizontal position step.
type PosNEReset struct {
	Delta  [2]float64 // m
	TimeMs uint32
}

// PosDownReset records the most recent vertical position step.
type PosDownReset struct {
	Delta  float64 // m
	TimeMs uint32
}

// VelNEReset records the most recent horizontal velocity step.
type VelNEReset struct {
	Delta  [2]float64 // m/s
	TimeMs uint32
}

// directObs observes state idx directly.
func (c *Core) directObs(idx int, meas, r float64) scalarObs {
	return scalarObs{meas: meas, r: r, predict: func(h *obsRow) float64 {
		h[idx] = 1
		return c.state.ToVector()[idx]
	}}
}

// gpsNoise returns the velocity NE, velocity D and position variances for
// a fix, inflated with manoeuvre acceleration.
func (c *Core) gpsNoise(s GPSSample) (velNE, velD, pos float64) {
	p := c.params
	spd := s.SAcc
	if spd <= 0 {
		spd = p.VelNENoise
	}
	hAcc := s.HAcc
	if hAcc <= 0 {
		hAcc = p.PosNENoise
	}
	velNE = navmath.Sq(navmath.Constrain(spd, p.VelNENoise, 50)) + navmath.Sq(gpsNEVelVarAccScale*c.accNavMag)
	velD = navmath.Sq(navmath.Constrain(spd, p.VelDNoise, 50)) + navmath.Sq(gpsDVelVarAccScale*c.accNavMag)
	pos = navmath.Sq(navmath.Constrain(hAcc, p.PosNENoise, 100)) + navmath.Sq(gpsPosVarAccScale*c.accNavMag)
	return velNE, velD, pos
}

// setOrigin fixes the local frame to a GPS location. The altitude is
// chosen so the current height estimate is unchanged.
func (c *Core) setOrigin(s GPSSample) {
	loc := s.Loc
	loc.Alt = s.Loc.Alt + c.state.Pos.Z
	c.origin = loc
	c.validOrigin = true
	c.logf("origin set to %.7f %.7f alt %.1f", loc.Lat, loc.Lng, loc.Alt)
}

// selectVelPosFusion recalls GPS data and fuses it when GPS is the
// absolute aiding source, then runs height fusion.
func (c *Core) selectVelPosFusion() {
	if gps, ok := recall(c, StreamGPS, c.gpsBuf); ok {
		c.step.gps, c.step.haveGPS = gps, true
		c.correctGSF(gps)
		if !c.validOrigin && c.gpsGoodToAlign && gps.HavePos {
			c.setOrigin(gps)
		}
		if c.usingGPS() && c.validOrigin && c.params.GPSMode != GPSDisabled {
			fused, ratio := c.fuseGPS(gps)
			finish(c, StreamGPS, c.gpsBuf, fused, ratio)
		} else {
			skip(c, StreamGPS, c.gpsBuf)
		}
	}
	c.selectHeightFusion()
}

// useGPSVel reports whether velocity from s is fused.
func (c *Core) useGPSVel(s GPSSample) bool {
	return s.HaveVel && (c.params.GPSMode == GPSUse3DVel || c.params.GPSMode == GPSUse2DVel)
}

// fuseGPS fuses velocity and horizontal position, whichever of the two
// the fix carries. Each group is gated as a whole and applied axis by
// axis. A rejected position resets the filter to the GPS when rejection
// has lasted longer than the retry time, or when the innovation gate has
// grown beyond the glitch radius.
func (c *Core) fuseGPS(s GPSSample) (bool, float64) {
	p := c.params
	t := c.horizonMs()
	rVelNE, rVelD, rPos := c.gpsNoise(s)

	velFused := false
	velRatio := 0.0
	if c.useGPSVel(s) {
		obs := []scalarObs{
			c.directObs(IdxVel, s.Vel.X, rVelNE),
			c.directObs(IdxVel+1, s.Vel.Y, rVelNE),
		}
		if p.GPSMode == GPSUse3DVel && s.HaveVertVel {
			obs = append(obs, c.directObs(IdxVel+2, s.Vel.Z, rVelD))
		}
		var innov, varInnov []float64
		velRatio, innov, varInnov, velFused = c.fuseGroup(obs, math.Max(p.VelInnovGate, 1))
		c.innov.VelNED = r3.Vec{X: innov[0], Y: innov[1]}
		c.innov.VelVar = r3.Vec{X: varInnov[0], Y: varInnov[1]}
		if len(innov) == 3 {
			c.innov.VelNED.Z = innov[2]
			c.innov.VelVar.Z = varInnov[2]
		}
		c.ratios.Vel = velRatio
		if velFused {
			c.lastVelPassMs = t
		}
	}

	if !s.HavePos {
		if velFused {
			c.lastAidedMs, c.lastAbsAidedMs = t, t
		}
		return velFused, velRatio
	}
	ned := s.Loc.NEDFrom(c.origin)
	obs := []scalarObs{
		c.directObs(IdxPos, ned.X, rPos),
		c.directObs(IdxPos+1, ned.Y, rPos),
	}
	gate := math.Max(p.PosInnovGate, 1)
	posRatio, innov, varInnov, posFused := c.fuseGroup(obs, gate)
	c.innov.PosNE = [2]float64{innov[0], innov[1]}
	c.innov.PosVar = [2]float64{varInnov[0], varInnov[1]}
	if posFused {
		c.lastPosPassMs = t
		c.gpsGlitching = false
	} else {
		timedOut := t-c.lastPosPassMs > gpsRetryTimeMs
		gateRadius2 := gate * gate * (varInnov[0] + varInnov[1])
		switch {
		case timedOut:
			c.logf("GPS position rejected for %dms, resetting to GPS", t-c.lastPosPassMs)
			c.resetPositionNE(ned.X, ned.Y, rPos)
			if s.HaveVel {
				c.resetVelocityNE(s.Vel.X, s.Vel.Y, rVelNE)
			}
			posRatio = 0
			c.gpsGlitching = false
		case p.GlitchRadius > 0 && gateRadius2 > navmath.Sq(p.GlitchRadius):
			c.logf("GPS glitch beyond %.0fm radius, resetting to GPS", p.GlitchRadius)
			c.resetPositionNE(ned.X, ned.Y, navmath.Sq(0.5*p.GlitchRadius))
			posRatio = 0
			c.gpsGlitching = false
		default:
			c.gpsGlitching = true
		}
	}
	c.ratios.Pos = posRatio
	if velFused || posFused {
		c.lastAidedMs, c.lastAbsAidedMs = t, t
	}
	return velFused || posFused, math.Max(velRatio, posRatio)
}

// resetPositionNE moves the horizontal position to (n, e) with variance
// v, shifting the output history by the same step.
func (c *Core) resetPositionNE(n, e, v float64) {
	d := [2]float64{n - c.state.Pos.X, e - c.state.Pos.Y}
	c.state.Pos.X, c.state.Pos.Y = n, e
	c.cov.ZeroRowsCols(IdxPos, IdxPos+2)
	c.cov.Set(IdxPos, IdxPos, v)
	c.cov.Set(IdxPos+1, IdxPos+1, v)
	c.lastPosNEReset = PosNEReset{Delta: d, TimeMs: c.nowMs}
	c.shiftOutput(r3.Vec{}, r3.Vec{X: d[0], Y: d[1]})
	c.resetOutputIntegrals(false, true)
	c.lastPosPassMs = c.horizonMs()
	c.lastPosResetMs = c.horizonMs()
}

// resetVelocityNE moves the horizontal velocity to (n, e) with variance v.
func (c *Core) resetVelocityNE(n, e, v float64) {
	d := [2]float64{n - c.state.Vel.X, e - c.state.Vel.Y}
	c.state.Vel.X, c.state.Vel.Y = n, e
	c.cov.ZeroRowsCols(IdxVel, IdxVel+2)
	c.cov.Set(IdxVel, IdxVel, v)
	c.cov.Set(IdxVel+1, IdxVel+1, v)
	c.lastVelNEReset = VelNEReset{Delta: d, TimeMs: c.nowMs}
	c.shiftOutput(r3.Vec{X: d[0], Y: d[1]}, r3.Vec{})
	c.resetOutputIntegrals(true, false)
	c.lastVelPassMs = c.horizonMs()
}

// resetHeight moves the vertical position to pd with variance v. The
// vertical velocity is reset to vd when haveVel is set.
func (c *Core) resetHeight(pd, v float64, vd float64, haveVel bool) {
	d := pd - c.state.Pos.Z
	c.state.Pos.Z = pd
	c.cov.ZeroRowsCols(IdxPos+2, IdxPos+3)
	c.cov.Set(IdxPos+2, IdxPos+2, v)
	dv := 0.0
	if haveVel {
		dv = vd - c.state.Vel.Z
		c.state.Vel.Z = vd
		c.cov.ZeroRowsCols(IdxVel+2, IdxVel+3)
		c.cov.Set(IdxVel+2, IdxVel+2, navmath.Sq(c.params.VelDNoise))
	}
	c.lastPosDownReset = PosDownReset{Delta: d, TimeMs: c.nowMs}
	c.shiftOutput(r3.Vec{Z: dv}, r3.Vec{Z: d})
	c.resetOutputIntegrals(haveVel, true)
	c.lastHgtPassMs = c.horizonMs()
}

// resetToGPS aligns position and velocity with the latest recalled fix.
func (c *Core) resetToGPS() bool {
	if !c.step.haveGPS || !c.validOrigin {
		return false
	}
	s := c.step.gps
	rVelNE, _, rPos := c.gpsNoise(s)
	if s.HavePos {
		ned := s.Loc.NEDFrom(c.origin)
		c.resetPositionNE(ned.X, ned.Y, rPos)
	}
	switch {
	case c.useGPSVel(s):
		c.resetVelocityNE(s.Vel.X, s.Vel.Y, rVelNE)
	case c.params.GPSMode == GPSPosOnly:
		c.resetVelocityNE(0, 0, navmath.Sq(c.params.VelNENoise))
	}
	return true
}

// selectHeightSource picks the vertical reference for this step.
func (c *Core) selectHeightSource() {
	p := c.params
	want := HgtBaro
	switch p.HgtSource {
	case HgtRangeFinder:
		if c.step.haveRng && c.rangeUsable(c.step.rng) {
			want = HgtRangeFinder
		}
	case HgtGPS:
		if c.validOrigin && c.step.haveGPS && c.step.gps.HavePos && c.usingGPS() {
			want = HgtGPS
		} else if c.activeHgtSource == HgtGPS && c.sched.sinceFused(StreamGPS, c.horizonMs()) < gpsRetryTimeMs {
			want = HgtGPS
		}
	case HgtExtNav:
		if c.sched.sinceFused(StreamExtNav, c.horizonMs()) < extNavTimeoutMs || c.step.haveExtNav {
			want = HgtExtNav
		}
	}
	// opportunistic range finder use at low height and speed
	if want == HgtBaro && p.RngUseHgt > 0 && c.step.haveRng && c.rangeUsable(c.step.rng) &&
		math.Hypot(c.state.Vel.X, c.state.Vel.Y) < p.RngUseSpd &&
		c.step.rng.MaxRange > 0 && c.step.rng.Range*c.r22() < 0.01*p.RngUseHgt*c.step.rng.MaxRange {
		want = HgtRangeFinder
	}
	if want != c.activeHgtSource {
		c.logf("height source %s -> %s", c.activeHgtSource, want)
		if want == HgtBaro {
			c.haveBaroRef = false
		}
		if want == HgtRangeFinder || c.activeHgtSource == HgtRangeFinder {
			c.haveRngRef = false
		}
		c.activeHgtSource = want
	}
}

// r22 is the cosine of the tilt angle.
func (c *Core) r22() float64 {
	return c.state.Quat.DCM()[2][2]
}

// rangeUsable reports whether a range reading can be used for height.
func (c *Core) rangeUsable(s RangeSample) bool {
	if c.r22() < 0.707 || s.Range <= 0 {
		return false
	}
	return s.MaxRange <= 0 || s.Range < s.MaxRange
}

// selectHeightFusion fuses the active vertical position reference.
func (c *Core) selectHeightFusion() {
	c.selectHeightSource()
	p := c.params
	t := c.horizonMs()

	var meas, r float64
	have := false
	baro, haveBaro := recall(c, StreamHeight, c.baroBuf)
	if haveBaro && !c.haveBaroRef {
		c.baroAltAtInit = baro.Alt + c.state.Pos.Z
		c.haveBaroRef = true
	}
	switch c.activeHgtSource {
	case HgtBaro:
		if haveBaro {
			meas = -(baro.Alt - c.baroAltAtInit)
			r = navmath.Sq(p.AltNoise)
			if c.flight.takeoffExpected || c.flight.touchdownExpected {
				// ground effect
				r *= 4
			}
			have = true
		}
	case HgtGPS:
		if c.step.haveGPS && c.step.gps.HavePos && c.validOrigin {
			s := c.step.gps
			meas = -(s.Loc.Alt - c.origin.Alt)
			vAcc := s.VAcc
			if vAcc <= 0 {
				vAcc = 1.5 * p.PosNENoise
			}
			r = navmath.Sq(navmath.Constrain(vAcc, 1.5*p.PosNENoise, 100))
			have = true
		}
	case HgtRangeFinder:
		if c.step.haveRng {
			hagl := c.step.rng.Range * c.r22()
			if !c.haveRngRef {
				c.rngHgtOffset = c.state.Pos.Z + hagl
				c.haveRngRef = true
			}
			meas = c.rngHgtOffset - hagl
			r = navmath.Sq(p.RngNoise) + navmath.Sq(0.05*c.step.rng.Range)
			have = true
		}
	case HgtExtNav:
		if c.step.haveExtNav {
			meas = c.step.extNav.Pos.Z
			r = navmath.Sq(math.Max(c.step.extNav.PosErr, 0.01))
			have = true
		}
	}
	if !have {
		if haveBaro {
			skip(c, StreamHeight, c.baroBuf)
		}
		return
	}

	var h obsRow
	h[IdxPos+2] = 1
	innov := meas - c.state.Pos.Z
	ratio, fused := c.fuseScalar(&h, innov, r, math.Max(p.HgtInnovGate, 1))
	c.innov.Hgt = innov
	c.ratios.Hgt = ratio
	if fused {
		c.lastHgtPassMs = t
		c.hgtTimeout = false
	} else if t-c.lastHgtPassMs > hgtRetryTimeMs {
		vd, haveVd := 0.0, false
		if c.step.haveGPS && c.step.gps.HaveVertVel && c.params.GPSMode == GPSUse3DVel {
			vd, haveVd = c.step.gps.Vel.Z, true
		}
		c.logf("height rejected for %dms, resetting to %s", t-c.lastHgtPassMs, c.activeHgtSource)
		c.resetHeight(meas, r, vd, haveVd)
		c.hgtTimeout = true
	}
	if haveBaro {
		finish(c, StreamHeight, c.baroBuf, fused, ratio)
	} else {
		// non-baro sources report through the height stream too
		c.sched.due(StreamHeight, t)
		c.sched.outcome(StreamHeight, fused, ratio, t, c.baroBuf.Len() > 0)
	}
}
