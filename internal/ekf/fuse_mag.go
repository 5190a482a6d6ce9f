package ekf

import (
	"math"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// magState tracks magnetometer use.
type magState struct {
	use3D         bool
	fieldLearned  bool
	inflightInit  bool // field states initialised after the first climb
	start3DMs     uint32
	tableField    r3.Vec
	haveTable     bool
	lastPassMs    uint32
	failStartMs   uint32
	lastYawFuseMs uint32
	lastSample    MagSample
	haveSample    bool
	anomalyReset  bool
}

const (
	magLearnedVar = 1e-4  // Gauss², horizontal field state variance
	magLearnMinMs = 20000 // three-axis fusion time before the field counts as learned
)

// declination returns the field declination in radians, from the learned
// field when available.
func (c *Core) declination() float64 {
	if c.mag.fieldLearned {
		return math.Atan2(c.state.EarthMag.Y, c.state.EarthMag.X)
	}
	return c.params.MagDeclDeg * math.Pi / 180
}

// wantMag3D applies the calibration mode to decide between heading-only
// and three-axis fusion. Once the field is learned only MagCalAlways keeps
// estimating it.
func (c *Core) wantMag3D() bool {
	if !c.tiltAligned || !c.yawAligned {
		return false
	}
	if c.mag.fieldLearned && c.params.MagCal != MagCalAlways {
		return false
	}
	switch c.params.MagCal {
	case MagCalNever:
		return false
	case MagCalAlways:
		return true
	case MagCalWhenFlying:
		return c.flight.inFlight
	case MagCalWhenManoeuvring:
		return c.flight.inFlight && c.accNavMagHorz > 0.5
	case MagCalAfterFirstClimb:
		return c.mag.inflightInit
	}
	return false
}

// initialiseMagCovariances sets the field-state variances.
func (c *Core) initialiseMagCovariances() {
	c.cov.ZeroRowsCols(IdxEarthMag, IdxWind)
	v := navmath.Sq(c.params.MagNoise)
	for i := IdxEarthMag; i < IdxWind; i++ {
		c.cov.Set(i, i, v)
	}
}

// setMag3D switches between heading and three-axis fusion. On entry the
// earth field is initialised from the current reading; learned body
// offsets are kept.
func (c *Core) setMag3D(on bool, m MagSample) {
	if on == c.mag.use3D {
		return
	}
	c.mag.use3D = on
	if on {
		c.mag.start3DMs = c.horizonMs()
		c.state.EarthMag = c.state.Quat.Rotate(r3.Sub(m.Field, c.state.BodyMag))
		if !c.mag.haveTable {
			c.mag.tableField = c.state.EarthMag
			c.mag.haveTable = true
		}
		c.setActiveStates()
		c.initialiseMagCovariances()
		c.logf("three-axis magnetometer fusion on")
	} else {
		c.setActiveStates()
		if c.mag.fieldLearned {
			c.logf("three-axis magnetometer fusion off, field learned")
		} else {
			c.logf("three-axis magnetometer fusion off")
		}
	}
}

// selectMagFusion recalls compass data and fuses it as heading or as a
// three-axis field.
func (c *Core) selectMagFusion() {
	m, ok := recall(c, StreamMag, c.magBuf)
	if !ok {
		return
	}
	c.mag.lastSample, c.mag.haveSample = m, true
	if !c.tiltAligned {
		skip(c, StreamMag, c.magBuf)
		return
	}
	if !c.yawAligned {
		c.resetQuatYaw(c.magYaw(c.state.Quat, m.Field), navmath.Sq(math.Max(c.params.YawNoise, 0.05)), "compass")
		finish(c, StreamMag, c.magBuf, true, 0)
		return
	}
	c.setMag3D(c.wantMag3D(), m)

	var ratio float64
	var fused bool
	if c.mag.use3D {
		ratio, fused = c.fuseMag3D(m)
		if c.aidMode != AidAbsolute {
			c.fuseDeclination(0.1)
		}
	} else {
		ratio, fused = c.fuseEulerYaw(c.magYaw(c.state.Quat, m.Field), navmath.Sq(math.Max(c.params.YawNoise, 0.01)), c.params.YawInnovGate)
		c.ratios.Mag = ratio
	}

	t := c.horizonMs()
	if fused {
		c.mag.lastPassMs = t
		c.mag.failStartMs = 0
		c.magTimeout = false
	} else {
		if c.mag.failStartMs == 0 {
			c.mag.failStartMs = t
		}
		if t-c.mag.failStartMs > magFailTimeMs {
			if !c.magTimeout {
				c.limiter.Logf(c.nowMs, "mag_timeout", "compass rejected for %dms", t-c.mag.failStartMs)
			}
			c.magTimeout = true
		}
	}
	finish(c, StreamMag, c.magBuf, fused, ratio)
}

// fuseMag3D fuses the three field components. The axes are gated
// together; a failing axis raises its fault bit.
func (c *Core) fuseMag3D(m MagSample) (float64, bool) {
	p := c.params
	r := navmath.Sq(math.Max(p.MagNoise, 0.001))
	meas := [3]float64{m.Field.X, m.Field.Y, m.Field.Z}
	obs := make([]scalarObs, 3)
	for i := 0; i < 3; i++ {
		axis := i
		obs[i] = scalarObs{meas: meas[i], r: r, predict: func(h *obsRow) float64 {
			q := c.state.Quat
			dq := navmath.DRotTDq(q, c.state.EarthMag)
			rot := q.DCM()
			for k := 0; k < 4; k++ {
				h[IdxQuat+k] = dq[axis][k]
			}
			for k := 0; k < 3; k++ {
				h[IdxEarthMag+k] = rot[k][axis]
			}
			h[IdxBodyMag+axis] = 1
			pred := q.RotateInverse(c.state.EarthMag)
			return navmath.VecAt(pred, axis) + navmath.VecAt(c.state.BodyMag, axis)
		}}
	}
	gate := math.Max(p.MagInnovGate, 1)
	ratio, innov, varInnov, fused := c.fuseGroup(obs, gate)
	c.innov.Mag = r3.Vec{X: innov[0], Y: innov[1], Z: innov[2]}
	c.ratios.Mag = ratio
	bits := [3]FaultStatus{FaultBadMagX, FaultBadMagY, FaultBadMagZ}
	for i := range bits {
		if varInnov[i] > 0 && innov[i]*innov[i] > gate*gate*varInnov[i] {
			c.faults |= bits[i]
		} else {
			c.faults &^= bits[i]
		}
	}
	if fused {
		c.limitEarthField()
		c.updateFieldLearned()
	}
	return ratio, fused
}

// limitEarthField keeps the learned earth field within mag_ef_lim of the
// field seen when three-axis fusion started.
func (c *Core) limitEarthField() {
	lim := c.params.MagEFLimit * 1e-3
	if lim <= 0 || !c.mag.haveTable {
		return
	}
	e := r3.Sub(c.state.EarthMag, c.mag.tableField)
	c.state.EarthMag = r3.Add(c.mag.tableField, navmath.VecConstrain(e, lim))
}

// updateFieldLearned marks the field learned once three-axis fusion has
// run for magLearnMinMs and the horizontal earth and body field states
// have converged. The vertical components are left out: level flight
// does not separate them.
func (c *Core) updateFieldLearned() {
	if c.mag.fieldLearned || c.horizonMs()-c.mag.start3DMs < magLearnMinMs {
		return
	}
	for _, i := range [...]int{IdxEarthMag, IdxEarthMag + 1, IdxBodyMag, IdxBodyMag + 1} {
		if c.cov.At(i, i) > magLearnedVar {
			return
		}
	}
	c.mag.fieldLearned = true
	c.logf("magnetic field learned")
}

// fuseEulerYaw fuses a direct yaw measurement.
func (c *Core) fuseEulerYaw(yaw, r, gate float64) (float64, bool) {
	jac, ok := navmath.YawJacobian(c.state.Quat)
	if !ok {
		return 0, false
	}
	var h obsRow
	copy(h[IdxQuat:IdxQuat+4], jac[:])
	innov := navmath.WrapPi(yaw - c.state.Quat.Yaw())
	ratio, fused := c.fuseScalar(&h, innov, r, math.Max(gate, 1))
	c.innov.Yaw = innov
	c.ratios.Yaw = ratio
	if fused {
		c.mag.lastYawFuseMs = c.horizonMs()
	}
	return ratio, fused
}

// fuseDeclination constrains the learned field declination to the
// configured value, for use when there is no absolute heading reference
// from aiding.
func (c *Core) fuseDeclination(sigma float64) {
	n, e := c.state.EarthMag.X, c.state.EarthMag.Y
	d2 := n*n + e*e
	if d2 < 1e-6 {
		return
	}
	var h obsRow
	h[IdxEarthMag] = -e / d2
	h[IdxEarthMag+1] = n / d2
	innov := navmath.WrapPi(c.params.MagDeclDeg*math.Pi/180 - math.Atan2(e, n))
	c.fuseScalar(&h, innov, sigma*sigma, 1e3)
}
