package ekf

import (
	"math"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	windInitVar      = 16.0 // (m/s)²
	airDensity       = 1.225
	betaFuseInterval = 100 // ms
	dragFuseInterval = 100 // ms
	minAirspeed      = 1.0 // m/s, below which airspeed is not fused
)

// windState tracks wind estimation.
type windState struct {
	active       bool
	lastBetaMs   uint32
	lastDragMs   uint32
	lastTASFused uint32
	tasFailMs    uint32
}

// activateWind starts estimating wind. With an airspeed available the
// wind is initialised from the difference between ground velocity and
// airspeed along the heading.
func (c *Core) activateWind(tas float64, haveTAS bool) {
	if c.wind.active {
		return
	}
	c.wind.active = true
	c.state.Wind = [2]float64{}
	if haveTAS {
		yaw := c.state.Quat.Yaw()
		c.state.Wind[0] = c.state.Vel.X - tas*math.Cos(yaw)
		c.state.Wind[1] = c.state.Vel.Y - tas*math.Sin(yaw)
	}
	c.setActiveStates()
	c.cov.Set(IdxWind, IdxWind, windInitVar)
	c.cov.Set(IdxWind+1, IdxWind+1, windInitVar)
	c.logf("wind estimation started")
}

// relVelNED is the velocity relative to the air mass.
func (c *Core) relVelNED() r3.Vec {
	return r3.Vec{X: c.state.Vel.X - c.state.Wind[0], Y: c.state.Vel.Y - c.state.Wind[1], Z: c.state.Vel.Z}
}

// relVelBodyRow fills h with ∂(body-frame relative velocity)[axis]/∂x and
// returns that component.
func (c *Core) relVelBodyRow(h *obsRow, axis int, scale float64) float64 {
	q := c.state.Quat
	rel := c.relVelNED()
	dq := navmath.DRotTDq(q, rel)
	rot := q.DCM()
	for k := 0; k < 4; k++ {
		h[IdxQuat+k] += scale * dq[axis][k]
	}
	for k := 0; k < 3; k++ {
		h[IdxVel+k] += scale * rot[k][axis]
	}
	h[IdxWind] -= scale * rot[0][axis]
	h[IdxWind+1] -= scale * rot[1][axis]
	return navmath.VecAt(q.RotateInverse(rel), axis)
}

// selectTASFusion fuses true airspeed in flight.
func (c *Core) selectTASFusion() {
	s, ok := recall(c, StreamAirspeed, c.tasBuf)
	if !ok {
		return
	}
	if !c.flight.inFlight || s.TAS < minAirspeed {
		skip(c, StreamAirspeed, c.tasBuf)
		return
	}
	c.activateWind(s.TAS, true)
	p := c.params
	rel := c.relVelNED()
	pred := r3.Norm(rel)
	if pred < minAirspeed {
		skip(c, StreamAirspeed, c.tasBuf)
		return
	}
	var h obsRow
	h[IdxVel] = rel.X / pred
	h[IdxVel+1] = rel.Y / pred
	h[IdxVel+2] = rel.Z / pred
	h[IdxWind] = -rel.X / pred
	h[IdxWind+1] = -rel.Y / pred
	innov := s.TAS - pred
	ratio, fused := c.fuseScalar(&h, innov, navmath.Sq(navmath.Constrain(p.EASNoise, 0.5, 5)), math.Max(p.TASInnovGate, 1))
	c.innov.TAS = innov
	c.ratios.TAS = ratio
	t := c.horizonMs()
	if fused {
		c.lastTASPassMs = t
		c.wind.tasFailMs = 0
		c.tasTimeout = false
		c.faults &^= FaultBadAirspeed
	} else {
		c.faults |= FaultBadAirspeed
		if c.wind.tasFailMs == 0 {
			c.wind.tasFailMs = t
		}
		c.tasTimeout = t-c.wind.tasFailMs > tasRetryTimeMs
	}
	finish(c, StreamAirspeed, c.tasBuf, fused, ratio)
}

// fuseSideslip fuses the zero-sideslip assumption of fixed-wing flight.
func (c *Core) fuseSideslip() {
	t := c.horizonMs()
	if !c.profile.AssumeZeroSideslip() || !c.flight.inFlight || t-c.wind.lastBetaMs < betaFuseInterval {
		return
	}
	c.wind.lastBetaMs = t
	c.activateWind(0, false)
	c.predictCovariance(true)
	c.sched.due(StreamSideslip, t)

	var hx, hy obsRow
	vx := c.relVelBodyRow(&hx, 0, 1)
	vy := c.relVelBodyRow(&hy, 1, 1)
	if vx < 3 {
		c.sched.skip(StreamSideslip, t, false)
		return
	}
	// β = vy/vx
	var h obsRow
	for i := range h {
		h[i] = (hy[i]*vx - vy*hx[i]) / (vx * vx)
	}
	innov := -vy / vx
	p := c.params
	ratio, fused := c.fuseScalar(&h, innov, navmath.Sq(math.Max(p.BetaNoise, 0.01)), math.Max(p.BetaGate, 1))
	c.innov.Beta = innov
	c.ratios.Beta = ratio
	if fused {
		c.faults &^= FaultBadSideslip
	} else {
		c.faults |= FaultBadSideslip
	}
	c.sched.outcome(StreamSideslip, fused, ratio, t, false)
}

// fuseDrag fuses the body-axis specific force against a drag model of the
// relative wind, which makes wind observable on multirotors.
func (c *Core) fuseDrag() {
	p := c.params
	t := c.horizonMs()
	if !c.profile.DragFusion(p) || !c.flight.inFlight || t-c.wind.lastDragMs < dragFuseInterval {
		return
	}
	c.wind.lastDragMs = t
	c.activateWind(0, false)
	c.predictCovariance(true)
	c.sched.due(StreamDrag, t)

	imu := c.imuDelayed
	dvDt := math.Max(imu.DelVelDt, 1e-4)
	accel := r3.Scale(1/dvDt, r3.Sub(imu.DelVel, r3.Scale(imu.DelVelDt/c.dtEkf(), c.state.AccelBias)))
	meas := [2]float64{accel.X, accel.Y}
	bcoef := [2]float64{p.DragBCoefX, p.DragBCoefY}
	speed := r3.Norm(c.relVelNED())
	r := navmath.Sq(math.Max(p.DragNoise, 0.1))

	anyFused := false
	maxRatio := 0.0
	for axis := 0; axis < 2; axis++ {
		// a = -k·v with k from ballistic and momentum drag
		k := p.DragMCoef
		if bcoef[axis] > 0 {
			k += airDensity * speed / (2 * bcoef[axis])
		}
		if k <= 0 {
			continue
		}
		var h obsRow
		vb := c.relVelBodyRow(&h, axis, -k)
		pred := -k * vb
		innov := meas[axis] - pred
		ratio, fused := c.fuseScalar(&h, innov, r, math.Max(p.DragGate, 1))
		c.innov.Drag[axis] = innov
		maxRatio = math.Max(maxRatio, ratio)
		anyFused = anyFused || fused
	}
	c.ratios.Drag = maxRatio
	c.sched.outcome(StreamDrag, anyFused, maxRatio, t, false)
}
