package ekf

import (
	"math"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	minFlowQuality = 50
	rngOnGround    = 0.1 // m, assumed sensor height with the vehicle landed
	terrainMinHagl = 0.05
)

// terrainEstimator is a single-state filter for the down position of the
// ground below the vehicle.
type terrainEstimator struct {
	valid      bool
	pd         float64 // ground down position
	variance   float64
	lastFuseMs uint32
	lastPredMs uint32
	rngInnov   float64
	rngRatio   float64
}

// hagl returns the height above ground.
func (t *terrainEstimator) hagl(vehPd float64) float64 {
	return t.pd - vehPd
}

// predictTerrain grows the terrain uncertainty with horizontal motion.
func (c *Core) predictTerrain() {
	te := &c.terrain
	t := c.horizonMs()
	if !te.valid {
		return
	}
	dt := 1e-3 * float64(t-te.lastPredMs)
	te.lastPredMs = t
	if c.flight.onGround {
		// the ground is where we are
		te.pd = c.state.Pos.Z + rngOnGround
		te.variance = navmath.Sq(0.1)
		return
	}
	spd := math.Hypot(c.state.Vel.X, c.state.Vel.Y)
	te.variance += dt*navmath.Sq(c.params.TerrainGrad*spd) + dt*navmath.Sq(0.5)
	te.variance = math.Min(te.variance, 1e4)
	te.pd = math.Max(te.pd, c.state.Pos.Z+terrainMinHagl)
}

// fuseTerrainRange updates the terrain estimate with a range reading.
func (c *Core) fuseTerrainRange(s RangeSample) {
	te := &c.terrain
	r22 := c.r22()
	if r22 < 0.707 || s.MaxRange > 0 && s.Range >= s.MaxRange {
		return
	}
	if !te.valid {
		te.valid = true
		te.pd = c.state.Pos.Z + s.Range*r22
		te.variance = navmath.Sq(c.params.RngNoise)
		te.lastPredMs = c.horizonMs()
		te.lastFuseMs = c.horizonMs()
		return
	}
	pred := (te.pd - c.state.Pos.Z) / r22
	h := 1 / r22
	r := navmath.Sq(math.Max(c.params.RngNoise, 0.01)) + navmath.Sq(0.05*s.Range)
	// vehicle height uncertainty adds to the measurement
	r += c.cov.At(IdxPos+2, IdxPos+2) * h * h
	sVar := te.variance*h*h + r
	innov := s.Range - pred
	te.rngInnov = innov
	gate := math.Max(c.params.RngInnovGate, 1)
	te.rngRatio = innov * innov / (gate * gate * sVar)
	c.innov.Range = innov
	c.ratios.Range = te.rngRatio
	if te.rngRatio > 1 {
		return
	}
	k := te.variance * h / sVar
	te.pd += k * innov
	te.variance = math.Max(te.variance*(1-k*h), 1e-4)
	te.pd = math.Max(te.pd, c.state.Pos.Z+terrainMinHagl)
	te.lastFuseMs = c.horizonMs()
}

// terrainValid reports whether the terrain estimate is usable for flow.
func (c *Core) terrainValid() bool {
	if c.flight.onGround {
		return true
	}
	return c.terrain.valid && c.horizonMs()-c.terrain.lastFuseMs < flowTimeoutMs
}

// selectRangeFusion recalls range finder data for terrain and height use.
func (c *Core) selectRangeFusion() {
	if !c.terrain.valid && c.flight.onGround {
		c.terrain = terrainEstimator{valid: true, pd: c.state.Pos.Z + rngOnGround, variance: 0.01,
			lastFuseMs: c.horizonMs(), lastPredMs: c.horizonMs()}
	}
	c.predictTerrain()
	s, ok := recall(c, StreamRangeFinder, c.rngBuf)
	if !ok {
		return
	}
	c.step.rng, c.step.haveRng = s, true
	before := c.terrain.lastFuseMs
	c.fuseTerrainRange(s)
	finish(c, StreamRangeFinder, c.rngBuf, c.terrain.lastFuseMs != before, c.terrain.rngRatio)
}

// selectFlowFusion fuses optical flow rates as line-of-sight rates.
func (c *Core) selectFlowFusion() {
	s, ok := recall(c, StreamFlow, c.flowBuf)
	if !ok {
		return
	}
	p := c.params
	usable := s.Quality >= minFlowQuality && c.r22() > 0.707 && c.tiltAligned &&
		math.Abs(s.FlowRate[0]) < p.MaxFlowRate && math.Abs(s.FlowRate[1]) < p.MaxFlowRate &&
		c.terrainValid()
	if !usable {
		skip(c, StreamFlow, c.flowBuf)
		return
	}
	meas := [2]float64{s.FlowRate[0] - s.BodyRate[0], s.FlowRate[1] - s.BodyRate[1]}

	// the terrain estimator learns from flow before the main filter uses it
	c.fuseTerrainFlow(meas)
	if c.aidMode != AidRelative && c.aidMode != AidAbsolute {
		c.flowValid = true
		c.lastFlowFuseMs = c.horizonMs()
		skip(c, StreamFlow, c.flowBuf)
		return
	}

	r := navmath.Sq(math.Max(p.FlowNoise, 0.05))
	obs := make([]scalarObs, 2)
	for i := 0; i < 2; i++ {
		axis := i
		obs[i] = scalarObs{meas: meas[axis], r: r, predict: func(h *obsRow) float64 {
			return c.flowPredict(h, axis)
		}}
	}
	ratio, innov, _, fused := c.fuseGroup(obs, math.Max(p.FlowInnovGate, 1))
	c.innov.Flow = [2]float64{innov[0], innov[1]}
	c.ratios.Flow = ratio
	if fused {
		c.flowValid = true
		c.lastFlowFuseMs = c.horizonMs()
		c.lastAidedMs = c.horizonMs()
		c.faults &^= FaultBadOptFlowX | FaultBadOptFlowY
	} else {
		c.faults |= FaultBadOptFlowX | FaultBadOptFlowY
	}
	finish(c, StreamFlow, c.flowBuf, fused, ratio)
}

// flowRange is the line-of-sight range to the ground.
func (c *Core) flowRange() float64 {
	return math.Max(c.terrain.hagl(c.state.Pos.Z), terrainMinHagl) / c.r22()
}

// flowPredict fills h for flow axis 0 (about X) or 1 (about Y) and returns
// the predicted rate.
func (c *Core) flowPredict(h *obsRow, axis int) float64 {
	rng := c.flowRange()
	var vb r3.Vec
	var hb obsRow
	// X flow is driven by body Y velocity and Y flow by body X velocity
	if axis == 0 {
		c.groundVelBodyRow(&hb, 1)
		vb = c.state.Quat.RotateInverse(c.state.Vel)
		for i := range h {
			h[i] = hb[i] / rng
		}
		h[IdxPos+2] += vb.Y / (rng * rng * c.r22())
		return vb.Y / rng
	}
	c.groundVelBodyRow(&hb, 0)
	vb = c.state.Quat.RotateInverse(c.state.Vel)
	for i := range h {
		h[i] = -hb[i] / rng
	}
	h[IdxPos+2] -= vb.X / (rng * rng * c.r22())
	return -vb.X / rng
}

// groundVelBodyRow fills h with ∂(body velocity)[axis]/∂x, ground relative.
func (c *Core) groundVelBodyRow(h *obsRow, axis int) {
	q := c.state.Quat
	dq := navmath.DRotTDq(q, c.state.Vel)
	rot := q.DCM()
	for k := 0; k < 4; k++ {
		h[IdxQuat+k] = dq[axis][k]
	}
	for k := 0; k < 3; k++ {
		h[IdxVel+k] = rot[k][axis]
	}
}

// fuseTerrainFlow refines the terrain height from flow rates.
func (c *Core) fuseTerrainFlow(meas [2]float64) {
	te := &c.terrain
	if !te.valid || c.flight.onGround {
		return
	}
	vb := c.state.Quat.RotateInverse(c.state.Vel)
	r22 := c.r22()
	preds := [2]float64{vb.Y, -vb.X}
	r := navmath.Sq(math.Max(c.params.FlowNoise, 0.05))
	for i, v := range preds {
		hagl := math.Max(te.hagl(c.state.Pos.Z), terrainMinHagl)
		rng := hagl / r22
		pred := v / rng
		// ∂pred/∂terrain
		h := -v * r22 / (hagl * hagl)
		sVar := te.variance*h*h + r
		innov := meas[i] - pred
		if innov*innov > navmath.Sq(math.Max(c.params.FlowInnovGate, 1))*sVar {
			continue
		}
		k := te.variance * h / sVar
		te.pd += k * innov
		te.variance = math.Max(te.variance*(1-k*h), 1e-4)
		te.pd = math.Max(te.pd, c.state.Pos.Z+terrainMinHagl)
		te.lastFuseMs = c.horizonMs()
	}
}
