package ekf

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// obsRow is a sparse-friendly dense observation row over the state.
type obsRow [NumStates]float64

// innovationVariance returns P·hᵀ and h·P·hᵀ + r.
func (c *Core) innovationVariance(h *obsRow, r float64) ([]float64, float64) {
	pht := c.cov.MulVec(h[:])
	for i := range pht {
		if !c.active[i] {
			pht[i] = 0
		}
	}
	s := r
	for i, v := range h {
		if v != 0 {
			s += v * pht[i]
		}
	}
	return pht, s
}

// covarianceBroken handles S < R, which means P lost positive
// definiteness. P is reinitialised and the measurement dropped.
func (c *Core) covarianceBroken(s, r float64) bool {
	if s >= r && !math.IsNaN(s) {
		return false
	}
	c.faults |= FaultBadCovariance
	c.limiter.Logf(c.nowMs, "bad_cov", "innovation variance %.3g below noise %.3g, resetting covariance", s, r)
	c.CovarianceInit(c.rotSigmaForReset())
	return true
}

// rotSigmaForReset keeps the current attitude uncertainty when P is
// rebuilt, falling back to the bootstrap values when it is unusable.
func (c *Core) rotSigmaForReset() r3.Vec {
	v := c.calcRotVecVariances()
	out := r3.Vec{X: initTiltSigma, Y: initTiltSigma, Z: initYawSigmaMag}
	if v.X > 0 && v.X < 1 {
		out.X = math.Sqrt(v.X)
	}
	if v.Y > 0 && v.Y < 1 {
		out.Y = math.Sqrt(v.Y)
	}
	if v.Z > 0 && v.Z < 1 {
		out.Z = math.Sqrt(v.Z)
	}
	return out
}

// applyUpdate applies the Kalman correction for one scalar innovation.
func (c *Core) applyUpdate(pht []float64, s, innov float64) {
	x := c.state.ToVector()
	for i := range x {
		if c.active[i] {
			x[i] += pht[i] / s * innov
		}
	}
	c.state = FromVector(x)
	c.normalizeQuat()
	c.constrainStates()
	c.cov.ScalarUpdate(pht, s)
	c.constrainVariances()
}

// fuseScalar gates and applies one scalar measurement. innov is
// measurement minus prediction. The test ratio is innov²/(gate²·S); a
// ratio of exactly one passes.
func (c *Core) fuseScalar(h *obsRow, innov, r, gate float64) (ratio float64, fused bool) {
	pht, s := c.innovationVariance(h, r)
	if c.covarianceBroken(s, r) {
		return 0, false
	}
	ratio = innov * innov / (gate * gate * s)
	if ratio > 1 || math.IsNaN(ratio) {
		return ratio, false
	}
	c.applyUpdate(pht, s, innov)
	return ratio, true
}

// scalarObs is one component of a vector measurement. predict computes
// the prediction and its observation row from the current state so that
// sequential updates see the corrected state.
type scalarObs struct {
	meas    float64
	r       float64
	predict func(h *obsRow) float64
}

// fuseGroup gates a vector measurement jointly and, when it passes,
// applies the components one at a time. With independent noise this
// equals a joint update. It returns the joint test ratio, the first
// innovations and their variances.
func (c *Core) fuseGroup(obs []scalarObs, gate float64) (ratio float64, innov, varInnov []float64, fused bool) {
	innov = make([]float64, len(obs))
	varInnov = make([]float64, len(obs))
	sumI2, sumS := 0.0, 0.0
	for i, o := range obs {
		var h obsRow
		innov[i] = o.meas - o.predict(&h)
		_, s := c.innovationVariance(&h, o.r)
		if c.covarianceBroken(s, o.r) {
			return 0, innov, varInnov, false
		}
		varInnov[i] = s
		sumI2 += innov[i] * innov[i]
		sumS += s
	}
	ratio = sumI2 / (gate * gate * sumS)
	if ratio > 1 || math.IsNaN(ratio) {
		return ratio, innov, varInnov, false
	}
	for _, o := range obs {
		var h obsRow
		in := o.meas - o.predict(&h)
		pht, s := c.innovationVariance(&h, o.r)
		if c.covarianceBroken(s, o.r) {
			return ratio, innov, varInnov, false
		}
		c.applyUpdate(pht, s, in)
	}
	return ratio, innov, varInnov, true
}
