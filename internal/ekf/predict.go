package ekf

import (
	"math"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// stepInputs are the raw IMU deltas over one covariance prediction
// interval. scaleA and scaleV convert per-step biases to the interval.
type stepInputs struct {
	delAng   r3.Vec
	delVel   r3.Vec
	delVelDt float64
	dt       float64
	scaleA   float64
	scaleV   float64
}

// stepModel is the state transition linearised by transitionMatrix.
func stepModel(x StateVector, in stepInputs) StateVector {
	dAng := r3.Sub(in.delAng, r3.Scale(in.scaleA, x.GyroBias))
	dVel := r3.Sub(in.delVel, r3.Scale(in.scaleV, x.AccelBias))
	return propagate(x, dAng, dVel, in.delVelDt, in.dt)
}

// axisAngleJacobian returns ∂q(v)/∂v for the rotation-vector quaternion,
// to first order in |v|.
func axisAngleJacobian(v r3.Vec) [4][3]float64 {
	return [4][3]float64{
		{-v.X / 4, -v.Y / 4, -v.Z / 4},
		{0.5, 0, 0},
		{0, 0.5, 0},
		{0, 0, 0.5},
	}
}

func mul4x4x3(a [4][4]float64, b [4][3]float64) [4][3]float64 {
	var out [4][3]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 4; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func mul3x4x4(a [3][4]float64, b [4][4]float64) [3][4]float64 {
	var out [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			for k := 0; k < 4; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func mul3x4x3(a [3][4]float64, b [4][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 4; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

// transitionMatrix returns ∂stepModel/∂x at x.
func transitionMatrix(x StateVector, in stepInputs) *mat.Dense {
	F := mat.NewDense(NumStates, NumStates, nil)
	for i := 0; i < NumStates; i++ {
		F.Set(i, i, 1)
	}
	dAng := r3.Sub(in.delAng, r3.Scale(in.scaleA, x.GyroBias))
	dVel := r3.Sub(in.delVel, r3.Scale(in.scaleV, x.AccelBias))
	dq := navmath.FromAxisAngle(dAng)
	halfAng := r3.Scale(0.5, dAng)
	dqHalf := navmath.FromAxisAngle(halfAng)
	mid := x.Quat.Mul(dqHalf)
	left := navmath.LeftMul(x.Quat)

	// attitude
	right := navmath.RightMul(dq)
	dqdb := mul4x4x3(left, axisAngleJacobian(dAng))
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			F.Set(IdxQuat+i, IdxQuat+j, right[i][j])
		}
		for j := 0; j < 3; j++ {
			F.Set(IdxQuat+i, IdxGyroBias+j, -in.scaleA*dqdb[i][j])
		}
	}

	// velocity, via the mid-interval attitude
	dRot := navmath.DRotDq(mid, dVel)
	dvdq := mul3x4x4(dRot, navmath.RightMul(dqHalf))
	dmid := mul4x4x3(left, axisAngleJacobian(halfAng))
	dvdb := mul3x4x3(dRot, dmid)
	rot := mid.DCM()
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			F.Set(IdxVel+i, IdxQuat+j, dvdq[i][j])
			F.Set(IdxPos+i, IdxQuat+j, 0.5*in.dt*dvdq[i][j])
		}
		for j := 0; j < 3; j++ {
			gb := -0.5 * in.scaleA * dvdb[i][j]
			ab := -in.scaleV * rot[i][j]
			F.Set(IdxVel+i, IdxGyroBias+j, gb)
			F.Set(IdxVel+i, IdxAccelBias+j, ab)
			F.Set(IdxPos+i, IdxGyroBias+j, 0.5*in.dt*gb)
			F.Set(IdxPos+i, IdxAccelBias+j, 0.5*in.dt*ab)
		}
		F.Set(IdxPos+i, IdxVel+i, in.dt)
	}
	return F
}

// processNoise returns Q for an interval of dt seconds at attitude q.
func (c *Core) processNoise(q navmath.Quat, delAng r3.Vec, dt float64) *mat.SymDense {
	p := c.params
	Q := mat.NewSymDense(NumStates, nil)

	angVar := navmath.Sq(dt * navmath.Constrain(p.GyroNoise, 0, 1))
	G := mul4x4x3(navmath.LeftMul(q), axisAngleJacobian(delAng))
	for i := 0; i < 4; i++ {
		for j := i; j < 4; j++ {
			v := 0.0
			for k := 0; k < 3; k++ {
				v += G[i][k] * G[j][k] * angVar
			}
			Q.SetSym(IdxQuat+i, IdxQuat+j, v)
		}
	}

	velVar := navmath.Sq(dt * navmath.Constrain(p.AccNoise, 0, 10))
	rot := q.DCM()
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			v := 0.0
			for k := 0; k < 3; k++ {
				v += rot[i][k] * rot[j][k] * velVar
			}
			Q.SetSym(IdxVel+i, IdxVel+j, v)
		}
	}

	gbVar := navmath.Sq(dt * dt * navmath.Constrain(p.GyroBiasPNse, 0, 1))
	abVar := navmath.Sq(dt * dt * navmath.Constrain(p.AccelBiasPNse, 0, 1))
	meVar := navmath.Sq(dt * navmath.Constrain(p.MagEarthPNse, 0, 1))
	mbVar := navmath.Sq(dt * navmath.Constrain(p.MagBodyPNse, 0, 1))
	windVar := navmath.Sq(dt * navmath.Constrain(p.WindPNse, 0, 1) *
		(1 + navmath.Constrain(p.WindPScale, 0, 1)*math.Abs(c.hgtRate)))
	for i := 0; i < 3; i++ {
		Q.SetSym(IdxGyroBias+i, IdxGyroBias+i, gbVar)
		Q.SetSym(IdxAccelBias+i, IdxAccelBias+i, abVar)
		Q.SetSym(IdxEarthMag+i, IdxEarthMag+i, meVar)
		Q.SetSym(IdxBodyMag+i, IdxBodyMag+i, mbVar)
	}
	Q.SetSym(IdxWind, IdxWind, windVar)
	Q.SetSym(IdxWind+1, IdxWind+1, windVar)
	return Q
}

// accumulateCovariance adds the delayed IMU sample to the prediction
// window.
func (c *Core) accumulateCovariance() {
	w := &c.covWin
	imu := c.imuDelayed
	w.delVel = r3.Add(w.delVel, w.quat.Rotate(imu.DelVel))
	if q, ok := w.quat.Mul(navmath.FromAxisAngle(imu.DelAng)).Normalized(); ok {
		w.quat = q
	}
	w.delAng = w.quat.ToAxisAngle()
	w.dt += imu.DelAngDt
}

// predictCovariance propagates P across the accumulated window. Without
// force it waits until the window is long enough in time or rotation.
func (c *Core) predictCovariance(force bool) {
	w := &c.covWin
	if w.dt <= 0 {
		return
	}
	if !force && w.dt < covTimeStepMax-0.5*c.dtEkf() && r3.Norm(w.delAng) < covDelAngMax {
		return
	}
	in := stepInputs{
		delAng:   w.delAng,
		delVel:   w.delVel,
		delVelDt: w.dt,
		dt:       w.dt,
		scaleA:   w.dt / c.dtEkf(),
		scaleV:   w.dt / c.dtEkf(),
	}
	F := transitionMatrix(w.start, in)
	Q := c.processNoise(w.start.Quat, w.delAng, w.dt)
	c.cov.Predict(F, Q)
	for i := range c.active {
		if !c.active[i] {
			c.cov.ZeroRowsCols(i, i+1)
		}
	}
	c.constrainVariances()
	*w = covWindow{quat: navmath.Identity()}
}

// minQuatVar keeps every quaternion state correctable after rounding
// drives a variance to or below zero.
const minQuatVar = 1e-9

// updateVarianceLimits recomputes the per-state variance bounds, which
// depend on the filter step.
func (c *Core) updateVarianceLimits() {
	dt := c.dtEkf()
	set := func(lo, hi int, l varianceLimit) {
		for i := lo; i < hi; i++ {
			c.limits[i] = l
		}
	}
	set(IdxQuat, IdxVel, varianceLimit{minQuatVar, 1})
	set(IdxVel, IdxPos, varianceLimit{1e-4, 1e3})
	set(IdxPos, IdxGyroBias, varianceLimit{1e-4, 1e6})
	set(IdxGyroBias, IdxAccelBias, varianceLimit{1e-12, navmath.Sq(0.175 * dt)})
	set(IdxAccelBias, IdxEarthMag, varianceLimit{1e-12, navmath.Sq(10 * dt)})
	set(IdxEarthMag, IdxWind, varianceLimit{1e-9, 0.01})
	set(IdxWind, NumStates, varianceLimit{1e-4, 1e3})
}

func (c *Core) constrainVariances() {
	c.updateVarianceLimits()
	c.cov.ConstrainVariances(&c.limits, &c.active)
}

// CovarianceInit resets P to its initial values. rotSigma holds the
// earth-frame attitude uncertainty in radians.
func (c *Core) CovarianceInit(rotSigma r3.Vec) {
	p := c.params
	dt := c.dtEkf()
	c.cov.Zero()
	c.setActiveStates()
	c.initialiseQuatCovariances(r3.Vec{X: navmath.Sq(rotSigma.X), Y: navmath.Sq(rotSigma.Y), Z: navmath.Sq(rotSigma.Z)})

	c.cov.Set(IdxVel, IdxVel, navmath.Sq(p.VelNENoise))
	c.cov.Set(IdxVel+1, IdxVel+1, navmath.Sq(p.VelNENoise))
	c.cov.Set(IdxVel+2, IdxVel+2, navmath.Sq(p.VelDNoise))
	c.cov.Set(IdxPos, IdxPos, navmath.Sq(p.PosNENoise))
	c.cov.Set(IdxPos+1, IdxPos+1, navmath.Sq(p.PosNENoise))
	c.cov.Set(IdxPos+2, IdxPos+2, navmath.Sq(p.AltNoise))
	for i := 0; i < 3; i++ {
		c.cov.Set(IdxGyroBias+i, IdxGyroBias+i, navmath.Sq(initGyroBiasDps*math.Pi/180*dt))
		c.cov.Set(IdxAccelBias+i, IdxAccelBias+i, navmath.Sq(0.2*p.AccelBiasLim*dt))
	}
	if c.mag.use3D {
		c.initialiseMagCovariances()
	}
	if c.wind.active {
		c.cov.Set(IdxWind, IdxWind, windInitVar)
		c.cov.Set(IdxWind+1, IdxWind+1, windInitVar)
	}
	c.constrainVariances()
}

// initialiseQuatCovariances writes the quaternion block of P for the given
// earth-frame rotation variances and clears its cross terms.
func (c *Core) initialiseQuatCovariances(rotVar r3.Vec) {
	c.cov.ZeroRowsCols(IdxQuat, IdxVel)
	right := navmath.RightMul(c.state.Quat)
	v := [3]float64{rotVar.X, rotVar.Y, rotVar.Z}
	for i := 0; i < 4; i++ {
		for j := i; j < 4; j++ {
			s := 0.0
			for k := 0; k < 3; k++ {
				s += 0.25 * right[i][k+1] * right[j][k+1] * v[k]
			}
			c.cov.Set(IdxQuat+i, IdxQuat+j, s)
		}
	}
}

// calcRotVecVariances returns the earth-frame rotation vector variances
// implied by the quaternion block of P.
func (c *Core) calcRotVecVariances() r3.Vec {
	right := navmath.RightMul(c.state.Quat)
	var out [3]float64
	for k := 0; k < 3; k++ {
		s := 0.0
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				s += right[i][k+1] * c.cov.At(IdxQuat+i, IdxQuat+j) * right[j][k+1]
			}
		}
		out[k] = 4 * s
	}
	return r3.Vec{X: out[0], Y: out[1], Z: out[2]}
}
