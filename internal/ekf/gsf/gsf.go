// Package gsf estimates yaw without a compass. A bank of models, each
// started at a different heading, integrates the IMU with its own
// complementary-filter attitude and predicts horizontal velocity. GPS
// velocity updates weight the models by how well they explain the
// measurement, and the weighted heading is the estimate.
package gsf

import (
	"math"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// NumModels is the size of the model bank.
const NumModels = 5

const (
	tiltGain        = 0.2  // rad/s per unit tilt error
	gyroBiasGain    = 0.04 // 1/s
	gyroBiasLimit   = 0.05 // rad/s
	accelNoise      = 1.0  // m/s²
	gyroNoise       = 0.015
	accelLowPass    = 0.5 // per velocity update
	ratioLowPass    = 0.1 // per velocity update
	maxInnovRatio   = 3.0 // mean normalised innovation per axis
	initYawVar      = math.Pi * math.Pi / (NumModels * NumModels)
	minVelAcc       = 0.5 // m/s
	validYawVar     = 15 * math.Pi / 180 * 15 * math.Pi / 180
	minFusesForYaw  = 5
	weightFloor     = 1e-9
	maxAccelForTilt = 1.5 * navmath.Gravity
	minAccelForTilt = 0.5 * navmath.Gravity
)

// model is one hypothesis: an attitude and a 3-state velocity/yaw filter.
type model struct {
	rot      navmath.DCM // body→NED
	gyroBias r3.Vec
	x        [3]float64 // vN, vE, yaw
	p        [3][3]float64
	w        float64
}

// Estimator is the model bank.
type Estimator struct {
	models     [NumModels]model
	tiltInit   bool
	velInit    bool
	fuseCount  int
	yaw        float64
	yawVar     float64
	trueAirspd float64

	// horizontal acceleration from successive velocity updates
	lastVelNE  [2]float64
	sinceFuseS float64
	accNE      [2]float64

	// low-passed weighted innovation test ratio
	innovRatio float64
}

// New returns a reset estimator.
func New() *Estimator {
	e := &Estimator{}
	e.Reset()
	return e
}

// Reset discards all learned state.
func (e *Estimator) Reset() {
	*e = Estimator{yawVar: math.Pi * math.Pi}
	for i := range e.models {
		e.models[i] = model{rot: navmath.IdentityDCM(), w: 1.0 / NumModels}
	}
}

// alignTilt levels every model from the specific force and spreads the
// headings evenly around the circle.
func (e *Estimator) alignTilt(accel r3.Vec) {
	roll := math.Atan2(-accel.Y, -accel.Z)
	pitch := math.Atan2(accel.X, math.Hypot(accel.Y, accel.Z))
	for i := range e.models {
		yaw := navmath.WrapPi(float64(i)*2*math.Pi/NumModels - math.Pi)
		m := &e.models[i]
		m.rot = navmath.FromEuler(roll, pitch, yaw).DCM()
		m.x = [3]float64{0, 0, yaw}
		m.p = [3][3]float64{}
		m.p[2][2] = initYawVar
		m.w = 1.0 / NumModels
	}
	e.tiltInit = true
}

// Predict advances every model with one IMU interval. tas is the true
// airspeed used for centripetal correction when flying; pass 0 when it is
// not known.
func (e *Estimator) Predict(delAng, delVel r3.Vec, dAngDt, dVelDt, tas float64, inFlight bool) {
	if dAngDt <= 0 || dVelDt <= 0 {
		return
	}
	accel := r3.Scale(1/dVelDt, delVel)
	if !e.tiltInit {
		n := r3.Norm(accel)
		if n > minAccelForTilt && n < maxAccelForTilt {
			e.alignTilt(accel)
		}
		return
	}
	e.trueAirspd = 0
	if inFlight {
		e.trueAirspd = tas
	}
	e.sinceFuseS += dVelDt
	for i := range e.models {
		e.predictModel(&e.models[i], delAng, delVel, accel, dAngDt, dVelDt)
	}
}

// unmodelledAccel is the acceleration magnitude the tilt correction
// cannot tell from gravity: the departure of the specific force from 1 g
// and, without an airspeed to model turns, the horizontal acceleration
// seen by GPS.
func (e *Estimator) unmodelledAccel(specific r3.Vec) float64 {
	a := math.Abs(r3.Norm(specific) - navmath.Gravity)
	if e.trueAirspd <= 0 {
		a += math.Hypot(e.accNE[0], e.accNE[1])
	}
	return a
}

// tiltGainFor attenuates the tilt correction as the unmodelled
// acceleration grows, reaching zero at a quarter g.
func tiltGainFor(unmodelled float64) float64 {
	att := navmath.Constrain(4*unmodelled/navmath.Gravity, 0, 1)
	return tiltGain * navmath.Sq(1-att)
}

// predictModel runs the complementary filter and the velocity/yaw
// prediction of one model.
func (e *Estimator) predictModel(m *model, delAng, delVel, accel r3.Vec, dAngDt, dVelDt float64) {
	rate := r3.Sub(r3.Scale(1/dAngDt, delAng), m.gyroBias)

	// remove the centripetal term when an airspeed is known
	specific := r3.Sub(accel, r3.Cross(rate, r3.Vec{X: e.trueAirspd}))
	unmodelled := e.unmodelledAccel(specific)

	// tilt correction from gravity, skipped during high manoeuvres
	var corr r3.Vec
	accNorm := r3.Norm(accel)
	if gain := tiltGainFor(unmodelled); gain > 0 && accNorm > minAccelForTilt && accNorm < maxAccelForTilt {
		meas := r3.Unit(specific)
		// predicted specific-force direction in body axes is −gravity
		pred := r3.Scale(-1, m.rot.Row(2))
		corr = r3.Scale(gain, r3.Cross(meas, pred))
		m.gyroBias = r3.Sub(m.gyroBias, r3.Scale(gyroBiasGain*dAngDt, corr))
		m.gyroBias = navmath.VecConstrain(m.gyroBias, gyroBiasLimit)
	}
	m.rot = m.rot.RotateSmall(r3.Scale(dAngDt, r3.Add(rate, corr)))

	dv := m.rot.MulVec(delVel)
	m.x[0] += dv.X
	m.x[1] += dv.Y
	_, _, m.x[2] = m.rot.Euler321()

	// F = [1 0 -dvE; 0 1 dvN; 0 0 1]
	f := [3][3]float64{{1, 0, -dv.Y}, {0, 1, dv.X}, {0, 0, 1}}
	var fp, p [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				fp[i][j] += f[i][k] * m.p[k][j]
			}
		}
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				p[i][j] += fp[i][k] * f[j][k]
			}
		}
	}
	// tilt error under acceleration shows up as velocity error
	qVel := navmath.Sq((accelNoise + unmodelled) * dVelDt)
	p[0][0] += qVel
	p[1][1] += qVel
	p[2][2] += navmath.Sq(gyroNoise * dAngDt)
	m.p = p
}

// FuseVelocity updates the bank with a horizontal velocity and its
// accuracy. The first call initialises the model velocities.
func (e *Estimator) FuseVelocity(velNE [2]float64, acc float64) {
	if !e.tiltInit {
		return
	}
	r := navmath.Sq(math.Max(acc, minVelAcc))
	if !e.velInit {
		for i := range e.models {
			m := &e.models[i]
			m.x[0], m.x[1] = velNE[0], velNE[1]
			m.p[0][0], m.p[1][1] = r, r
			m.p[0][1], m.p[1][0] = 0, 0
		}
		e.velInit = true
		e.lastVelNE, e.sinceFuseS = velNE, 0
		return
	}
	if e.sinceFuseS > 0 {
		for i := range e.accNE {
			raw := (velNE[i] - e.lastVelNE[i]) / e.sinceFuseS
			e.accNE[i] += accelLowPass * (raw - e.accNE[i])
		}
	}
	e.lastVelNE, e.sinceFuseS = velNE, 0

	total := 0.0
	var md [NumModels]float64
	for i := range e.models {
		var lk float64
		lk, md[i] = e.models[i].update(velNE, r)
		e.models[i].w *= lk
		total += e.models[i].w
	}
	if total < weightFloor || !navmath.IsFinite(total) {
		for i := range e.models {
			e.models[i].w = 1.0 / NumModels
		}
	} else {
		for i := range e.models {
			e.models[i].w /= total
		}
	}
	ratio := 0.0
	for i, m := range e.models {
		if m.w > 0 {
			ratio += m.w * md[i] / 2
		}
	}
	if navmath.IsFinite(ratio) {
		e.innovRatio += ratioLowPass * (ratio - e.innovRatio)
	}
	e.fuseCount++
	e.mix()
}

// update applies the velocity measurement to one model and returns the
// measurement likelihood and the squared Mahalanobis distance of the
// innovation.
func (m *model) update(z [2]float64, r float64) (float64, float64) {
	s00 := m.p[0][0] + r
	s01 := m.p[0][1]
	s11 := m.p[1][1] + r
	det := s00*s11 - s01*s01
	if det <= 0 || !navmath.IsFinite(det) {
		return 0, math.Inf(1)
	}
	i00, i01, i11 := s11/det, -s01/det, s00/det
	innov := [2]float64{z[0] - m.x[0], z[1] - m.x[1]}

	// K = P Hᵀ S⁻¹
	var k [3][2]float64
	for i := 0; i < 3; i++ {
		k[i][0] = m.p[i][0]*i00 + m.p[i][1]*i01
		k[i][1] = m.p[i][0]*i01 + m.p[i][1]*i11
	}
	oldYaw := m.x[2]
	for i := 0; i < 3; i++ {
		m.x[i] += k[i][0]*innov[0] + k[i][1]*innov[1]
	}
	m.x[2] = navmath.WrapPi(m.x[2])

	// P = (I − K H) P
	var p [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p[i][j] = m.p[i][j] - k[i][0]*m.p[0][j] - k[i][1]*m.p[1][j]
		}
	}
	for i := 0; i < 3; i++ {
		p[i][i] = math.Max(p[i][i], 1e-6)
		for j := i + 1; j < 3; j++ {
			avg := 0.5 * (p[i][j] + p[j][i])
			p[i][j], p[j][i] = avg, avg
		}
	}
	m.p = p

	// keep the attitude consistent with the corrected yaw
	dYaw := navmath.WrapPi(m.x[2] - oldYaw)
	if dYaw != 0 {
		c, s := math.Cos(dYaw), math.Sin(dYaw)
		rz := navmath.DCM{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
		m.rot = rz.Mul(m.rot)
	}

	md := innov[0]*(i00*innov[0]+i01*innov[1]) + innov[1]*(i01*innov[0]+i11*innov[1])
	return math.Exp(-0.5*md) / (2 * math.Pi * math.Sqrt(det)), md
}

// mix forms the weighted circular mean of the model headings.
func (e *Estimator) mix() {
	var sn, cs float64
	for _, m := range e.models {
		sn += m.w * math.Sin(m.x[2])
		cs += m.w * math.Cos(m.x[2])
	}
	e.yaw = math.Atan2(sn, cs)
	v := 0.0
	for _, m := range e.models {
		v += m.w * (m.p[2][2] + navmath.Sq(navmath.WrapPi(m.x[2]-e.yaw)))
	}
	e.yawVar = v
}

// Yaw returns the composite heading and its variance. ok is false until
// enough velocity updates have been fused and the variance is small, and
// while the models fail to explain the measured velocity.
func (e *Estimator) Yaw() (yaw, variance float64, ok bool) {
	ok = e.velInit && e.fuseCount >= minFusesForYaw && e.yawVar < validYawVar &&
		e.innovRatio < maxInnovRatio
	return e.yaw, e.yawVar, ok
}

// InnovationRatio returns the filtered mean normalised velocity
// innovation of the bank; about one when the models are consistent.
func (e *Estimator) InnovationRatio() float64 { return e.innovRatio }

// Weights returns the model weights.
func (e *Estimator) Weights() [NumModels]float64 {
	var w [NumModels]float64
	for i, m := range e.models {
		w[i] = m.w
	}
	return w
}
