package ekf

import (
	"math"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// downsample accumulates a full-rate sample and returns true when a filter
// step's worth has been stored in the IMU buffer. Delta velocities are
// rotated into the body frame at the start of the interval, which keeps
// the sculling and coning content of the combined sample.
func (c *Core) downsample(imu IMUSample) bool {
	d := &c.down
	d.dtIMUAvg = 0.98*d.dtIMUAvg + 0.02*navmath.Constrain(imu.DelAngDt, 0.5*d.dtIMUAvg, 2*d.dtIMUAvg)

	d.acc.DelAngDt += imu.DelAngDt
	d.acc.DelVelDt += imu.DelVelDt
	if q, ok := d.quat.Mul(navmath.FromAxisAngle(imu.DelAng)).Normalized(); ok {
		d.quat = q
	}
	d.acc.DelVel = r3.Add(d.acc.DelVel, d.quat.Rotate(imu.DelVel))
	d.frames++

	if d.acc.DelAngDt < targetDt-0.5*d.dtIMUAvg {
		return false
	}
	d.acc.DelAng = d.quat.ToAxisAngle()
	d.acc.TimeMs = imu.TimeMs
	d.acc.Instance = imu.Instance
	c.imuBuf.Push(d.acc)
	d.dtEkfAvg = 0.98*d.dtEkfAvg + 0.02*navmath.Constrain(d.acc.DelAngDt, 0.5*targetDt, 2*targetDt)

	d.acc = IMUSample{}
	d.quat = navmath.Identity()
	d.frames = 0
	return true
}

// propagate is the strapdown transition applied to bias-corrected deltas.
// The velocity increment is rotated at the mid-interval attitude and the
// position uses trapezoidal integration. The quaternion is returned
// unnormalised.
func propagate(s StateVector, delAng, delVel r3.Vec, delVelDt, dt float64) StateVector {
	out := s
	out.Quat = s.Quat.Mul(navmath.FromAxisAngle(delAng))
	mid := s.Quat.Mul(navmath.FromAxisAngle(r3.Scale(0.5, delAng)))
	dvNav := mid.Rotate(delVel)
	dvNav.Z += navmath.Gravity * delVelDt
	out.Vel = r3.Add(s.Vel, dvNav)
	out.Pos = r3.Add(s.Pos, r3.Scale(0.5*dt, r3.Add(s.Vel, out.Vel)))
	return out
}

// correctedDeltas removes the estimated biases from a sample. Biases are
// stored per nominal filter step and scaled to the sample interval.
func (c *Core) correctedDeltas(imu IMUSample) (delAng, delVel r3.Vec) {
	dt := c.dtEkf()
	delAng = r3.Sub(imu.DelAng, r3.Scale(imu.DelAngDt/dt, c.state.GyroBias))
	delVel = r3.Sub(imu.DelVel, r3.Scale(imu.DelVelDt/dt, c.state.AccelBias))
	return delAng, delVel
}

// updateStrapdown advances the state to the fusion horizon.
func (c *Core) updateStrapdown() {
	imu := c.imuDelayed
	imu.DelAngDt = math.Max(imu.DelAngDt, 1e-4)
	imu.DelVelDt = math.Max(imu.DelVelDt, 1e-4)
	delAng, delVel := c.correctedDeltas(imu)

	prevVel := c.state.Vel
	c.state = propagate(c.state, delAng, delVel, imu.DelVelDt, imu.DelAngDt)
	c.normalizeQuat()

	// filtered navigation acceleration, used to scale GPS noise
	velDot := r3.Scale(1/imu.DelVelDt, r3.Sub(c.state.Vel, prevVel))
	c.velDotNED = r3.Add(r3.Scale(0.95, c.velDotNED), r3.Scale(0.05, velDot))
	c.accNavMag = r3.Norm(c.velDotNED)
	c.accNavMagHorz = math.Hypot(c.velDotNED.X, c.velDotNED.Y)

	c.constrainStates()
}

// normalizeQuat renormalises the attitude, flagging a degenerate result.
func (c *Core) normalizeQuat() {
	q, ok := c.state.Quat.Normalized()
	if !ok {
		c.faults |= FaultBadQuaternion
		return
	}
	c.faults &^= FaultBadQuaternion
	c.state.Quat = q
}

// constrainStates keeps the states within physical limits.
func (c *Core) constrainStates() {
	dt := c.dtEkf()
	s := &c.state
	s.Vel = navmath.VecConstrain(s.Vel, 500)
	s.Pos.X = navmath.Constrain(s.Pos.X, -1e6, 1e6)
	s.Pos.Y = navmath.Constrain(s.Pos.Y, -1e6, 1e6)
	s.Pos.Z = navmath.Constrain(s.Pos.Z, -4e4, 1e4)
	s.GyroBias = navmath.VecConstrain(s.GyroBias, 5*math.Pi/180*dt)
	s.AccelBias = navmath.VecConstrain(s.AccelBias, c.params.AccelBiasLim*dt)
	s.EarthMag = navmath.VecConstrain(s.EarthMag, 1)
	s.BodyMag = navmath.VecConstrain(s.BodyMag, 0.5)
	s.Wind[0] = navmath.Constrain(s.Wind[0], -100, 100)
	s.Wind[1] = navmath.Constrain(s.Wind[1], -100, 100)
}
