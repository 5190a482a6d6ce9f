package ekf

import (
	"math"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// outputPredictor runs the strapdown at the full IMU rate on the current
// time horizon and is pulled toward the delayed filter solution.
type outputPredictor struct {
	new        OutputElement
	delayed    OutputElement
	angCorrEF  r3.Vec // earth-frame attitude correction rate, rad/s
	velErrInt  r3.Vec
	posErrInt  r3.Vec
	trackError r3.Vec // attitude, velocity, position tracking errors
}

func (o *outputPredictor) reset(s StateVector, nowMs uint32) {
	*o = outputPredictor{}
	o.new = OutputElement{TimeMs: nowMs, Quat: s.Quat, Vel: s.Vel, Pos: s.Pos}
	o.delayed = o.new
}

// calcOutputStates integrates the output solution with one full-rate IMU
// sample. On filter steps the new element is stored and corrections from
// the delayed solution are applied.
func (c *Core) calcOutputStates(imu IMUSample, filterStep bool) {
	o := &c.out
	delAng, delVel := c.correctedDeltas(imu)

	corr := navmath.FromAxisAngle(r3.Scale(imu.DelAngDt, o.angCorrEF))
	q := corr.Mul(o.new.Quat).Mul(navmath.FromAxisAngle(delAng))
	if qn, ok := q.Normalized(); ok {
		q = qn
	}
	dvNav := q.Rotate(delVel)
	dvNav.Z += navmath.Gravity * imu.DelVelDt
	vel := r3.Add(o.new.Vel, dvNav)
	pos := r3.Add(o.new.Pos, r3.Scale(0.5*imu.DelVelDt, r3.Add(o.new.Vel, vel)))
	o.new = OutputElement{TimeMs: imu.TimeMs, Quat: q, Vel: vel, Pos: pos}

	if filterStep {
		c.outputBuf.Push(o.new)
		c.correctOutputStates()
	}
}

// slewRate returns the yaw correction limit in rad/s, or 0 for none.
func (c *Core) slewRate() float64 {
	if c.params.SlewYawDeg <= 0 {
		return 0
	}
	return c.params.SlewYawDeg * 0.01 * math.Pi / 180
}

// correctOutputStates compares the delayed output with the filter state
// and feeds the error back into the output history.
func (c *Core) correctOutputStates() {
	o := &c.out
	o.delayed = c.outputBuf.Oldest()

	timeDelay := math.Max(1e-3*float64(c.nowMs-c.horizonMs()), c.down.dtIMUAvg)
	errGain := 0.5 / timeDelay

	angErr := c.state.Quat.Mul(o.delayed.Quat.Conj()).ToAxisAngle()
	rate := r3.Scale(errGain, angErr)
	if lim := c.slewRate(); lim > 0 {
		rate.Z = navmath.Constrain(rate.Z, -lim, lim)
	}
	o.angCorrEF = rate

	velErr := r3.Sub(c.state.Vel, o.delayed.Vel)
	posErr := r3.Sub(c.state.Pos, o.delayed.Pos)
	o.trackError = r3.Vec{X: r3.Norm(angErr), Y: r3.Norm(velErr), Z: r3.Norm(posErr)}

	dt := c.dtEkf()
	tau := navmath.Constrain(c.params.TauOutput, 0.1, 0.5)
	gain := dt / navmath.Constrain(tau, dt, 10)
	o.velErrInt = r3.Add(o.velErrInt, velErr)
	o.posErrInt = r3.Add(o.posErrInt, posErr)
	velCorr := r3.Add(r3.Scale(gain, velErr), r3.Scale(0.1*gain*gain, o.velErrInt))
	posCorr := r3.Add(r3.Scale(gain, posErr), r3.Scale(0.1*gain*gain, o.posErrInt))
	c.shiftOutput(velCorr, posCorr)
}

// shiftOutput adds velocity and position offsets to the whole output
// history.
func (c *Core) shiftOutput(dVel, dPos r3.Vec) {
	c.outputBuf.Update(func(e *OutputElement) {
		e.Vel = r3.Add(e.Vel, dVel)
		e.Pos = r3.Add(e.Pos, dPos)
	})
	c.out.new.Vel = r3.Add(c.out.new.Vel, dVel)
	c.out.new.Pos = r3.Add(c.out.new.Pos, dPos)
	c.out.delayed.Vel = r3.Add(c.out.delayed.Vel, dVel)
	c.out.delayed.Pos = r3.Add(c.out.delayed.Pos, dPos)
}

// rotateOutputYaw applies a yaw step to the output history. With a slew
// limit configured the step is left to the tracking loop instead.
func (c *Core) rotateOutputYaw(dYaw float64) {
	if c.slewRate() > 0 {
		return
	}
	dq := navmath.FromAxisAngle(r3.Vec{Z: dYaw})
	rot := func(e *OutputElement) {
		if q, ok := dq.Mul(e.Quat).Normalized(); ok {
			e.Quat = q
		}
	}
	c.outputBuf.Update(rot)
	rot(&c.out.new)
	rot(&c.out.delayed)
}

// resetOutputIntegrals clears the PI integrators after a state reset so
// the old error does not wind back in.
func (c *Core) resetOutputIntegrals(vel, pos bool) {
	if vel {
		c.out.velErrInt = r3.Vec{}
	}
	if pos {
		c.out.posErrInt = r3.Vec{}
	}
}

// OutputTrackingError returns the attitude (rad), velocity (m/s) and
// position (m) differences between the delayed output and the filter.
func (c *Core) OutputTrackingError() r3.Vec { return c.out.trackError }
