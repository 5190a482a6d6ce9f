package ekf

import (
	"math"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// extNavState tracks external navigation and odometry use.
type extNavState struct {
	lastPosFuseMs  uint32
	lastDataMs     uint32
	lastVelFuseMs  uint32
	lastOdomFuseMs uint32
	lastOdomDataMs uint32
	yawUsed        bool
}

// extNavReady reports whether external navigation can serve as the
// absolute source.
func (c *Core) extNavReady() bool {
	e := &c.extNav
	return e.lastDataMs != 0 && c.horizonMs()-e.lastDataMs < extNavTimeoutMs
}

// odomReady reports whether body odometry can provide relative aiding.
func (c *Core) odomReady() bool {
	e := &c.extNav
	return e.lastOdomDataMs != 0 && c.horizonMs()-e.lastOdomDataMs < extNavTimeoutMs
}

// compassInUse reports whether the compass is the heading source.
func (c *Core) compassInUse() bool {
	return c.mag.haveSample && c.horizonMs()-c.mag.lastSample.TimeMs < magFailTimeMs && !c.magTimeout
}

// selectExtNavFusion fuses external navigation position, heading and
// velocity.
func (c *Core) selectExtNavFusion() {
	p := c.params
	e := &c.extNav
	t := c.horizonMs()
	if s, ok := recall(c, StreamExtNav, c.extNavBuf); ok {
		c.step.extNav, c.step.haveExtNav = s, true
		e.lastDataMs = t

		yawFused := false
		if !c.compassInUse() && c.tiltAligned {
			yawVar := navmath.Sq(math.Max(s.AngErr, 0.05))
			if !c.yawAligned {
				c.resetQuatYaw(s.Quat.Yaw(), yawVar, "external nav")
			} else {
				_, yawFused = c.fuseEulerYaw(s.Quat.Yaw(), yawVar, p.ExtNavGate)
			}
			e.yawUsed = true
		}

		if c.aidMode == AidAbsolute && c.posSource == srcExtNav {
			if s.PosReset {
				c.resetPositionNE(s.Pos.X, s.Pos.Y, navmath.Sq(math.Max(s.PosErr, 0.01)))
			}
			r := navmath.Sq(math.Max(s.PosErr, 0.01))
			obs := []scalarObs{
				c.directObs(IdxPos, s.Pos.X, r),
				c.directObs(IdxPos+1, s.Pos.Y, r),
			}
			ratio, innov, _, fused := c.fuseGroup(obs, math.Max(p.ExtNavGate, 1))
			c.innov.ExtNavPos = [2]float64{innov[0], innov[1]}
			c.ratios.ExtNav = ratio
			if fused {
				e.lastPosFuseMs = t
				c.lastPosPassMs = t
				c.lastAidedMs = t
				c.lastAbsAidedMs = t
			}
			finish(c, StreamExtNav, c.extNavBuf, fused || yawFused, ratio)
		} else {
			finish(c, StreamExtNav, c.extNavBuf, yawFused, c.ratios.Yaw)
		}
	}

	if s, ok := recall(c, StreamExtNavVel, c.extNavVelBuf); ok {
		if c.aidMode == AidNone {
			skip(c, StreamExtNavVel, c.extNavVelBuf)
		} else {
			r := navmath.Sq(math.Max(s.Err, 0.05))
			obs := []scalarObs{
				c.directObs(IdxVel, s.Vel.X, r),
				c.directObs(IdxVel+1, s.Vel.Y, r),
				c.directObs(IdxVel+2, s.Vel.Z, r),
			}
			ratio, innov, _, fused := c.fuseGroup(obs, math.Max(p.ExtNavGate, 1))
			c.innov.ExtNavVel = r3.Vec{X: innov[0], Y: innov[1], Z: innov[2]}
			if fused {
				e.lastVelFuseMs = t
				c.lastVelPassMs = t
				c.lastAidedMs = t
				c.lastAbsAidedMs = t
			}
			finish(c, StreamExtNavVel, c.extNavVelBuf, fused, ratio)
		}
	}
}

// selectBodyOdomFusion fuses body-frame velocity from odometry.
func (c *Core) selectBodyOdomFusion() {
	s, ok := recall(c, StreamBodyOdom, c.odomBuf)
	if !ok {
		return
	}
	e := &c.extNav
	t := c.horizonMs()
	e.lastOdomDataMs = t
	if s.Quality <= 0 || c.aidMode == AidNone || !c.tiltAligned {
		skip(c, StreamBodyOdom, c.odomBuf)
		return
	}
	vel := s.Vel()
	r := navmath.Sq(math.Max(s.VelErr, 0.05))
	meas := [3]float64{vel.X, vel.Y, vel.Z}
	obs := make([]scalarObs, 3)
	for i := 0; i < 3; i++ {
		axis := i
		obs[i] = scalarObs{meas: meas[axis], r: r, predict: func(h *obsRow) float64 {
			c.groundVelBodyRow(h, axis)
			return navmath.VecAt(c.state.Quat.RotateInverse(c.state.Vel), axis)
		}}
	}
	ratio, innov, _, fused := c.fuseGroup(obs, math.Max(c.params.OdomGate, 1))
	c.innov.BodyVel = r3.Vec{X: innov[0], Y: innov[1], Z: innov[2]}
	c.ratios.Odom = ratio
	if fused {
		e.lastOdomFuseMs = t
		c.lastVelPassMs = t
		c.lastAidedMs = t
	}
	finish(c, StreamBodyOdom, c.odomBuf, fused, ratio)
}
