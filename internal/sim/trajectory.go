// Package sim generates deterministic vehicle trajectories and the sensor
// data a vehicle following them would produce.
package sim

import (
	"math"

	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// Truth is the vehicle state at one instant. Position is NED relative to
// the start point.
type Truth struct {
	Pos  r3.Vec
	Vel  r3.Vec
	Acc  r3.Vec // NED kinematic acceleration
	Att  navmath.Quat
	Rate r3.Vec // body angular rate
}

// Trajectory gives the truth at t seconds.
type Trajectory interface {
	At(t float64) Truth
}

// Stationary is a vehicle at rest with a fixed attitude.
type Stationary struct {
	Roll, Pitch, Yaw float64
}

// At implements Trajectory.
func (s Stationary) At(float64) Truth {
	return Truth{Att: navmath.FromEuler(s.Roll, s.Pitch, s.Yaw)}
}

// ConstantVelocity is level straight-line motion.
type ConstantVelocity struct {
	Vel r3.Vec
	Yaw float64
}

// At implements Trajectory.
func (c ConstantVelocity) At(t float64) Truth {
	return Truth{Pos: r3.Scale(t, c.Vel), Vel: c.Vel, Att: navmath.FromEuler(0, 0, c.Yaw)}
}

// Circle is a level constant-speed turn with the nose along the track.
type Circle struct {
	Radius float64
	Speed  float64
	Yaw0   float64
}

// At implements Trajectory.
func (c Circle) At(t float64) Truth {
	w := c.Speed / c.Radius
	yaw := c.Yaw0 + w*t
	vel := r3.Vec{X: c.Speed * math.Cos(yaw), Y: c.Speed * math.Sin(yaw)}
	// centre sits to the right of the initial heading
	centre := r3.Vec{X: -c.Radius * math.Sin(c.Yaw0), Y: c.Radius * math.Cos(c.Yaw0)}
	pos := r3.Vec{X: centre.X + c.Radius*math.Sin(yaw), Y: centre.Y - c.Radius*math.Cos(yaw)}
	acc := r3.Vec{X: -c.Speed * w * math.Sin(yaw), Y: c.Speed * w * math.Cos(yaw)}
	return Truth{
		Pos:  pos,
		Vel:  vel,
		Acc:  acc,
		Att:  navmath.FromEuler(0, 0, navmath.WrapPi(yaw)),
		Rate: r3.Vec{Z: w},
	}
}

// Takeoff sits on the ground until StartS, climbs vertically to Height
// over ClimbS, then accelerates north to Speed over RampS and holds it.
// Climb and ramp follow half-cosine profiles so velocity is continuous.
// The attitude holds Pitch throughout.
type Takeoff struct {
	StartS, ClimbS, Height float64
	RampS, Speed           float64
	Pitch                  float64
}

// At implements Trajectory.
func (k Takeoff) At(t float64) Truth {
	tr := Truth{Att: navmath.FromEuler(0, k.Pitch, 0)}
	tau := t - k.StartS
	if tau <= 0 {
		return tr
	}
	if tau < k.ClimbS {
		ph := math.Pi * tau / k.ClimbS
		tr.Pos.Z = -0.5 * k.Height * (1 - math.Cos(ph))
		tr.Vel.Z = -0.5 * k.Height * math.Pi / k.ClimbS * math.Sin(ph)
		tr.Acc.Z = -0.5 * k.Height * navmath.Sq(math.Pi/k.ClimbS) * math.Cos(ph)
		return tr
	}
	tr.Pos.Z = -k.Height
	sigma := tau - k.ClimbS
	switch {
	case k.Speed == 0:
	case sigma < k.RampS:
		ph := math.Pi * sigma / k.RampS
		tr.Pos.X = 0.5 * k.Speed * (sigma - k.RampS/math.Pi*math.Sin(ph))
		tr.Vel.X = 0.5 * k.Speed * (1 - math.Cos(ph))
		tr.Acc.X = 0.5 * k.Speed * math.Pi / k.RampS * math.Sin(ph)
	default:
		tr.Pos.X = k.Speed * (sigma - 0.5*k.RampS)
		tr.Vel.X = k.Speed
	}
	return tr
}

// Drift flies Air through an air mass moving at Wind, so the ground
// track is the air track carried downwind.
type Drift struct {
	Air  Trajectory
	Wind r3.Vec
}

// At implements Trajectory.
func (d Drift) At(t float64) Truth {
	tr := d.Air.At(t)
	tr.Pos = r3.Add(tr.Pos, r3.Scale(t, d.Wind))
	tr.Vel = r3.Add(tr.Vel, d.Wind)
	return tr
}
