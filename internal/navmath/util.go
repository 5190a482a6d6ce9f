package navmath

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Gravity is the standard gravitational acceleration (m/s²).
const Gravity = 9.80665

// Sq returns x squared.
func Sq(x float64) float64 {
	return x * x
}

// Constrain clamps v into [lo, hi]. NaN inputs return lo.
func Constrain(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// WrapPi wraps an angle into [-π, π].
func WrapPi(a float64) float64 {
	if a > math.Pi || a < -math.Pi {
		a = math.Mod(a+math.Pi, 2*math.Pi)
		if a < 0 {
			a += 2 * math.Pi
		}
		a -= math.Pi
	}
	return a
}

// Wrap2Pi wraps an angle into [0, 2π).
func Wrap2Pi(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a
}

// IsFinite reports whether every argument is neither NaN nor ±Inf.
func IsFinite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// VecFinite reports whether all components of v are finite.
func VecFinite(v r3.Vec) bool {
	return IsFinite(v.X, v.Y, v.Z)
}

// VecLerp linearly interpolates between a and b, t in [0, 1].
func VecLerp(a, b r3.Vec, t float64) r3.Vec {
	return r3.Add(a, r3.Scale(t, r3.Sub(b, a)))
}

// VecAt returns component i (0=X, 1=Y, 2=Z) of v.
func VecAt(v r3.Vec, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// VecConstrain clamps each component of v into [-limit, limit].
func VecConstrain(v r3.Vec, limit float64) r3.Vec {
	return r3.Vec{
		X: Constrain(v.X, -limit, limit),
		Y: Constrain(v.Y, -limit, limit),
		Z: Constrain(v.Z, -limit, limit),
	}
}
