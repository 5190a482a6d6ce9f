package ekf

import (
	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// NumStates is the length of the filter state vector.
const NumStates = 24

// Flat indices of the state vector, used for covariance rows and columns.
const (
	IdxQuat      = 0
	IdxVel       = 4
	IdxPos       = 7
	IdxGyroBias  = 10
	IdxAccelBias = 13
	IdxEarthMag  = 16
	IdxBodyMag   = 19
	IdxWind      = 22
)

// StateVector is the filter state at the fusion horizon.
type StateVector struct {
	Quat      navmath.Quat // body→NED
	Vel       r3.Vec       // NED m/s
	Pos       r3.Vec       // NED m from origin
	GyroBias  r3.Vec       // rad per nominal filter step
	AccelBias r3.Vec       // m/s per nominal filter step
	EarthMag  r3.Vec       // Gauss, NED
	BodyMag   r3.Vec       // Gauss, body
	Wind      [2]float64   // N, E m/s
}

// ToVector copies the state into a flat array.
func (s StateVector) ToVector() [NumStates]float64 {
	var x [NumStates]float64
	copy(x[IdxQuat:], s.Quat[:])
	putVec(x[:], IdxVel, s.Vel)
	putVec(x[:], IdxPos, s.Pos)
	putVec(x[:], IdxGyroBias, s.GyroBias)
	putVec(x[:], IdxAccelBias, s.AccelBias)
	putVec(x[:], IdxEarthMag, s.EarthMag)
	putVec(x[:], IdxBodyMag, s.BodyMag)
	x[IdxWind] = s.Wind[0]
	x[IdxWind+1] = s.Wind[1]
	return x
}

// FromVector builds a state from a flat array.
func FromVector(x [NumStates]float64) StateVector {
	var s StateVector
	copy(s.Quat[:], x[IdxQuat:IdxQuat+4])
	s.Vel = getVec(x[:], IdxVel)
	s.Pos = getVec(x[:], IdxPos)
	s.GyroBias = getVec(x[:], IdxGyroBias)
	s.AccelBias = getVec(x[:], IdxAccelBias)
	s.EarthMag = getVec(x[:], IdxEarthMag)
	s.BodyMag = getVec(x[:], IdxBodyMag)
	s.Wind = [2]float64{x[IdxWind], x[IdxWind+1]}
	return s
}

// Finite reports whether no state is NaN or infinite.
func (s StateVector) Finite() bool {
	x := s.ToVector()
	return navmath.IsFinite(x[:]...)
}

func putVec(x []float64, i int, v r3.Vec) {
	x[i], x[i+1], x[i+2] = v.X, v.Y, v.Z
}

func getVec(x []float64, i int) r3.Vec {
	return r3.Vec{X: x[i], Y: x[i+1], Z: x[i+2]}
}

// stateGroup names a contiguous block of states with common limits.
type stateGroup struct {
	name   string
	lo, hi int // [lo, hi)
}

var stateGroups = []stateGroup{
	{"quat", IdxQuat, IdxVel},
	{"vel", IdxVel, IdxPos},
	{"pos", IdxPos, IdxGyroBias},
	{"gyro_bias", IdxGyroBias, IdxAccelBias},
	{"accel_bias", IdxAccelBias, IdxEarthMag},
	{"earth_mag", IdxEarthMag, IdxBodyMag},
	{"body_mag", IdxBodyMag, IdxWind},
	{"wind", IdxWind, NumStates},
}
