package ekf

import (
	"math"
	"testing"

	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestStateVectorRoundTrip(t *testing.T) {
	t.Parallel()
	s := StateVector{
		Quat:      navmath.FromEuler(0.1, -0.2, 2.5),
		Vel:       r3.Vec{X: 1, Y: 2, Z: 3},
		Pos:       r3.Vec{X: -4, Y: 5, Z: -6},
		GyroBias:  r3.Vec{X: 1e-5, Y: -2e-5, Z: 3e-5},
		AccelBias: r3.Vec{X: 1e-3, Y: 2e-3, Z: -3e-3},
		EarthMag:  r3.Vec{X: 0.2, Y: 0.01, Z: -0.5},
		BodyMag:   r3.Vec{X: 0.02, Y: -0.03, Z: 0.04},
		Wind:      [2]float64{3, -4},
	}
	got := FromVector(s.ToVector())
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStateIndexMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		set  func(*StateVector)
		idx  int
	}{
		{"quat w", func(s *StateVector) { s.Quat[0] = 7 }, IdxQuat},
		{"vel down", func(s *StateVector) { s.Vel.Z = 7 }, IdxVel + 2},
		{"pos east", func(s *StateVector) { s.Pos.Y = 7 }, IdxPos + 1},
		{"gyro bias x", func(s *StateVector) { s.GyroBias.X = 7 }, IdxGyroBias},
		{"accel bias z", func(s *StateVector) { s.AccelBias.Z = 7 }, IdxAccelBias + 2},
		{"earth mag y", func(s *StateVector) { s.EarthMag.Y = 7 }, IdxEarthMag + 1},
		{"body mag z", func(s *StateVector) { s.BodyMag.Z = 7 }, IdxBodyMag + 2},
		{"wind east", func(s *StateVector) { s.Wind[1] = 7 }, IdxWind + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s StateVector
			tt.set(&s)
			x := s.ToVector()
			for i, v := range x {
				if i == tt.idx {
					assert.Equal(t, 7.0, v)
				} else {
					assert.Zero(t, v, "index %d", i)
				}
			}
		})
	}
}

func TestStateGroupsTileVector(t *testing.T) {
	t.Parallel()
	next := 0
	for _, g := range stateGroups {
		assert.Equal(t, next, g.lo, g.name)
		assert.Greater(t, g.hi, g.lo, g.name)
		next = g.hi
	}
	assert.Equal(t, NumStates, next)
}

func TestStateFinite(t *testing.T) {
	t.Parallel()
	s := StateVector{Quat: navmath.Identity()}
	assert.True(t, s.Finite())
	s.Wind[0] = math.Inf(1)
	assert.False(t, s.Finite())
	s.Wind[0] = 0
	s.BodyMag.Y = math.NaN()
	assert.False(t, s.Finite())
}
