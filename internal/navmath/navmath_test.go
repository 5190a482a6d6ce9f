package navmath

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestEulerRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct{ roll, pitch, yaw float64 }{
		{0, 0, 0},
		{0.1, -0.2, 0.3},
		{-1.0, 0.5, -2.5},
		{0.3, 1.2, 3.0},
	}
	for _, c := range cases {
		q := FromEuler(c.roll, c.pitch, c.yaw)
		assert.InDelta(t, 1.0, q.Norm(), 1e-12)
		r, p, y := q.Euler()
		assert.InDelta(t, c.roll, r, 1e-9)
		assert.InDelta(t, c.pitch, p, 1e-9)
		assert.InDelta(t, c.yaw, y, 1e-9)
		assert.InDelta(t, c.yaw, q.Yaw(), 1e-9)
	}
}

func TestRotateMatchesQuaternionProduct(t *testing.T) {
	t.Parallel()
	q := FromEuler(0.2, -0.4, 1.1)
	v := r3.Vec{X: 1, Y: -2, Z: 0.5}
	pv := Quat{0, v.X, v.Y, v.Z}
	out := q.Mul(pv).Mul(q.Conj())
	got := q.Rotate(v)
	assert.InDelta(t, out[1], got.X, 1e-12)
	assert.InDelta(t, out[2], got.Y, 1e-12)
	assert.InDelta(t, out[3], got.Z, 1e-12)

	back := q.RotateInverse(got)
	assert.InDelta(t, v.X, back.X, 1e-12)
	assert.InDelta(t, v.Y, back.Y, 1e-12)
	assert.InDelta(t, v.Z, back.Z, 1e-12)
}

func TestAxisAngleRoundTrip(t *testing.T) {
	t.Parallel()
	for _, v := range []r3.Vec{{}, {X: 1e-14}, {X: 0.01, Y: -0.02, Z: 0.03}, {X: 2.5, Y: 0.1, Z: -0.3}} {
		q := FromAxisAngle(v)
		assert.InDelta(t, 1.0, q.Norm(), 1e-12)
		back := q.ToAxisAngle()
		assert.InDelta(t, v.X, back.X, 1e-9)
		assert.InDelta(t, v.Y, back.Y, 1e-9)
		assert.InDelta(t, v.Z, back.Z, 1e-9)
	}
}

func TestNormalizedRejectsDegenerate(t *testing.T) {
	t.Parallel()
	_, ok := Quat{}.Normalized()
	assert.False(t, ok)
	_, ok = Quat{math.NaN(), 0, 0, 0}.Normalized()
	assert.False(t, ok)
	q, ok := Quat{2, 0, 0, 0}.Normalized()
	require.True(t, ok)
	assert.Equal(t, Identity(), q)
}

func TestWithYawPreservesTilt(t *testing.T) {
	t.Parallel()
	q := FromEuler(0.1, 0.2, 0.3)
	r0, p0, _ := q.Euler()
	q2 := q.WithYaw(-2.0)
	r, p, y := q2.Euler()
	assert.InDelta(t, r0, r, 1e-9)
	assert.InDelta(t, p0, p, 1e-9)
	assert.InDelta(t, -2.0, y, 1e-9)
}

func TestWrapPi(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 0.0, WrapPi(2*math.Pi), 1e-12)
	assert.InDelta(t, -math.Pi+0.1, WrapPi(math.Pi+0.1), 1e-12)
	assert.InDelta(t, math.Pi-0.1, WrapPi(-math.Pi-0.1), 1e-12)
	assert.InDelta(t, 0.5, WrapPi(0.5), 0)
	assert.InDelta(t, 0.1, Wrap2Pi(2*math.Pi+0.1), 1e-12)
}

func TestConstrain(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1.0, Constrain(5, 0, 1))
	assert.Equal(t, 0.0, Constrain(-5, 0, 1))
	assert.Equal(t, 0.0, Constrain(math.NaN(), 0, 1))
	assert.Equal(t, 0.5, Constrain(0.5, 0, 1))
}

// Analytic Jacobians are checked against central differences of the
// unnormalised quaternion functions.
func TestJacobiansAgainstFiniteDifference(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	settings := &fd.JacobianSettings{Formula: fd.Central}

	for i := 0; i < 20; i++ {
		q := FromEuler(rng.Float64()*2-1, rng.Float64()-0.5, rng.Float64()*6-3)
		a := r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}

		t.Run("rot", func(t *testing.T) {
			num := mat.NewDense(3, 4, nil)
			fd.Jacobian(num, func(y, x []float64) {
				v := Quat{x[0], x[1], x[2], x[3]}.DCM().MulVec(a)
				y[0], y[1], y[2] = v.X, v.Y, v.Z
			}, q.Vec(), settings)
			ana := DRotDq(q, a)
			for r := 0; r < 3; r++ {
				for c := 0; c < 4; c++ {
					assert.InDelta(t, num.At(r, c), ana[r][c], 1e-6)
				}
			}
		})

		t.Run("rotT", func(t *testing.T) {
			num := mat.NewDense(3, 4, nil)
			fd.Jacobian(num, func(y, x []float64) {
				v := Quat{x[0], x[1], x[2], x[3]}.DCM().MulVecT(a)
				y[0], y[1], y[2] = v.X, v.Y, v.Z
			}, q.Vec(), settings)
			ana := DRotTDq(q, a)
			for r := 0; r < 3; r++ {
				for c := 0; c < 4; c++ {
					assert.InDelta(t, num.At(r, c), ana[r][c], 1e-6)
				}
			}
		})

		t.Run("yaw", func(t *testing.T) {
			num := mat.NewDense(1, 4, nil)
			fd.Jacobian(num, func(y, x []float64) {
				y[0] = Quat{x[0], x[1], x[2], x[3]}.Yaw()
			}, q.Vec(), settings)
			ana, ok := YawJacobian(q)
			require.True(t, ok)
			for c := 0; c < 4; c++ {
				assert.InDelta(t, num.At(0, c), ana[c], 1e-6)
			}
		})
	}
}

func TestLeftRightMul(t *testing.T) {
	t.Parallel()
	p := FromEuler(0.3, 0.1, -0.7)
	r := FromEuler(-0.2, 0.4, 1.3)
	want := p.Mul(r)
	lm := LeftMul(p)
	rm := RightMul(r)
	for i := 0; i < 4; i++ {
		var viaL, viaR float64
		for j := 0; j < 4; j++ {
			viaL += lm[i][j] * r[j]
			viaR += rm[i][j] * p[j]
		}
		assert.InDelta(t, want[i], viaL, 1e-12)
		assert.InDelta(t, want[i], viaR, 1e-12)
	}
}

func TestDCMNormalize(t *testing.T) {
	t.Parallel()
	m := FromEuler(0.1, 0.2, 0.3).DCM()
	m[0][0] += 1e-3
	n := m.Normalize()
	prod := n.Mul(n.T())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, prod[i][j], 1e-5)
		}
	}
}
