package navmath

import "gonum.org/v1/gonum/spatial/r3"

// DCM is a 3x3 direction cosine matrix stored row-major.
type DCM [3][3]float64

// IdentityDCM returns the identity rotation.
func IdentityDCM() DCM {
	return DCM{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// MulVec returns m·v.
func (m DCM) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// MulVecT returns mᵀ·v.
func (m DCM) MulVecT(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0][0]*v.X + m[1][0]*v.Y + m[2][0]*v.Z,
		Y: m[0][1]*v.X + m[1][1]*v.Y + m[2][1]*v.Z,
		Z: m[0][2]*v.X + m[1][2]*v.Y + m[2][2]*v.Z,
	}
}

// Mul returns m·n.
func (m DCM) Mul(n DCM) DCM {
	var out DCM
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][0]*n[0][j] + m[i][1]*n[1][j] + m[i][2]*n[2][j]
		}
	}
	return out
}

// T returns the transpose.
func (m DCM) T() DCM {
	var out DCM
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// Row returns row i as a vector.
func (m DCM) Row(i int) r3.Vec {
	return r3.Vec{X: m[i][0], Y: m[i][1], Z: m[i][2]}
}

// Euler321 extracts roll, pitch and yaw (radians) from a body→NED DCM.
func (m DCM) Euler321() (roll, pitch, yaw float64) {
	return eulerFromDCM(m)
}

// RotateSmall applies a small body-frame rotation vector to the DCM using
// a first-order update followed by re-orthonormalisation.
func (m DCM) RotateSmall(theta r3.Vec) DCM {
	delta := DCM{
		{1, -theta.Z, theta.Y},
		{theta.Z, 1, -theta.X},
		{-theta.Y, theta.X, 1},
	}
	return m.Mul(delta).Normalize()
}

// Normalize re-orthonormalises the matrix by splitting the orthogonality
// error between the first two rows and rebuilding the third.
func (m DCM) Normalize() DCM {
	x := m.Row(0)
	y := m.Row(1)
	e := r3.Dot(x, y)
	x2 := r3.Sub(x, r3.Scale(0.5*e, y))
	y2 := r3.Sub(y, r3.Scale(0.5*e, x))
	z2 := r3.Cross(x2, y2)
	x2 = r3.Scale(0.5*(3-r3.Dot(x2, x2)), x2)
	y2 = r3.Scale(0.5*(3-r3.Dot(y2, y2)), y2)
	z2 = r3.Scale(0.5*(3-r3.Dot(z2, z2)), z2)
	return DCM{
		{x2.X, x2.Y, x2.Z},
		{y2.X, y2.Y, y2.Z},
		{z2.X, z2.Y, z2.Z},
	}
}
