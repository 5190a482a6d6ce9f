package navmath

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Quat is an attitude quaternion stored as [q0 q1 q2 q3] with q0 the
// scalar part. It rotates vectors from the body frame into the NED frame.
type Quat [4]float64

// Identity returns the zero-rotation quaternion.
func Identity() Quat {
	return Quat{1, 0, 0, 0}
}

// FromNumber converts a gonum quaternion.
func FromNumber(n quat.Number) Quat {
	return Quat{n.Real, n.Imag, n.Jmag, n.Kmag}
}

// Number converts to a gonum quaternion.
func (q Quat) Number() quat.Number {
	return quat.Number{Real: q[0], Imag: q[1], Jmag: q[2], Kmag: q[3]}
}

// Mul returns the Hamilton product q⊗r.
func (q Quat) Mul(r Quat) Quat {
	return FromNumber(quat.Mul(q.Number(), r.Number()))
}

// Conj returns the conjugate (inverse for a unit quaternion).
func (q Quat) Conj() Quat {
	return FromNumber(quat.Conj(q.Number()))
}

// Norm returns |q|.
func (q Quat) Norm() float64 {
	return quat.Abs(q.Number())
}

// Finite reports whether every element is finite.
func (q Quat) Finite() bool {
	return IsFinite(q[0], q[1], q[2], q[3])
}

// Normalized returns q scaled to unit length. The second return is false
// when q has zero or non-finite length, in which case q is returned as is.
func (q Quat) Normalized() (Quat, bool) {
	n := q.Norm()
	if n < 1e-12 || !IsFinite(n) {
		return q, false
	}
	return FromNumber(quat.Scale(1/n, q.Number())), true
}

// FromAxisAngle builds the exact rotation described by a rotation vector
// (axis scaled by angle in radians).
func FromAxisAngle(v r3.Vec) Quat {
	theta := r3.Norm(v)
	if theta < 1e-12 {
		// second order small-angle form keeps the result unit length
		return Quat{1 - theta*theta/8, 0.5 * v.X, 0.5 * v.Y, 0.5 * v.Z}
	}
	s := math.Sin(0.5*theta) / theta
	return Quat{math.Cos(0.5 * theta), v.X * s, v.Y * s, v.Z * s}
}

// ToAxisAngle returns the rotation vector equivalent of q, taking the
// short way round.
func (q Quat) ToAxisAngle() r3.Vec {
	if q[0] < 0 {
		q = Quat{-q[0], -q[1], -q[2], -q[3]}
	}
	l := math.Sqrt(q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if l < 1e-12 {
		return r3.Vec{X: 2 * q[1], Y: 2 * q[2], Z: 2 * q[3]}
	}
	angle := 2 * math.Atan2(l, q[0])
	s := angle / l
	return r3.Vec{X: q[1] * s, Y: q[2] * s, Z: q[3] * s}
}

// FromEuler builds a quaternion from 3-2-1 Euler angles (radians).
func FromEuler(roll, pitch, yaw float64) Quat {
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	return Quat{
		cr*cp*cy + sr*sp*sy,
		sr*cp*cy - cr*sp*sy,
		cr*sp*cy + sr*cp*sy,
		cr*cp*sy - sr*sp*cy,
	}
}

// Euler returns 3-2-1 Euler angles (radians).
func (q Quat) Euler() (roll, pitch, yaw float64) {
	return eulerFromDCM(q.DCM())
}

func eulerFromDCM(m DCM) (roll, pitch, yaw float64) {
	roll = math.Atan2(m[2][1], m[2][2])
	pitch = -math.Asin(Constrain(m[2][0], -1, 1))
	yaw = math.Atan2(m[1][0], m[0][0])
	return roll, pitch, yaw
}

// Yaw returns the 3-2-1 yaw angle.
func (q Quat) Yaw() float64 {
	t1 := 2 * (q[0]*q[3] + q[1]*q[2])
	t2 := 1 - 2*(q[2]*q[2]+q[3]*q[3])
	return math.Atan2(t1, t2)
}

// DCM returns the body→NED rotation matrix.
func (q Quat) DCM() DCM {
	q0, q1, q2, q3 := q[0], q[1], q[2], q[3]
	q00, q11, q22, q33 := q0*q0, q1*q1, q2*q2, q3*q3
	return DCM{
		{q00 + q11 - q22 - q33, 2 * (q1*q2 - q0*q3), 2 * (q1*q3 + q0*q2)},
		{2 * (q1*q2 + q0*q3), q00 - q11 + q22 - q33, 2 * (q2*q3 - q0*q1)},
		{2 * (q1*q3 - q0*q2), 2 * (q2*q3 + q0*q1), q00 - q11 - q22 + q33},
	}
}

// Rotate maps a body-frame vector into NED.
func (q Quat) Rotate(v r3.Vec) r3.Vec {
	return q.DCM().MulVec(v)
}

// RotateInverse maps a NED vector into the body frame.
func (q Quat) RotateInverse(v r3.Vec) r3.Vec {
	return q.DCM().MulVecT(v)
}

// WithYaw returns a quaternion with the roll and pitch of q and the given
// yaw. The rotation order matches Euler.
func (q Quat) WithYaw(yaw float64) Quat {
	roll, pitch, _ := q.Euler()
	return FromEuler(roll, pitch, yaw)
}

// Vec returns q as a slice for flat-array use.
func (q Quat) Vec() []float64 {
	return []float64{q[0], q[1], q[2], q[3]}
}
