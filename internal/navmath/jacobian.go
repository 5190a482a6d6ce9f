package navmath

import "gonum.org/v1/gonum/spatial/r3"

// DRotDq returns ∂(R(q)·a)/∂q as a 3x4 matrix, where R is the body→NED
// rotation of q.
func DRotDq(q Quat, a r3.Vec) [3][4]float64 {
	q0, q1, q2, q3 := q[0], q[1], q[2], q[3]
	ax, ay, az := a.X, a.Y, a.Z
	return [3][4]float64{
		{
			2 * (q0*ax - q3*ay + q2*az),
			2 * (q1*ax + q2*ay + q3*az),
			2 * (-q2*ax + q1*ay + q0*az),
			2 * (-q3*ax - q0*ay + q1*az),
		},
		{
			2 * (q3*ax + q0*ay - q1*az),
			2 * (q2*ax - q1*ay - q0*az),
			2 * (q1*ax + q2*ay + q3*az),
			2 * (q0*ax - q3*ay + q2*az),
		},
		{
			2 * (-q2*ax + q1*ay + q0*az),
			2 * (q3*ax + q0*ay - q1*az),
			2 * (-q0*ax + q3*ay - q2*az),
			2 * (q1*ax + q2*ay + q3*az),
		},
	}
}

// DRotTDq returns ∂(R(q)ᵀ·m)/∂q as a 3x4 matrix.
func DRotTDq(q Quat, m r3.Vec) [3][4]float64 {
	q0, q1, q2, q3 := q[0], q[1], q[2], q[3]
	mx, my, mz := m.X, m.Y, m.Z
	return [3][4]float64{
		{
			2 * (q0*mx + q3*my - q2*mz),
			2 * (q1*mx + q2*my + q3*mz),
			2 * (-q2*mx + q1*my - q0*mz),
			2 * (-q3*mx + q0*my + q1*mz),
		},
		{
			2 * (-q3*mx + q0*my + q1*mz),
			2 * (q2*mx - q1*my + q0*mz),
			2 * (q1*mx + q2*my + q3*mz),
			2 * (-q0*mx - q3*my + q2*mz),
		},
		{
			2 * (q2*mx - q1*my + q0*mz),
			2 * (q3*mx - q0*my - q1*mz),
			2 * (q0*mx + q3*my - q2*mz),
			2 * (q1*mx + q2*my + q3*mz),
		},
	}
}

// YawJacobian returns ∂yaw/∂q for the 3-2-1 yaw of q. It returns false
// when the yaw is undefined (pitch at ±90°).
func YawJacobian(q Quat) ([4]float64, bool) {
	q0, q1, q2, q3 := q[0], q[1], q[2], q[3]
	t1 := 2 * (q0*q3 + q1*q2)
	t2 := 1 - 2*(q2*q2+q3*q3)
	den := t1*t1 + t2*t2
	if den < 1e-10 {
		return [4]float64{}, false
	}
	dt1 := [4]float64{2 * q3, 2 * q2, 2 * q1, 2 * q0}
	dt2 := [4]float64{0, 0, -4 * q2, -4 * q3}
	var out [4]float64
	for i := range out {
		out[i] = (t2*dt1[i] - t1*dt2[i]) / den
	}
	return out, true
}

// RightMul returns the 4x4 matrix M(r) with q⊗r = M(r)·q.
func RightMul(r Quat) [4][4]float64 {
	r0, r1, r2, r3 := r[0], r[1], r[2], r[3]
	return [4][4]float64{
		{r0, -r1, -r2, -r3},
		{r1, r0, r3, -r2},
		{r2, -r3, r0, r1},
		{r3, r2, -r1, r0},
	}
}

// LeftMul returns the 4x4 matrix M(p) with p⊗q = M(p)·q.
func LeftMul(p Quat) [4][4]float64 {
	p0, p1, p2, p3 := p[0], p[1], p[2], p[3]
	return [4][4]float64{
		{p0, -p1, -p2, -p3},
		{p1, p0, -p3, p2},
		{p2, p3, p0, -p1},
		{p3, -p2, p1, p0},
	}
}
