package compasscal

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// lmDamping is the factor between the aggressive and conservative
	// damping candidates, and the step used to adapt lambda.
	lmDamping = 10.0

	sphereParams    = 4
	ellipsoidParams = 9
)

// Params is the fitted field model. A raw sample s maps onto the sphere
// of Radius by SoftIron·(s + Offset).
type Params struct {
	Radius  float64
	Offset  r3.Vec
	Diag    r3.Vec
	OffDiag r3.Vec // xy, xz, yz
	// ScaleFactor rescales the fitted radius to the expected field
	// strength. It is 1 when no expectation was configured.
	ScaleFactor float64
}

func initialParams() Params {
	return Params{Radius: 200, Diag: r3.Vec{X: 1, Y: 1, Z: 1}, ScaleFactor: 1}
}

// correct applies the soft and hard iron model to a raw sample.
func (p Params) correct(s r3.Vec) r3.Vec {
	v := r3.Add(s, p.Offset)
	return r3.Vec{
		X: p.Diag.X*v.X + p.OffDiag.X*v.Y + p.OffDiag.Y*v.Z,
		Y: p.OffDiag.X*v.X + p.Diag.Y*v.Y + p.OffDiag.Z*v.Z,
		Z: p.OffDiag.Y*v.X + p.OffDiag.Z*v.Y + p.Diag.Z*v.Z,
	}
}

func (p Params) residual(s r3.Vec) float64 {
	return p.Radius - r3.Norm(p.correct(s))
}

// meanSquaredResiduals is the fitness of p over samples. An empty set is
// treated as maximally unfit.
func meanSquaredResiduals(p Params, samples []sample) float64 {
	if len(samples) == 0 {
		return 1e30
	}
	var sum float64
	for _, s := range samples {
		r := p.residual(s.field)
		sum += r * r
	}
	return sum / float64(len(samples))
}

// sphereJacobian fills d(residual)/d(radius, offset).
func sphereJacobian(p Params, s r3.Vec, jac []float64) {
	c := p.correct(s)
	l := r3.Norm(c)
	jac[0] = 1
	jac[1] = -(p.Diag.X*c.X + p.OffDiag.X*c.Y + p.OffDiag.Y*c.Z) / l
	jac[2] = -(p.OffDiag.X*c.X + p.Diag.Y*c.Y + p.OffDiag.Z*c.Z) / l
	jac[3] = -(p.OffDiag.Y*c.X + p.OffDiag.Z*c.Y + p.Diag.Z*c.Z) / l
}

// ellipsoidJacobian fills d(residual)/d(offset, diag, offdiag).
func ellipsoidJacobian(p Params, s r3.Vec, jac []float64) {
	c := p.correct(s)
	l := r3.Norm(c)
	v := r3.Add(s, p.Offset)
	jac[0] = -(p.Diag.X*c.X + p.OffDiag.X*c.Y + p.OffDiag.Y*c.Z) / l
	jac[1] = -(p.OffDiag.X*c.X + p.Diag.Y*c.Y + p.OffDiag.Z*c.Z) / l
	jac[2] = -(p.OffDiag.Y*c.X + p.OffDiag.Z*c.Y + p.Diag.Z*c.Z) / l
	jac[3] = -v.X * c.X / l
	jac[4] = -v.Y * c.Y / l
	jac[5] = -v.Z * c.Z / l
	jac[6] = -(v.Y*c.X + v.X*c.Y) / l
	jac[7] = -(v.Z*c.X + v.X*c.Z) / l
	jac[8] = -(v.Z*c.Y + v.Y*c.Z) / l
}

func sphereVector(p Params) []float64 {
	return []float64{p.Radius, p.Offset.X, p.Offset.Y, p.Offset.Z}
}

func withSphereVector(p Params, x []float64) Params {
	p.Radius = x[0]
	p.Offset = r3.Vec{X: x[1], Y: x[2], Z: x[3]}
	return p
}

func ellipsoidVector(p Params) []float64 {
	return []float64{
		p.Offset.X, p.Offset.Y, p.Offset.Z,
		p.Diag.X, p.Diag.Y, p.Diag.Z,
		p.OffDiag.X, p.OffDiag.Y, p.OffDiag.Z,
	}
}

func withEllipsoidVector(p Params, x []float64) Params {
	p.Offset = r3.Vec{X: x[0], Y: x[1], Z: x[2]}
	p.Diag = r3.Vec{X: x[3], Y: x[4], Z: x[5]}
	p.OffDiag = r3.Vec{X: x[6], Y: x[7], Z: x[8]}
	return p
}

// lmProblem describes one of the two fits over the shared Params.
type lmProblem struct {
	n        int
	jacobian func(p Params, s r3.Vec, jac []float64)
	vector   func(p Params) []float64
	with     func(p Params, x []float64) Params
}

var (
	sphereFit = lmProblem{
		n: sphereParams, jacobian: sphereJacobian,
		vector: sphereVector, with: withSphereVector,
	}
	ellipsoidFit = lmProblem{
		n: ellipsoidParams, jacobian: ellipsoidJacobian,
		vector: ellipsoidVector, with: withEllipsoidVector,
	}
)

// lmStep runs one Levenberg-Marquardt iteration from p, whose fitness is
// fitness. Two candidates are solved, one damped by lambda and one by
// lambda/lmDamping; the better one is kept and lambda adapted. It
// returns the new parameters, their fitness and the new lambda. When
// neither candidate improves, p and fitness are returned unchanged.
func (lp lmProblem) step(p Params, fitness, lambda float64, samples []sample) (Params, float64, float64) {
	jtj := mat.NewSymDense(lp.n, nil)
	jtfi := mat.NewVecDense(lp.n, nil)
	jac := make([]float64, lp.n)
	jv := mat.NewVecDense(lp.n, jac)
	for _, s := range samples {
		lp.jacobian(p, s.field, jac)
		jtj.SymRankOne(jtj, 1, jv)
		jtfi.AddScaledVec(jtfi, p.residual(s.field), jv)
	}

	candidate := func(damp float64) (Params, float64, bool) {
		a := mat.NewSymDense(lp.n, nil)
		a.CopySym(jtj)
		for i := 0; i < lp.n; i++ {
			a.SetSym(i, i, a.At(i, i)+damp)
		}
		var chol mat.Cholesky
		if !chol.Factorize(a) {
			return p, math.Inf(1), false
		}
		var delta mat.VecDense
		if err := chol.SolveVecTo(&delta, jtfi); err != nil {
			return p, math.Inf(1), false
		}
		x := lp.vector(p)
		for i := range x {
			x[i] -= delta.AtVec(i)
		}
		q := lp.with(p, x)
		return q, meanSquaredResiduals(q, samples), true
	}

	p1, fit1, ok1 := candidate(lambda)
	p2, fit2, ok2 := candidate(lambda / lmDamping)
	if !ok1 && !ok2 {
		return p, fitness, lambda
	}

	best, bestFit := p, fitness
	switch {
	case fit1 > fitness && fit2 > fitness:
		lambda *= lmDamping
	case fit2 < fitness && fit2 < fit1:
		lambda /= lmDamping
		best, bestFit = p2, fit2
	case fit1 < fitness:
		best, bestFit = p1, fit1
	}
	if math.IsNaN(bestFit) || bestFit >= fitness {
		return p, fitness, lambda
	}
	return best, bestFit, lambda
}
