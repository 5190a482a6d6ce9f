package ekf

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Covariance is the state covariance matrix. The symmetric storage keeps
// only the upper triangle, so every write to (i,j) is also (j,i).
type Covariance struct {
	P *mat.SymDense

	fp   *mat.Dense // scratch for F·P
	fpft *mat.Dense // scratch for F·P·Fᵀ
}

// NewCovariance returns a zero covariance.
func NewCovariance() *Covariance {
	return &Covariance{
		P:    mat.NewSymDense(NumStates, nil),
		fp:   mat.NewDense(NumStates, NumStates, nil),
		fpft: mat.NewDense(NumStates, NumStates, nil),
	}
}

// At returns P[i][j].
func (c *Covariance) At(i, j int) float64 { return c.P.At(i, j) }

// Set writes P[i][j] and P[j][i].
func (c *Covariance) Set(i, j int, v float64) { c.P.SetSym(i, j, v) }

// Zero clears the whole matrix.
func (c *Covariance) Zero() { c.P.Zero() }

// Clone returns an independent copy.
func (c *Covariance) Clone() *Covariance {
	out := NewCovariance()
	out.P.CopySym(c.P)
	return out
}

// Predict computes P = F·P·Fᵀ + Q. The product is formed in dense storage
// and the upper triangle of its symmetric part is written back.
func (c *Covariance) Predict(F *mat.Dense, Q *mat.SymDense) {
	c.fp.Mul(F, c.P)
	c.fpft.Mul(c.fp, F.T())
	c.symmetrizeFrom(c.fpft, Q)
}

func (c *Covariance) symmetrizeFrom(d *mat.Dense, add *mat.SymDense) {
	for i := 0; i < NumStates; i++ {
		for j := i; j < NumStates; j++ {
			v := 0.5 * (d.At(i, j) + d.At(j, i))
			if add != nil {
				v += add.At(i, j)
			}
			c.P.SetSym(i, j, v)
		}
	}
}

// ScalarUpdate applies P = P - PHt·PHtᵀ/S for a scalar measurement.
func (c *Covariance) ScalarUpdate(pht []float64, s float64) {
	c.P.SymRankOne(c.P, -1/s, mat.NewVecDense(NumStates, pht))
}

// MulVec returns P·h.
func (c *Covariance) MulVec(h []float64) []float64 {
	out := mat.NewVecDense(NumStates, nil)
	out.MulVec(c.P, mat.NewVecDense(NumStates, h))
	return out.RawVector().Data
}

// ZeroRowsCols clears rows and columns [lo, hi).
func (c *Covariance) ZeroRowsCols(lo, hi int) {
	for i := lo; i < hi; i++ {
		for j := 0; j < NumStates; j++ {
			c.P.SetSym(i, j, 0)
		}
	}
}

// varianceLimit bounds one state's variance.
type varianceLimit struct {
	min, max float64
}

// ConstrainVariances clamps each active diagonal element into its limits.
// A variance below its floor also loses its cross-covariances, which
// would otherwise be inconsistent with the raised variance. Inactive
// states are left at zero. It returns the number of elements touched.
func (c *Covariance) ConstrainVariances(limits *[NumStates]varianceLimit, active *[NumStates]bool) int {
	n := 0
	for i := 0; i < NumStates; i++ {
		if !active[i] {
			continue
		}
		v := c.P.At(i, i)
		switch {
		case v < limits[i].min || math.IsNaN(v):
			for j := 0; j < NumStates; j++ {
				c.P.SetSym(i, j, 0)
			}
			c.P.SetSym(i, i, limits[i].min)
			n++
		case v > limits[i].max:
			// scale the row so correlations are preserved
			scale := math.Sqrt(limits[i].max / v)
			for j := 0; j < NumStates; j++ {
				if j != i {
					c.P.SetSym(i, j, c.P.At(i, j)*scale)
				}
			}
			c.P.SetSym(i, i, limits[i].max)
			n++
		}
	}
	return n
}

// MaxAsymmetry returns max |P[i][j] - P[j][i]|.
func (c *Covariance) MaxAsymmetry() float64 {
	worst := 0.0
	for i := 0; i < NumStates; i++ {
		for j := i + 1; j < NumStates; j++ {
			if d := math.Abs(c.P.At(i, j) - c.P.At(j, i)); d > worst {
				worst = d
			}
		}
	}
	return worst
}

// Finite reports whether every element is finite.
func (c *Covariance) Finite() bool {
	for i := 0; i < NumStates; i++ {
		for j := i; j < NumStates; j++ {
			v := c.P.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Diag returns the diagonal.
func (c *Covariance) Diag() [NumStates]float64 {
	var d [NumStates]float64
	for i := range d {
		d[i] = c.P.At(i, i)
	}
	return d
}
