package compasscal

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/navmath"
)

// badOrientationRatio is how much more consistent the best candidate
// mounting must make the earth-frame field than the configured one before
// the configured mounting is declared wrong.
const badOrientationRatio = 4.0

// axisRotations returns the 24 proper rotations that map the body axes
// onto signed body axes. Index 0 is the identity.
func axisRotations() []navmath.DCM {
	perms := [][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	var out []navmath.DCM
	for _, pm := range perms {
		for signs := 0; signs < 8; signs++ {
			var m navmath.DCM
			for row := 0; row < 3; row++ {
				s := 1.0
				if signs&(1<<row) != 0 {
					s = -1
				}
				m[row][pm[row]] = s
			}
			if mat.Det(mat.NewDense(3, 3, []float64{
				m[0][0], m[0][1], m[0][2],
				m[1][0], m[1][1], m[1][2],
				m[2][0], m[2][1], m[2][2],
			})) < 0 {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

// earthFieldSpread is the mean squared deviation of the corrected field
// rotated into the earth frame, for the sensor mounted at rot.
func earthFieldSpread(p Params, samples []sample, rot navmath.DCM) float64 {
	ef := make([]r3.Vec, 0, len(samples))
	var mean r3.Vec
	for _, s := range samples {
		if !s.hasAtt {
			continue
		}
		v := s.att.Rotate(rot.MulVec(p.correct(s.field)))
		ef = append(ef, v)
		mean = r3.Add(mean, v)
	}
	if len(ef) == 0 {
		return 0
	}
	mean = r3.Scale(1/float64(len(ef)), mean)
	var sum float64
	for _, v := range ef {
		d := r3.Sub(v, mean)
		sum += r3.Dot(d, d)
	}
	return sum / float64(len(ef))
}

// checkOrientation finds the axis rotation under which the earth-frame
// field is most consistent. It returns the index into axisRotations and
// whether the identity mounting is acceptable. Fewer than half the
// samples carrying attitude skips the check.
func checkOrientation(p Params, samples []sample) (best int, ok bool) {
	withAtt := 0
	for _, s := range samples {
		if s.hasAtt {
			withAtt++
		}
	}
	if withAtt*2 < len(samples) {
		return 0, true
	}
	rots := axisRotations()
	spreads := make([]float64, len(rots))
	for i, r := range rots {
		spreads[i] = earthFieldSpread(p, samples, r)
		if spreads[i] < spreads[best] {
			best = i
		}
	}
	if best == 0 || spreads[0] <= badOrientationRatio*spreads[best] {
		return 0, true
	}
	return best, false
}
