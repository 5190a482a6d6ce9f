package compasscal

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/banshee-data/navekf/internal/timeutil"
)

// randomQuat draws a uniformly distributed attitude.
func randomQuat(rng *rand.Rand) navmath.Quat {
	for {
		q := navmath.Quat{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		if n, ok := q.Normalized(); ok {
			return n
		}
	}
}

// sphereCloud returns raw readings whose corrected values, raw + offset,
// lie on a sphere of the given radius.
func sphereCloud(n int, radius float64, offset r3.Vec, seed uint64) []r3.Vec {
	rng := rand.New(rand.NewPCG(seed, 7))
	out := make([]r3.Vec, n)
	for i := range out {
		d := r3.Unit(r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()})
		out[i] = r3.Sub(r3.Scale(radius, d), offset)
	}
	return out
}

func newCal(t *testing.T) (*Calibrator, *timeutil.MockClock) {
	t.Helper()
	clk := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	return New(clk, 42), clk
}

// feed offers samples with an Update after each, until the calibrator
// stops running or the samples run out.
func feed(c *Calibrator, pts []r3.Vec) {
	for _, p := range pts {
		c.NewSample(p)
		c.Update()
		if s := c.Status(); s != RunningStepOne && s != RunningStepTwo && s != WaitingToStart {
			return
		}
	}
}

func TestSphereCalibrationConverges(t *testing.T) {
	t.Parallel()
	c, _ := newCal(t)
	offset := r3.Vec{X: 10, Y: -5, Z: 20}
	require.NoError(t, c.Start(false, false, 0, 1800, 16))

	feed(c, sphereCloud(5000, 400, offset, 1))

	require.Equal(t, Success, c.Status())
	r := c.Report()
	assert.InDelta(t, 400, r.Params.Radius, 4)
	assert.InDelta(t, offset.X, r.Params.Offset.X, 2)
	assert.InDelta(t, offset.Y, r.Params.Offset.Y, 2)
	assert.InDelta(t, offset.Z, r.Params.Offset.Z, 2)
	assert.Equal(t, 100.0, r.Completion)
	assert.Greater(t, r.Mask.Count(), 85)
	assert.Equal(t, 1, r.Attempt)

	cal, ok := c.Result()
	require.True(t, ok)
	assert.InDelta(t, 0.010, cal.Offset.X, 2e-3)
	corrected := cal.Apply(r3.Scale(1e-3, r3.Sub(r3.Vec{Z: 400}, offset)))
	assert.InDelta(t, 0.4, r3.Norm(corrected), 0.004)
}

// fibonacciSphere spreads n raw readings evenly over a sphere of the
// given radius, corrected by adding offset.
func fibonacciSphere(n int, radius float64, offset r3.Vec) []r3.Vec {
	golden := math.Pi * (3 - math.Sqrt(5))
	out := make([]r3.Vec, n)
	for i := range out {
		z := 1 - (2*float64(i)+1)/float64(n)
		r := math.Sqrt(1 - z*z)
		phi := golden * float64(i)
		d := r3.Vec{X: r * math.Cos(phi), Y: r * math.Sin(phi), Z: z}
		out[i] = r3.Sub(r3.Scale(radius, d), offset)
	}
	return out
}

func TestWellSpreadCloudCalibrates(t *testing.T) {
	t.Parallel()
	c, _ := newCal(t)
	offset := r3.Vec{X: 10, Y: -5, Z: 20}
	require.NoError(t, c.Start(false, false, 0, 1800, 16))

	// exactly one full cloud, with fitting driven by Update alone
	for i, p := range fibonacciSphere(NumSamples, 400, offset) {
		require.True(t, c.NewSample(p), "sample %d rejected", i)
	}
	for i := 0; i < 200 && c.Status() != Success && c.Status() != Failed; i++ {
		c.Update()
	}

	require.Equal(t, Success, c.Status())
	r := c.Report()
	assert.InDelta(t, 400, r.Params.Radius, 1)
	assert.InDelta(t, offset.X, r.Params.Offset.X, 1)
	assert.InDelta(t, offset.Y, r.Params.Offset.Y, 1)
	assert.InDelta(t, offset.Z, r.Params.Offset.Z, 1)
	assert.Equal(t, 100.0, r.Completion)
	assert.Greater(t, r.Mask.Count(), 90)
	assert.Zero(t, r.SamplesThinned, "an even cloud has no crowded samples")
}

func TestEllipsoidCalibrationRecoversSoftIron(t *testing.T) {
	t.Parallel()
	c, _ := newCal(t)
	want := Params{
		Radius:  450,
		Offset:  r3.Vec{X: -60, Y: 35, Z: 110},
		Diag:    r3.Vec{X: 1.1, Y: 0.92, Z: 1.02},
		OffDiag: r3.Vec{X: 0.04, Y: -0.03, Z: 0.02},
	}
	// invert the soft iron model to synthesise raw readings
	a := navmath.DCM{
		{want.Diag.X, want.OffDiag.X, want.OffDiag.Y},
		{want.OffDiag.X, want.Diag.Y, want.OffDiag.Z},
		{want.OffDiag.Y, want.OffDiag.Z, want.Diag.Z},
	}
	inv := invert3(a)
	pts := sphereCloud(8000, want.Radius, r3.Vec{}, 3)
	for i, p := range pts {
		pts[i] = r3.Sub(inv.MulVec(p), want.Offset)
	}

	require.NoError(t, c.Start(false, false, 0, 1800, 16))
	feed(c, pts)

	require.Equal(t, Success, c.Status())
	got := c.Report().Params
	// the radius and the soft iron scale trade off, so compare the model
	for _, p := range pts[:50] {
		assert.InDelta(t, want.Radius, r3.Norm(got.correct(p))*want.Radius/got.Radius, 2)
	}
	assert.InDelta(t, want.Offset.X, got.Offset.X, 2)
	assert.InDelta(t, want.Offset.Y, got.Offset.Y, 2)
	assert.InDelta(t, want.Offset.Z, got.Offset.Z, 2)
}

func invert3(m navmath.DCM) navmath.DCM {
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	var out navmath.DCM
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r0, r1 := (j+1)%3, (j+2)%3
			c0, c1 := (i+1)%3, (i+2)%3
			out[i][j] = (m[r0][c0]*m[r1][c1] - m[r0][c1]*m[r1][c0]) / det
		}
	}
	return out
}

func TestDuplicateSamplesRejected(t *testing.T) {
	t.Parallel()
	c, _ := newCal(t)
	require.NoError(t, c.Start(false, false, 0, 1800, 16))
	assert.True(t, c.NewSample(r3.Vec{X: 400}))
	assert.False(t, c.NewSample(r3.Vec{X: 401}), "within the minimum spacing")
	assert.True(t, c.NewSample(r3.Vec{Y: 400}))
	assert.False(t, c.NewSample(r3.Vec{X: math.NaN()}))
	assert.Len(t, c.samples, 2)
}

func TestStartDelay(t *testing.T) {
	t.Parallel()
	c, clk := newCal(t)
	require.NoError(t, c.Start(false, false, 2*time.Second, 1800, 16))
	c.Update()
	assert.Equal(t, WaitingToStart, c.Status())
	assert.False(t, c.NewSample(r3.Vec{X: 400}))

	clk.Advance(2 * time.Second)
	c.Update()
	assert.Equal(t, RunningStepOne, c.Status())
	assert.ErrorIs(t, c.Start(false, false, 0, 1800, 16), ErrRunning)
}

func TestStartRejectsBadLimits(t *testing.T) {
	t.Parallel()
	c, _ := newCal(t)
	assert.Error(t, c.Start(false, false, 0, 0, 16))
	assert.Error(t, c.Start(false, false, 0, 1800, math.NaN()))
	assert.Equal(t, NotStarted, c.Status())
}

func TestRetryIsBounded(t *testing.T) {
	t.Parallel()
	c, _ := newCal(t)
	// offsets beyond offsetMax fail every attempt
	require.NoError(t, c.Start(true, false, 0, 50, 16))
	pts := sphereCloud(30000, 400, r3.Vec{X: 120}, 5)
	for i := 0; i < len(pts) && c.Status() != Failed; i++ {
		c.NewSample(pts[i])
		c.Update()
	}
	r := c.Report()
	assert.Equal(t, Failed, r.Status)
	assert.Equal(t, Failed, r.LastFailure)
	assert.Equal(t, MaxAttempts, r.Attempt)
}

func TestExpectedFieldStrength(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		expected float64
		want     Status
		scale    float64
	}{
		{"unknown", 0, Success, 1},
		{"rescaled", 500, Success, 1.25},
		{"too far", 1000, BadRadius, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCal(t)
			c.ExpectedField = tt.expected
			require.NoError(t, c.Start(false, false, 0, 1800, 16))
			feed(c, sphereCloud(5000, 400, r3.Vec{X: 10}, 9))
			require.Equal(t, tt.want, c.Status())
			if tt.want == Success {
				assert.InDelta(t, tt.scale, c.Report().Params.ScaleFactor, 0.01)
				cal, _ := c.Result()
				assert.InDelta(t, tt.scale, cal.Diag.X, 0.01)
			}
		})
	}
}

func TestOrientationCheck(t *testing.T) {
	t.Parallel()
	earth := r3.Vec{X: 230, Y: 20, Z: -520}
	// sensor mounted yawed 90 degrees relative to the body
	yaw90 := navmath.DCM{{0, 1, 0}, {-1, 0, 0}, {0, 0, 1}}
	tests := []struct {
		name  string
		mount navmath.DCM
		want  Status
	}{
		{"aligned", navmath.IdentityDCM(), Success},
		{"yawed", yaw90, BadOrientation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCal(t)
			require.NoError(t, c.Start(false, false, 0, 1800, 16))
			rng := rand.New(rand.NewPCG(11, 13))
			for i := 0; i < 8000; i++ {
				att := randomQuat(rng)
				raw := tt.mount.MulVec(att.RotateInverse(earth))
				c.NewSampleWithAttitude(raw, att)
				c.Update()
				if s := c.Status(); s != RunningStepOne && s != RunningStepTwo {
					break
				}
			}
			require.Equal(t, tt.want, c.Status())
			if tt.want == BadOrientation {
				rot := axisRotations()[c.Report().Orientation]
				assert.Equal(t, navmath.IdentityDCM(), rot.Mul(tt.mount))
			}
		})
	}
}

func TestCancelResets(t *testing.T) {
	t.Parallel()
	c, _ := newCal(t)
	require.NoError(t, c.Start(false, false, 0, 1800, 16))
	c.NewSample(r3.Vec{X: 400})
	c.Cancel()
	assert.Equal(t, NotStarted, c.Status())
	assert.Empty(t, c.samples)
	assert.Zero(t, c.Report().Completion)
	require.NoError(t, c.Start(false, false, 0, 1800, 16))
}

func TestThinningDropsCrowdedSamples(t *testing.T) {
	t.Parallel()
	c, _ := newCal(t)
	require.NoError(t, c.Start(false, false, 0, 1800, 16))
	// collected at radius 200 spacing, thinned at the fitted 400
	c.params.Radius = 400
	c.samples = []sample{{field: r3.Vec{X: 400}}, {field: r3.Vec{X: 400, Y: 30}}, {field: r3.Vec{Y: 400}}}
	c.thinSamples()
	assert.Equal(t, 1, c.thinned)
	assert.Len(t, c.samples, 2)
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "running_step_two", RunningStepTwo.String())
	assert.Equal(t, "bad_radius", BadRadius.String())
	assert.Equal(t, "status(42)", Status(42).String())
}
