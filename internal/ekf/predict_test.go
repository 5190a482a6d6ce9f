package ekf

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/banshee-data/navekf/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestTransitionMatrixMatchesFiniteDifference(t *testing.T) {
	t.Parallel()
	x0 := StateVector{
		Quat:      navmath.FromEuler(0.2, -0.1, 1.3),
		Vel:       r3.Vec{X: 4, Y: -2, Z: 0.5},
		Pos:       r3.Vec{X: 10, Y: 20, Z: -5},
		GyroBias:  r3.Vec{X: 2e-5, Y: -1e-5, Z: 3e-5},
		AccelBias: r3.Vec{X: 1e-3, Y: -2e-3, Z: 5e-4},
	}
	in := stepInputs{
		delAng:   r3.Vec{X: 0.004, Y: -0.006, Z: 0.01},
		delVel:   r3.Vec{X: 0.02, Y: 0.03, Z: -0.196},
		delVelDt: 0.02,
		dt:       0.02,
		scaleA:   2,
		scaleV:   2,
	}

	F := transitionMatrix(x0, in)
	num := mat.NewDense(NumStates, NumStates, nil)
	x := x0.ToVector()
	fd.Jacobian(num, func(y, xs []float64) {
		var v [NumStates]float64
		copy(v[:], xs)
		out := stepModel(FromVector(v), in).ToVector()
		copy(y, out[:])
	}, x[:], &fd.JacobianSettings{Formula: fd.Central})

	for i := 0; i < NumStates; i++ {
		for j := 0; j < NumStates; j++ {
			assert.InDelta(t, num.At(i, j), F.At(i, j), 1e-4, "F[%d][%d]", i, j)
		}
	}
}

func TestQuaternionStaysNormalised(t *testing.T) {
	t.Parallel()
	scales := []struct {
		name string
		max  float64 // rad per sample
	}{
		{"near zero", 1e-9},
		{"typical", 1e-3},
		{"large", 0.5},
	}
	for _, sc := range scales {
		t.Run(sc.name, func(t *testing.T) {
			c := newTestCore(t, nil)
			rng := rand.New(rand.NewPCG(1, 2))
			for i := 0; i < 2000; i++ {
				imu := levelIMU(c.nowMs + 1)
				imu.DelAng = r3.Vec{
					X: sc.max * (2*rng.Float64() - 1),
					Y: sc.max * (2*rng.Float64() - 1),
					Z: sc.max * (2*rng.Float64() - 1),
				}
				c.UpdateFilter(imu)
				require.InDelta(t, 1, c.state.Quat.Norm(), 1e-9, "state quaternion at step %d", i)
				require.InDelta(t, 1, c.out.new.Quat.Norm(), 1e-9, "output quaternion at step %d", i)
			}
		})
	}
}

// laneChecker checks the primary lane after every IMU sample.
type laneChecker struct {
	*Frontend
	check func(*Core)
}

func (p laneChecker) WriteIMUDelta(id dal.SensorID, d dal.IMUDelta) {
	p.Frontend.WriteIMUDelta(id, d)
	p.check(p.Frontend.cores[0])
}

func TestCovarianceInvariantsInFlight(t *testing.T) {
	t.Parallel()
	ctx := dal.NewContext(dal.VehicleCopter, nil)
	ids := sim.Instances{
		IMU:  ctx.Sensors.MustAdd(dal.KindIMU, "imu0"),
		GPS:  ctx.Sensors.MustAdd(dal.KindGPS, "gps0"),
		Baro: ctx.Sensors.MustAdd(dal.KindBaro, "baro0"),
		Mag:  ctx.Sensors.MustAdd(dal.KindCompass, "mag0"),
	}
	p := DefaultParams()
	p.IMUMask = 1
	p.GPSCheck = 0
	p.MagCal = MagCalAlways
	fe, err := NewFrontend(ctx, p)
	require.NoError(t, err)

	cfg := sim.DefaultConfig()
	cfg.Trajectory = sim.Circle{Radius: 50, Speed: 10}
	cfg.GyroNoise = 1e-3
	cfg.AccelNoise = 0.05
	cfg.GPSPosNoise = 0.3
	cfg.GPSVelNoise = 0.1
	cfg.BaroNoise = 0.2
	cfg.MagNoise = 0.005
	cfg.Seed = 7
	gen := sim.New(cfg, ids)

	worstAsym := 0.0
	checker := laneChecker{Frontend: fe, check: func(c *Core) {
		if !c.Initialised() {
			return
		}
		worstAsym = math.Max(worstAsym, c.cov.MaxAsymmetry())
		d := c.cov.Diag()
		for i, v := range d {
			if !c.active[i] {
				if v != 0 {
					t.Fatalf("inactive state %d has variance %g at %dms", i, v, c.nowMs)
				}
				continue
			}
			l := c.limits[i]
			if v < l.min || v > l.max {
				t.Fatalf("variance %d = %g outside [%g, %g] at %dms", i, v, l.min, l.max, c.nowMs)
			}
		}
	}}
	gen.Run(checker, 20000)

	assert.Less(t, worstAsym, 1e-9)
	assert.True(t, fe.cores[0].cov.Finite())
	assert.True(t, fe.cores[0].active[IdxEarthMag], "three-axis mag states active")
}

func TestCovarianceInitBounds(t *testing.T) {
	t.Parallel()
	c := newTestCore(t, nil)
	c.CovarianceInit(r3.Vec{X: 0.1, Y: 0.1, Z: 0.3})
	rot := c.calcRotVecVariances()
	assert.InDelta(t, 0.01, rot.X, 1e-9)
	assert.InDelta(t, 0.01, rot.Y, 1e-9)
	assert.InDelta(t, 0.09, rot.Z, 1e-9)
	assert.InDelta(t, 0, c.cov.MaxAsymmetry(), 0)
	for i := IdxEarthMag; i < NumStates; i++ {
		assert.Zero(t, c.cov.At(i, i), "inactive state %d", i)
	}
}

func TestConstrainVariances(t *testing.T) {
	t.Parallel()
	cov := NewCovariance()
	var limits [NumStates]varianceLimit
	var active [NumStates]bool
	for i := range limits {
		limits[i] = varianceLimit{min: 1e-4, max: 1}
		active[i] = i < 3
	}
	cov.Set(0, 0, 4)
	cov.Set(0, 1, 0.5)
	cov.Set(1, 1, 1e-6)
	cov.Set(1, 2, 1e-7)
	cov.Set(2, 2, 0.5)
	cov.Set(5, 5, 3)

	n := cov.ConstrainVariances(&limits, &active)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1.0, cov.At(0, 0))
	assert.Equal(t, 1e-4, cov.At(1, 1))
	assert.Zero(t, cov.At(0, 1), "raised floor clears the row")
	assert.Zero(t, cov.At(1, 2))
	assert.Equal(t, 0.5, cov.At(2, 2))
	assert.Equal(t, 3.0, cov.At(5, 5), "inactive states untouched")
}

func TestQuaternionVarianceFloor(t *testing.T) {
	t.Parallel()
	c := newTestCore(t, nil)
	c.updateVarianceLimits()
	for i := IdxQuat; i < IdxVel; i++ {
		assert.Greater(t, c.limits[i].min, 0.0, "state %d", i)
	}

	c.cov.Set(IdxQuat, IdxQuat, -1e-12)
	c.cov.Set(IdxQuat+1, IdxQuat+1, 0)
	c.cov.ConstrainVariances(&c.limits, &c.active)
	assert.Equal(t, minQuatVar, c.cov.At(IdxQuat, IdxQuat))
	assert.Equal(t, minQuatVar, c.cov.At(IdxQuat+1, IdxQuat+1))
}
