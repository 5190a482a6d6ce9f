package ekf_test

import (
	"math"
	"testing"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/ekf"
	"github.com/banshee-data/navekf/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// gpsRewrite passes everything to the frontend, editing GPS fixes taken
// at or after fromMs.
type gpsRewrite struct {
	*ekf.Frontend
	fromMs uint32
	edit   func(*dal.GPSFix)
}

func (g gpsRewrite) WriteGPSFix(id dal.SensorID, fix dal.GPSFix) {
	if fix.TimeMs >= g.fromMs {
		g.edit(&fix)
	}
	g.Frontend.WriteGPSFix(id, fix)
}

// countFused counts GPS samples lane 0 fuses from now on.
func countFused(r *rig) *int {
	n := new(int)
	r.fe.Core(0).Scheduler().OnTransition = func(tr ekf.Transition) {
		if tr.Stream == ekf.StreamGPS && tr.To == ekf.Fused {
			*n++
		}
	}
	return n
}

func TestNoFixSamplesAreNotFused(t *testing.T) {
	t.Parallel()
	r := newRig(t, sim.DefaultConfig(), nil)
	r.run(10000)
	require.Equal(t, ekf.AidAbsolute, r.fe.Core(0).AidMode())
	resetBefore := r.fe.LastPosNEReset()
	fused := countFused(r)

	// a receiver that has lost its fix reports zeros
	sink := gpsRewrite{Frontend: r.fe, fromMs: r.gen.NowMs(), edit: func(f *dal.GPSFix) {
		*f = dal.GPSFix{TimeMs: f.TimeMs, FixType: dal.FixNoFix}
	}}
	r.gen.Run(sink, 15000)

	assert.Zero(t, *fused)
	assert.Equal(t, resetBefore, r.fe.LastPosNEReset(), "position was reset onto a fix without a solution")
	assert.Less(t, horiz(r.fe.PositionNED()), 50.0)
	assert.Equal(t, ekf.AidNone, r.fe.Core(0).AidMode())
}

func TestTwoDFixIsNotFused(t *testing.T) {
	t.Parallel()
	r := newRig(t, sim.DefaultConfig(), nil)
	r.run(10000)
	fused := countFused(r)

	sink := gpsRewrite{Frontend: r.fe, fromMs: r.gen.NowMs(), edit: func(f *dal.GPSFix) {
		f.FixType = dal.Fix2D
		f.Lat += 0.01
	}}
	r.gen.Run(sink, 3000)
	assert.Zero(t, *fused)
	assert.Less(t, horiz(r.fe.PositionNED()), 1.0)
}

func TestFixWithoutVelocityStillFusesPosition(t *testing.T) {
	t.Parallel()
	const speed = 5.0
	cfg := sim.DefaultConfig()
	cfg.Trajectory = sim.ConstantVelocity{Vel: r3.Vec{X: speed}}
	r := newRig(t, cfg, nil)
	*r.arm = true
	r.run(15000)
	require.Equal(t, ekf.AidAbsolute, r.fe.Core(0).AidMode())
	fused := countFused(r)

	sink := gpsRewrite{Frontend: r.fe, fromMs: r.gen.NowMs(), edit: func(f *dal.GPSFix) {
		f.VelNED = r3.Vec{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}
	}}
	r.gen.Run(sink, 10000)

	assert.Greater(t, *fused, 30)
	assert.Equal(t, ekf.AidAbsolute, r.fe.Core(0).AidMode())
	assert.Less(t, horiz(r.posError()), 1.0)
	// velocity stays observable through the position
	assert.Less(t, horiz(r.velError()), 0.5)
	assert.False(t, r.fe.FilterStatus().Has(ekf.StatusDeadReckoning))
}

func TestFixWithoutPositionStillFusesVelocity(t *testing.T) {
	t.Parallel()
	const speed = 5.0
	cfg := sim.DefaultConfig()
	cfg.Trajectory = sim.ConstantVelocity{Vel: r3.Vec{X: speed}}
	r := newRig(t, cfg, nil)
	*r.arm = true
	r.run(15000)
	require.Equal(t, ekf.AidAbsolute, r.fe.Core(0).AidMode())
	resetBefore := r.fe.LastPosNEReset()
	fused := countFused(r)

	sink := gpsRewrite{Frontend: r.fe, fromMs: r.gen.NowMs(), edit: func(f *dal.GPSFix) {
		f.Lat = math.NaN()
	}}
	r.gen.Run(sink, 5000)

	assert.Greater(t, *fused, 15)
	assert.Less(t, horiz(r.velError()), 0.3)
	// drift is bounded by the velocity error over the interval
	assert.Less(t, horiz(r.posError()), 2.0)
	assert.Equal(t, resetBefore, r.fe.LastPosNEReset())
	assert.Equal(t, ekf.AidAbsolute, r.fe.Core(0).AidMode())
}
