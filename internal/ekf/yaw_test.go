package ekf

import (
	"math"
	"testing"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/banshee-data/navekf/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCirclingPlane returns a fixed-wing frontend and a generator for a
// level 80 m circle at 15 m/s.
func newCirclingPlane(t *testing.T, tune func(*Params)) (*Frontend, *sim.Generator) {
	t.Helper()
	ctx := dal.NewContext(dal.VehicleFixedWing, nil)
	ids := sim.Instances{
		IMU:  ctx.Sensors.MustAdd(dal.KindIMU, "imu0"),
		GPS:  ctx.Sensors.MustAdd(dal.KindGPS, "gps0"),
		Baro: ctx.Sensors.MustAdd(dal.KindBaro, "baro0"),
		Mag:  ctx.Sensors.MustAdd(dal.KindCompass, "mag0"),
	}
	ctx.Arming = alwaysArmed{}
	p := DefaultParams()
	p.IMUMask = 1
	p.GPSCheck = 0
	p.MagCal = MagCalNever
	if tune != nil {
		tune(&p)
	}
	fe, err := NewFrontend(ctx, p)
	require.NoError(t, err)
	cfg := sim.DefaultConfig()
	cfg.Trajectory = sim.Circle{Radius: 80, Speed: 15}
	cfg.Seed = 5
	return fe, sim.New(cfg, ids)
}

func yawError(c *Core, gen *sim.Generator) float64 {
	return math.Abs(navmath.WrapPi(c.state.Quat.Yaw() - gen.Truth(c.horizonMs()).Att.Yaw()))
}

func TestGSFEmergencyYawReset(t *testing.T) {
	if testing.Short() {
		t.Skip("long simulated flight")
	}
	t.Parallel()
	fe, gen := newCirclingPlane(t, nil)
	c := fe.Core(0)
	gen.Run(fe, 40000)

	require.True(t, c.InFlight())
	require.Equal(t, AidAbsolute, c.AidMode())
	require.Less(t, yawError(c, gen), 5*math.Pi/180)
	gsfYaw, _, ok := c.GSFYaw()
	require.True(t, ok, "yaw estimator not converged")
	require.Less(t, math.Abs(navmath.WrapPi(gsfYaw-gen.Truth(c.horizonMs()).Att.Yaw())), 15*math.Pi/180)

	// a heading a quarter turn out makes GPS velocity fail its gate
	injectedMs := c.horizonMs()
	c.state.Quat = c.state.Quat.WithYaw(navmath.WrapPi(c.state.Quat.Yaw() + math.Pi/2))
	gen.Run(fe, 8000)

	assert.Equal(t, 1, c.gsfResetCount)
	r := c.LastYawReset()
	assert.Greater(t, r.TimeMs, injectedMs)
	assert.InDelta(t, -math.Pi/2, r.Delta, 0.35)
	assert.Less(t, yawError(c, gen), 15*math.Pi/180)
	assert.LessOrEqual(t, c.TestRatios().Vel, 1.0)
}

func TestGSFEmergencyResetLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("long simulated flight")
	}
	t.Parallel()
	fe, gen := newCirclingPlane(t, func(p *Params) { p.GSFResetMax = 0 })
	c := fe.Core(0)
	gen.Run(fe, 40000)
	require.Equal(t, AidAbsolute, c.AidMode())

	before := c.LastYawReset()
	c.state.Quat = c.state.Quat.WithYaw(navmath.WrapPi(c.state.Quat.Yaw() + math.Pi/2))
	gen.Run(fe, 5000)
	assert.Zero(t, c.gsfResetCount)
	assert.Equal(t, before, c.LastYawReset())
}
