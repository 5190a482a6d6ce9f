package ekf_test

import (
	"math"
	"testing"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/ekf"
	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/banshee-data/navekf/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

var circlingWind = r3.Vec{X: 3, Y: -2}

// circlingInWind is a plane holding an 80 m circle in the air mass.
func circlingInWind(tas bool) sim.Config {
	cfg := sim.DefaultConfig()
	cfg.Trajectory = sim.Drift{Air: sim.Circle{Radius: 80, Speed: 15}, Wind: circlingWind}
	cfg.Wind = circlingWind
	cfg.Seed = 3
	if tas {
		cfg.TASRateHz = 10
	}
	return cfg
}

func assertWind(t *testing.T, c *ekf.Core, want r3.Vec, tol float64) {
	t.Helper()
	wind, ok := c.Wind()
	require.True(t, ok, "wind not estimated")
	assert.InDelta(t, want.X, wind[0], tol)
	assert.InDelta(t, want.Y, wind[1], tol)
}

func TestAirspeedEstimatesWind(t *testing.T) {
	if testing.Short() {
		t.Skip("long simulated flight")
	}
	t.Parallel()
	r := newVehicleRig(t, dal.VehicleFixedWing, circlingInWind(true), nil)
	*r.arm = true
	c := r.fe.Core(0)
	r.run(90000)

	require.True(t, c.InFlight())
	assertWind(t, c, circlingWind, 1.0)
	in := r.fe.Innovations()
	assert.Less(t, math.Abs(in.TAS), 0.5)
	assert.Less(t, c.TestRatios().TAS, 1.0)
	assert.Less(t, math.Abs(in.Beta), 0.05)
	assert.False(t, r.fe.FilterStatus().Has(ekf.StatusDeadReckoning))
}

func TestSideslipEstimatesWindWithoutAirspeed(t *testing.T) {
	if testing.Short() {
		t.Skip("long simulated flight")
	}
	t.Parallel()
	r := newVehicleRig(t, dal.VehicleFixedWing, circlingInWind(false), nil)
	*r.arm = true
	c := r.fe.Core(0)
	r.run(120000)
	require.True(t, c.InFlight())
	assertWind(t, c, circlingWind, 1.5)
	assert.Less(t, math.Abs(r.fe.Innovations().Beta), 0.05)
	assert.Less(t, c.TestRatios().Beta, 1.0)
}

func TestDragEstimatesWindInHover(t *testing.T) {
	if testing.Short() {
		t.Skip("long simulated flight")
	}
	t.Parallel()
	const k = 0.2 // 1/s
	// a hover in a 5 m/s northerly needs the nose down until drag and
	// thrust balance
	wind := r3.Vec{X: -5}
	pitch := math.Atan(-k * -wind.X / navmath.Gravity)

	cfg := sim.DefaultConfig()
	cfg.Trajectory = sim.Takeoff{StartS: 5, ClimbS: 6, Height: 5, Pitch: pitch}
	cfg.Wind = wind
	tests := []struct {
		name string
		tune func(*ekf.Params)
		want bool
	}{
		{"momentum drag", func(p *ekf.Params) { p.DragMCoef = k }, true},
		{"no drag model", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newRig(t, cfg, tt.tune)
			*r.arm = true
			c := r.fe.Core(0)
			r.run(60000)
			require.True(t, c.InFlight())

			if !tt.want {
				_, ok := c.Wind()
				assert.False(t, ok)
				return
			}
			assertWind(t, c, wind, 1.0)
			in := r.fe.Innovations()
			assert.Less(t, math.Abs(in.Drag[0]), 0.3)
			assert.Less(t, math.Abs(in.Drag[1]), 0.3)
			assert.Less(t, c.TestRatios().Drag, 1.0)
		})
	}
}
