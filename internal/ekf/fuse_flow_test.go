package ekf

import (
	"testing"

	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestTerrainRangeFusion(t *testing.T) {
	t.Parallel()
	rng := func(m float64) RangeSample { return RangeSample{Range: m, MaxRange: 40} }
	// no terrain estimate yet
	fresh := func(t *testing.T) *Core {
		c := newTestCore(t, nil)
		c.terrain = terrainEstimator{}
		return c
	}

	t.Run("first reading initialises", func(t *testing.T) {
		t.Parallel()
		c := fresh(t)
		c.fuseTerrainRange(rng(4))
		require.True(t, c.terrain.valid)
		assert.InDelta(t, 4, c.terrain.hagl(c.state.Pos.Z), 1e-6)
	})
	t.Run("at max range", func(t *testing.T) {
		t.Parallel()
		c := fresh(t)
		c.fuseTerrainRange(rng(40))
		assert.False(t, c.terrain.valid)
	})
	t.Run("steep tilt", func(t *testing.T) {
		t.Parallel()
		c := fresh(t)
		c.state.Quat = navmath.FromEuler(1.0, 0, 0)
		c.fuseTerrainRange(rng(4))
		assert.False(t, c.terrain.valid)
	})
	t.Run("consistent reading", func(t *testing.T) {
		t.Parallel()
		c := fresh(t)
		c.fuseTerrainRange(rng(4))
		c.terrain.variance = 4
		c.fuseTerrainRange(rng(4.2))
		assert.LessOrEqual(t, c.terrain.rngRatio, 1.0)
		assert.InDelta(t, 0.2, c.Innovations().Range, 1e-3)
		assert.Less(t, c.terrain.variance, 4.0)
		assert.Greater(t, c.terrain.hagl(c.state.Pos.Z), 4.0)
	})
	t.Run("outlier", func(t *testing.T) {
		t.Parallel()
		c := fresh(t)
		c.fuseTerrainRange(rng(4))
		c.terrain.variance = 0.01
		pd := c.terrain.pd
		c.fuseTerrainRange(rng(30))
		assert.Greater(t, c.TestRatios().Range, 1.0)
		assert.Equal(t, pd, c.terrain.pd)
	})
}

// flyingOver sets a lane flying north at speed over a terrain estimate
// hagl below it.
func flyingOver(c *Core, speed, hagl, variance float64) {
	c.flight.onGround, c.flight.inFlight = false, true
	c.state.Quat = navmath.Identity()
	c.state.Pos = r3.Vec{}
	c.state.Vel = r3.Vec{X: speed}
	c.terrain = terrainEstimator{valid: true, pd: hagl, variance: variance}
}

func TestTerrainFromFlow(t *testing.T) {
	t.Parallel()

	t.Run("converges on the flow height", func(t *testing.T) {
		t.Parallel()
		c := newTestCore(t, nil)
		flyingOver(c, 3, 5, 25)
		// 3 m/s seen from 10 m
		meas := [2]float64{0, -0.3}
		for i := 0; i < 500; i++ {
			c.fuseTerrainFlow(meas)
		}
		assert.InDelta(t, 10, c.terrain.hagl(0), 0.5)
		assert.Less(t, c.terrain.variance, 25.0)
		assert.Equal(t, c.horizonMs(), c.terrain.lastFuseMs)
	})
	t.Run("gated", func(t *testing.T) {
		t.Parallel()
		c := newTestCore(t, nil)
		flyingOver(c, 3, 10, 1e-4)
		c.fuseTerrainFlow([2]float64{0, -1.5})
		assert.Equal(t, 10.0, c.terrain.pd)
	})
	t.Run("on ground", func(t *testing.T) {
		t.Parallel()
		c := newTestCore(t, nil)
		flyingOver(c, 3, 5, 25)
		c.flight.onGround = true
		c.fuseTerrainFlow([2]float64{0, -0.3})
		assert.Equal(t, 5.0, c.terrain.pd)
		assert.Equal(t, 25.0, c.terrain.variance)
	})
}
