package ekf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func rangesTo(rx r3.Vec, beacons []r3.Vec) []beaconRange {
	out := make([]beaconRange, len(beacons))
	for i, b := range beacons {
		out[i] = beaconRange{pos: b, rng: r3.Norm(r3.Sub(rx, b))}
	}
	return out
}

func TestSolveBeaconLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		beacons []r3.Vec
		rx      r3.Vec
	}{
		{
			name:    "spread in height",
			beacons: []r3.Vec{{X: 0, Y: 0, Z: -5}, {X: 20, Y: 0, Z: -1}, {X: 0, Y: 15, Z: -3}, {X: 18, Y: 17, Z: -6}},
			rx:      r3.Vec{X: 7, Y: 4, Z: -1.5},
		},
		{
			name:    "coplanar",
			beacons: []r3.Vec{{X: 0, Y: 0, Z: -4}, {X: 20, Y: 0, Z: -4}, {X: 0, Y: 15, Z: -4}, {X: 18, Y: 17, Z: -4}},
			rx:      r3.Vec{X: 12, Y: 3, Z: -1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := solveBeaconLS(rangesTo(tt.rx, tt.beacons))
			require.True(t, ok)
			assert.InDelta(t, tt.rx.X, got.X, 1e-6)
			assert.InDelta(t, tt.rx.Y, got.Y, 1e-6)
			assert.InDelta(t, tt.rx.Z, got.Z, 1e-6)
		})
	}
}

func TestSolveBeaconLSNeedsFour(t *testing.T) {
	t.Parallel()
	beacons := []r3.Vec{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}}
	_, ok := solveBeaconLS(rangesTo(r3.Vec{X: 3, Y: 3, Z: 2}, beacons))
	assert.False(t, ok)
}

func TestBeaconStaticFilterConverges(t *testing.T) {
	t.Parallel()
	c := newTestCore(t, nil)
	beacons := []r3.Vec{{X: 0, Y: 0, Z: -4}, {X: 20, Y: 0, Z: -4}, {X: 0, Y: 15, Z: -4}, {X: 18, Y: 17, Z: -4}}
	rx := r3.Vec{X: 5, Y: 9, Z: 0}

	for i := 0; i < 400; i++ {
		id := i % len(beacons)
		c.WriteBeacon(BeaconSample{
			Sample:    Sample{TimeMs: c.nowMs + 1},
			BeaconID:  id,
			BeaconPos: beacons[id],
			Range:     r3.Norm(r3.Sub(rx, beacons[id])),
			RangeErr:  0.1,
		})
		runLevel(c, 25)
	}
	require.True(t, c.bcn.rxInit)
	assert.True(t, c.bcn.aligned)
	assert.InDelta(t, rx.X, c.bcn.rx.X, 0.2)
	assert.InDelta(t, rx.Y, c.bcn.rx.Y, 0.2)
	assert.Equal(t, srcBeacon, c.posSource)
	assert.Equal(t, AidAbsolute, c.aidMode)
	assert.InDelta(t, rx.X, c.state.Pos.X, 0.5)
	assert.InDelta(t, rx.Y, c.state.Pos.Y, 0.5)
}
