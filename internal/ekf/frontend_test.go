package ekf

import (
	"math"
	"testing"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func newTwoLaneFrontend(t *testing.T) *Frontend {
	t.Helper()
	p := DefaultParams()
	p.IMUMask = 3
	p.GPSCheck = 0
	f, err := NewFrontend(testContext(2), p)
	require.NoError(t, err)
	require.Equal(t, 2, f.NumCores())
	return f
}

// feedBoth writes level samples to both IMUs through ms.
func feedBoth(f *Frontend, from, to uint32) {
	for ms := from; ms <= to; ms++ {
		f.WriteIMU(0, levelIMU(ms))
		f.WriteIMU(1, levelIMU(ms))
	}
}

func TestLaneSwitchOnUnhealthyPrimary(t *testing.T) {
	t.Parallel()
	f := newTwoLaneFrontend(t)
	var switches []LaneSwitch
	f.OnLaneSwitch = func(ls LaneSwitch) { switches = append(switches, ls) }

	feedBoth(f, 1, 3000)
	require.True(t, f.cores[0].Healthy())
	require.True(t, f.cores[1].Healthy())
	assert.Equal(t, 0, f.PrimaryCore())

	bad := levelIMU(3001)
	bad.DelAng.Y = math.NaN()
	f.WriteIMU(0, bad)
	f.WriteIMU(1, levelIMU(3001))

	assert.Equal(t, 1, f.PrimaryCore())
	require.Len(t, switches, 1)
	assert.Equal(t, LaneSwitch{From: 0, To: 1, TimeMs: 3001, Reason: "primary unhealthy"}, switches[0])
	last, n := f.LastLaneSwitch()
	assert.Equal(t, switches[0], last)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.Snapshot().Primary)
}

func TestLaneSwitchOnLowerError(t *testing.T) {
	t.Parallel()
	f := newTwoLaneFrontend(t)
	feedBoth(f, 1, 2000)

	worse := TestRatios{Vel: 0.8, Pos: 0.8, Hgt: 0.8}
	better := TestRatios{Vel: 0.1, Pos: 0.1, Hgt: 0.1}
	f.cores[0].ratios, f.cores[1].ratios = worse, better

	f.nowMs = 4000
	f.selectPrimary()
	assert.Equal(t, 0, f.PrimaryCore(), "too soon after start")
	assert.Less(t, f.relErr[1], -laneBetterThresh)

	f.nowMs = 6000
	f.selectPrimary()
	assert.Equal(t, 1, f.PrimaryCore())
	assert.Zero(t, f.relErr[0])

	// the old primary becomes better straight away but must wait
	f.cores[0].ratios, f.cores[1].ratios = better, worse
	f.nowMs = 9000
	f.selectPrimary()
	assert.Equal(t, 1, f.PrimaryCore())
	f.nowMs = 11001
	f.selectPrimary()
	assert.Equal(t, 0, f.PrimaryCore())
}

func TestSmallErrorDifferenceIgnored(t *testing.T) {
	t.Parallel()
	f := newTwoLaneFrontend(t)
	feedBoth(f, 1, 2000)
	f.cores[0].ratios = TestRatios{Vel: 0.3, Pos: 0.3, Hgt: 0.3}
	f.cores[1].ratios = TestRatios{Vel: 0.2, Pos: 0.2, Hgt: 0.2}
	for ms := uint32(10000); ms < 20000; ms += 100 {
		f.nowMs = ms
		f.selectPrimary()
	}
	assert.Equal(t, 0, f.PrimaryCore())
	assert.Zero(t, f.relErr[1])
}

func TestLaneResetSeedsBias(t *testing.T) {
	t.Parallel()
	f := newTwoLaneFrontend(t)
	feedBoth(f, 1, 2000)
	f.cores[1].state.GyroBias = r3.Scale(f.cores[1].dtEkf(), r3.Vec{X: 0.01, Y: -0.02, Z: 0.005})

	f.laneReset(0)
	want := f.cores[1].LearnedBias()
	assert.Equal(t, want, f.cores[0].bias)
	assert.Equal(t, 1, f.PrimaryCore())
}

func TestAffinityAssignsInstances(t *testing.T) {
	t.Parallel()
	ctx := testContext(2)
	ctx.Sensors.MustAdd(dal.KindGPS, "gps1")
	p := DefaultParams()
	p.IMUMask = 3
	p.Affinity = AffinityGPS
	f, err := NewFrontend(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, dal.SensorID(0), f.cores[0].sensors.gps)
	assert.Equal(t, dal.SensorID(1), f.cores[1].sensors.gps)
	assert.Equal(t, dal.SensorID(0), f.cores[1].sensors.baro, "no second baro")

	ctx.Sensors.SetHealthy(dal.KindGPS, 1, false)
	require.NoError(t, f.SetParameter("affinity", AffinityGPS|AffinityBaro))
	assert.Equal(t, dal.SensorID(0), f.cores[1].sensors.gps, "unhealthy instance skipped")
}

func TestPrearmReportsUnhealthyLane(t *testing.T) {
	t.Parallel()
	f := newTwoLaneFrontend(t)
	feedBoth(f, 1, 50)
	assert.Equal(t, "EKF3 waiting for IMU data", f.PrearmFailureReason())
}
