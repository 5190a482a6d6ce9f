package ekf

import (
	"testing"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// levelIMU is one 1 ms sample of a stationary, level IMU.
func levelIMU(ms uint32) IMUSample {
	return IMUSample{
		Sample:   Sample{TimeMs: ms},
		DelVel:   r3.Vec{Z: -navmath.Gravity * 1e-3},
		DelAngDt: 1e-3,
		DelVelDt: 1e-3,
	}
}

func testContext(imus int) *dal.Context {
	ctx := dal.NewContext(dal.VehicleCopter, nil)
	for i := 0; i < imus; i++ {
		ctx.Sensors.MustAdd(dal.KindIMU, "imu")
	}
	ctx.Sensors.MustAdd(dal.KindGPS, "gps")
	ctx.Sensors.MustAdd(dal.KindBaro, "baro")
	return ctx
}

// newTestCore returns a lane bootstrapped on level IMU data, with its
// clock at the bootstrap time.
func newTestCore(t *testing.T, tune func(*Params)) *Core {
	t.Helper()
	p := DefaultParams()
	p.GPSCheck = 0
	if tune != nil {
		tune(&p)
	}
	c := NewCore(testContext(1), &p, 0, 0)
	for ms := uint32(1); !c.Initialised(); ms++ {
		require.Less(t, ms, uint32(1000), "core did not bootstrap")
		c.UpdateFilter(levelIMU(ms))
	}
	return c
}

// runLevel feeds n more level samples.
func runLevel(c *Core, n int) {
	for i := 0; i < n; i++ {
		c.UpdateFilter(levelIMU(c.nowMs + 1))
	}
}
