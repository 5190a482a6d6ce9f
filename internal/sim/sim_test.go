package sim

import (
	"math"
	"testing"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// recorder is a dal.Sink that keeps everything it is given.
type recorder struct {
	imu  []dal.IMUDelta
	gps  []dal.GPSFix
	baro []float64
	mag  []r3.Vec
	tas  []float64
}

func (r *recorder) WriteIMUDelta(_ dal.SensorID, d dal.IMUDelta) { r.imu = append(r.imu, d) }
func (r *recorder) WriteGPSFix(_ dal.SensorID, f dal.GPSFix)     { r.gps = append(r.gps, f) }
func (r *recorder) WriteBaroAltitude(_ dal.SensorID, alt float64, _ uint32) {
	r.baro = append(r.baro, alt)
}
func (r *recorder) WriteMagField(_ dal.SensorID, f r3.Vec, _ uint32) { r.mag = append(r.mag, f) }
func (r *recorder) WriteAirspeedEAS(_ dal.SensorID, eas, eas2tas float64, _ uint32) {
	r.tas = append(r.tas, eas*eas2tas)
}

func TestStationaryIMU(t *testing.T) {
	t.Parallel()
	g := New(DefaultConfig(), Instances{})
	var rec recorder
	g.Run(&rec, 1000)

	require.Len(t, rec.imu, 1000)
	require.Len(t, rec.gps, 5)
	require.Len(t, rec.baro, 50)
	for _, d := range rec.imu {
		assert.InDelta(t, 0, r3.Norm(d.DelAng), 1e-12)
		assert.InDelta(t, -navmath.Gravity*1e-3, d.DelVel.Z, 1e-12)
		assert.InDelta(t, 1e-3, d.DelVelDt, 1e-15)
	}
	assert.InDelta(t, 584, rec.baro[0], 1e-9)
}

func TestCircleSpecificForce(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Trajectory = Circle{Radius: 50, Speed: 10}
	cfg.GPSRateHz, cfg.BaroRateHz, cfg.MagRateHz = 0, 0, 0
	g := New(cfg, Instances{})
	var rec recorder
	g.Run(&rec, 2000)

	w := 10.0 / 50
	for _, d := range rec.imu[10:] {
		assert.InDelta(t, w*1e-3, d.DelAng.Z, 1e-9)
		// centripetal force points right in the body frame
		assert.InDelta(t, 10*w*1e-3, d.DelVel.Y, 1e-6)
		assert.InDelta(t, 0, d.DelVel.X, 1e-6)
	}

	tr := g.Truth(0)
	assert.InDelta(t, 0, r3.Norm(tr.Pos), 1e-9)
	assert.InDelta(t, 10, r3.Norm(g.Truth(1234).Vel), 1e-9)
}

func TestDropoutAndNaN(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Dropouts = []Window{{Kind: dal.KindGPS, StartMs: 1000, EndMs: 2000}}
	cfg.NaNAtMs = 1500
	g := New(cfg, Instances{})
	var rec recorder
	g.Run(&rec, 3000)

	for _, f := range rec.gps {
		assert.False(t, f.TimeMs >= 1000 && f.TimeMs < 2000, "fix at %d inside dropout", f.TimeMs)
	}
	assert.Len(t, rec.gps, 10)
	nan := 0
	for _, d := range rec.imu {
		if math.IsNaN(d.DelVel.X) {
			nan++
			assert.Equal(t, uint32(1500), d.TimeMs)
		}
	}
	assert.Equal(t, 1, nan)
}

func TestSeededNoiseIsDeterministic(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Seed = 42
	cfg.GyroNoise, cfg.AccelNoise, cfg.GPSPosNoise = 0.01, 0.1, 0.5
	var a, b recorder
	New(cfg, Instances{}).Run(&a, 500)
	New(cfg, Instances{}).Run(&b, 500)
	assert.Equal(t, a.imu, b.imu)
	assert.Equal(t, a.gps, b.gps)
}

func TestTakeoffProfile(t *testing.T) {
	t.Parallel()
	k := Takeoff{StartS: 5, ClimbS: 8, Height: 10, RampS: 4, Speed: 3}

	assert.Equal(t, r3.Vec{}, k.At(2).Pos)
	mid := k.At(9)
	assert.InDelta(t, -5, mid.Pos.Z, 1e-9)
	assert.Less(t, mid.Vel.Z, 0.0)

	top := k.At(13)
	assert.InDelta(t, -10, top.Pos.Z, 1e-9)
	assert.InDelta(t, 0, top.Vel.Z, 1e-9)

	cruise := k.At(27)
	assert.InDelta(t, 3, cruise.Vel.X, 1e-9)
	assert.InDelta(t, 3*(9-2), cruise.Pos.X, 1e-9)

	// velocity is the derivative of position through the ramp
	const h = 1e-4
	for _, s := range []float64{6, 10, 14, 16.5} {
		a, b := k.At(s-h), k.At(s+h)
		v := r3.Scale(1/(2*h), r3.Sub(b.Pos, a.Pos))
		assert.InDelta(t, 0, r3.Norm(r3.Sub(v, k.At(s).Vel)), 1e-5, "t=%g", s)
	}
}

func TestDriftAirspeed(t *testing.T) {
	t.Parallel()
	wind := r3.Vec{X: 3, Y: -2}
	cfg := DefaultConfig()
	cfg.Trajectory = Drift{Air: Circle{Radius: 80, Speed: 15}, Wind: wind}
	cfg.Wind = wind
	cfg.TASRateHz = 10
	cfg.GPSRateHz, cfg.BaroRateHz, cfg.MagRateHz = 0, 0, 0
	g := New(cfg, Instances{})
	var rec recorder
	g.Run(&rec, 20000)

	require.Len(t, rec.tas, 200)
	for _, v := range rec.tas {
		assert.InDelta(t, 15, v, 1e-9)
	}
	tr := g.Truth(7000)
	// the nose stays on the air track, not the ground track
	air := r3.Sub(tr.Vel, wind)
	assert.InDelta(t, 0, navmath.WrapPi(math.Atan2(air.Y, air.X)-tr.Att.Yaw()), 1e-9)
}
