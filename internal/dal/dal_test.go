package dal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	a := r.MustAdd(KindGPS, "gps0")
	b := r.MustAdd(KindGPS, "gps1")
	assert.Equal(t, SensorID(0), a)
	assert.Equal(t, SensorID(1), b)
	assert.Equal(t, 2, r.Count(KindGPS))
	assert.Equal(t, 0, r.Count(KindBaro))

	r.SetHealthy(KindGPS, a, false)
	assert.False(t, r.Usable(KindGPS, a))
	id, ok := r.FirstUsable(KindGPS, a)
	require.True(t, ok)
	assert.Equal(t, b, id)

	r.SetEnabled(KindGPS, b, false)
	_, ok = r.FirstUsable(KindGPS, a)
	assert.False(t, ok)

	for i := 2; i < MaxInstances; i++ {
		r.MustAdd(KindGPS, "extra")
	}
	_, err := r.Add(KindGPS, "one too many")
	assert.Error(t, err)
	_, err = r.Add(numKinds, "bogus")
	assert.Error(t, err)
}

func TestCompassCalApply(t *testing.T) {
	t.Parallel()
	raw := r3.Vec{X: 100, Y: -50, Z: 20}
	assert.Equal(t, raw, IdentityCal().Apply(raw))

	cal := CompassCal{
		Offset:  r3.Vec{X: -10, Y: 5, Z: -20},
		Diag:    r3.Vec{X: 2, Y: 1, Z: 1},
		OffDiag: r3.Vec{X: 0.5},
	}
	got := cal.Apply(raw)
	// v = (90, -45, 0)
	assert.InDelta(t, 2*90+0.5*-45, got.X, 1e-12)
	assert.InDelta(t, 0.5*90-45, got.Y, 1e-12)
	assert.InDelta(t, 0.0, got.Z, 1e-12)
}

func TestParseVehicleClass(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]VehicleClass{"plane": VehicleFixedWing, "copter": VehicleCopter, "rover": VehicleRover} {
		got, err := ParseVehicleClass(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseVehicleClass("submarine")
	assert.Error(t, err)
}

type fakeSources struct {
	gps     GPSFix
	baroT   uint32
	magT    uint32
	imuOK   bool
	cal     CompassCal
	calOK   bool
	armed   bool
	clockMs uint32
}

func (f *fakeSources) DeltaAngle(SensorID) (r3.Vec, float64, bool) {
	return r3.Vec{X: 0.001}, 0.001, f.imuOK
}
func (f *fakeSources) DeltaVelocity(SensorID) (r3.Vec, float64, bool) {
	return r3.Vec{Z: -0.0098}, 0.001, f.imuOK
}
func (f *fakeSources) Fix(SensorID) (GPSFix, bool)                        { return f.gps, true }
func (f *fakeSources) Altitude(SensorID) (float64, uint32, bool)          { return 12, f.baroT, true }
func (f *fakeSources) Field(SensorID) (r3.Vec, uint32, bool)              { return r3.Vec{X: 0.2}, f.magT, true }
func (f *fakeSources) Calibration(SensorID) (CompassCal, bool)            { return f.cal, f.calOK }
func (f *fakeSources) Armed() bool                                        { return f.armed }
func (f *fakeSources) Millis() uint32                                     { return f.clockMs }
func (f *fakeSources) Airspeed(SensorID) (float64, float64, uint32, bool) { return 0, 1, 0, false }

type recordingSink struct {
	imu  []IMUDelta
	gps  []GPSFix
	baro []float64
	mag  []r3.Vec
	tas  int
}

func (s *recordingSink) WriteIMUDelta(_ SensorID, d IMUDelta) { s.imu = append(s.imu, d) }
func (s *recordingSink) WriteGPSFix(_ SensorID, f GPSFix)     { s.gps = append(s.gps, f) }
func (s *recordingSink) WriteBaroAltitude(_ SensorID, a float64, _ uint32) {
	s.baro = append(s.baro, a)
}
func (s *recordingSink) WriteMagField(_ SensorID, f r3.Vec, _ uint32)        { s.mag = append(s.mag, f) }
func (s *recordingSink) WriteAirspeedEAS(SensorID, float64, float64, uint32) { s.tas++ }

func TestPollerDeliversOnlyNewReadings(t *testing.T) {
	t.Parallel()
	src := &fakeSources{imuOK: true, gps: GPSFix{TimeMs: 200}, baroT: 100, magT: 50, clockMs: 1234}
	ctx := NewContext(VehicleCopter, nil)
	ctx.IMU, ctx.GPS, ctx.Baro, ctx.Compass, ctx.Arming, ctx.Clock, ctx.Airspeed = src, src, src, src, src, src, src
	for _, k := range []Kind{KindIMU, KindGPS, KindBaro, KindCompass, KindAirspeed} {
		ctx.Sensors.MustAdd(k, k.String())
	}

	p := NewPoller(ctx)
	sink := &recordingSink{}
	p.Poll(sink)
	p.Poll(sink)

	assert.Len(t, sink.imu, 2, "IMU deltas are delivered every poll")
	assert.Equal(t, uint32(1234), sink.imu[0].TimeMs)
	assert.Len(t, sink.gps, 1, "repeated GPS timestamp is not re-delivered")
	assert.Len(t, sink.baro, 1)
	assert.Len(t, sink.mag, 1)
	assert.Equal(t, 0, sink.tas)
	assert.False(t, ctx.Sensors.Usable(KindAirspeed, 0))

	src.gps.TimeMs = 400
	src.calOK = true
	src.cal = CompassCal{Offset: r3.Vec{X: 0.1}, Diag: r3.Vec{X: 1, Y: 1, Z: 1}}
	src.magT = 70
	p.Poll(sink)
	assert.Len(t, sink.gps, 2)
	require.Len(t, sink.mag, 2)
	assert.InDelta(t, 0.3, sink.mag[1].X, 1e-12, "calibration applied before delivery")

	src.imuOK = false
	p.Poll(sink)
	assert.Len(t, sink.imu, 3)
	assert.False(t, ctx.Sensors.Usable(KindIMU, 0))
}

func TestContextParam(t *testing.T) {
	t.Parallel()
	ctx := NewContext(VehicleRover, nil)
	assert.Equal(t, 3.0, ctx.Param("x", 3))
	assert.False(t, ctx.Armed())
}

func TestMultiSinkFansOut(t *testing.T) {
	t.Parallel()
	a, b := &recordingSink{}, &recordingSink{}
	m := MultiSink{a, b}
	m.WriteIMUDelta(0, IMUDelta{TimeMs: 1})
	m.WriteGPSFix(0, GPSFix{TimeMs: 2})
	m.WriteBaroAltitude(0, 12, 3)
	m.WriteMagField(0, r3.Vec{X: 1}, 4)
	m.WriteAirspeedEAS(0, 20, 1, 5)
	for _, s := range []*recordingSink{a, b} {
		assert.Len(t, s.imu, 1)
		assert.Len(t, s.gps, 1)
		assert.Equal(t, []float64{12}, s.baro)
		assert.Len(t, s.mag, 1)
		assert.Equal(t, 1, s.tas)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	for k := KindIMU; k < numKinds; k++ {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("sonar")
	assert.Error(t, err)
}
