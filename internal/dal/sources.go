package dal

import "gonum.org/v1/gonum/spatial/r3"

// FixType follows the usual GNSS fix classification.
type FixType uint8

const (
	FixNone FixType = iota
	FixNoFix
	Fix2D
	Fix3D
	Fix3DDGPS
	Fix3DRTKFloat
	Fix3DRTKFixed
)

// GPSFix is one navigation solution from a GPS receiver.
type GPSFix struct {
	Lat, Lng    float64 // degrees
	Alt         float64 // m AMSL
	VelNED      r3.Vec  // m/s
	HaveVertVel bool
	HAcc        float64 // m, 1σ
	VAcc        float64 // m, 1σ
	SAcc        float64 // m/s, 1σ
	NumSats     int
	HDOP        float64
	TimeMs      uint32
	FixType     FixType
}

// IMUDelta is one integrated IMU interval.
type IMUDelta struct {
	DelAng   r3.Vec // rad
	DelAngDt float64
	DelVel   r3.Vec // m/s
	DelVelDt float64
	TimeMs   uint32
}

// CompassCal is the hard and soft iron model applied to raw readings:
// corrected = SoftIron · (raw + Offset).
type CompassCal struct {
	Offset  r3.Vec
	Diag    r3.Vec
	OffDiag r3.Vec // xy, xz, yz
}

// IdentityCal returns a calibration that leaves readings unchanged.
func IdentityCal() CompassCal {
	return CompassCal{Diag: r3.Vec{X: 1, Y: 1, Z: 1}}
}

// Apply corrects a raw reading.
func (c CompassCal) Apply(raw r3.Vec) r3.Vec {
	v := r3.Add(raw, c.Offset)
	return r3.Vec{
		X: c.Diag.X*v.X + c.OffDiag.X*v.Y + c.OffDiag.Y*v.Z,
		Y: c.OffDiag.X*v.X + c.Diag.Y*v.Y + c.OffDiag.Z*v.Z,
		Z: c.OffDiag.Y*v.X + c.OffDiag.Z*v.Y + c.Diag.Z*v.Z,
	}
}

// IMUSource is the IMU driver contract.
type IMUSource interface {
	DeltaAngle(id SensorID) (r3.Vec, float64, bool)
	DeltaVelocity(id SensorID) (r3.Vec, float64, bool)
}

// GPSSource is the GPS driver contract.
type GPSSource interface {
	Fix(id SensorID) (GPSFix, bool)
}

// BaroSource is the barometer contract.
type BaroSource interface {
	Altitude(id SensorID) (altM float64, timeMs uint32, ok bool)
}

// CompassSource is the compass contract. Field returns raw readings;
// Calibration returns the stored correction for the instance.
type CompassSource interface {
	Field(id SensorID) (field r3.Vec, timeMs uint32, healthy bool)
	Calibration(id SensorID) (CompassCal, bool)
}

// AirspeedSource is the airspeed sensor contract.
type AirspeedSource interface {
	Airspeed(id SensorID) (eas, eas2tas float64, timeMs uint32, ok bool)
}

// ArmingSource reports whether the vehicle is armed.
type ArmingSource interface {
	Armed() bool
}

// ParamSource gives read access to tunable parameters by name.
type ParamSource interface {
	Param(name string) (float64, bool)
}

// ParamMap is a ParamSource over a flat name to value map.
type ParamMap map[string]float64

// Param implements ParamSource.
func (m ParamMap) Param(name string) (float64, bool) {
	v, ok := m[name]
	return v, ok
}

// MillisClock supplies sample timestamps.
type MillisClock interface {
	Millis() uint32
}
