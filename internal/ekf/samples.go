package ekf

import (
	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/geo"
	"github.com/banshee-data/navekf/internal/navmath"
	"gonum.org/v1/gonum/spatial/r3"
)

// Sample is the common header of every buffered measurement.
type Sample struct {
	TimeMs   uint32
	Instance dal.SensorID
}

// SampleTime implements ringbuf.Timed.
func (s Sample) SampleTime() uint32 { return s.TimeMs }

// IMUSample is one delta-angle/delta-velocity interval.
type IMUSample struct {
	Sample
	DelAng   r3.Vec
	DelVel   r3.Vec
	DelAngDt float64
	DelVelDt float64
}

// Lerp interpolates toward next.
func (s IMUSample) Lerp(next IMUSample, frac float64) IMUSample {
	out := s
	out.TimeMs = s.TimeMs + uint32(frac*float64(next.TimeMs-s.TimeMs))
	out.DelAng = navmath.VecLerp(s.DelAng, next.DelAng, frac)
	out.DelVel = navmath.VecLerp(s.DelVel, next.DelVel, frac)
	out.DelAngDt = s.DelAngDt + frac*(next.DelAngDt-s.DelAngDt)
	out.DelVelDt = s.DelVelDt + frac*(next.DelVelDt-s.DelVelDt)
	return out
}

// GPSSample is a GPS fix converted for fusion. A fix may carry only one
// of velocity and position; the other is left out of fusion.
type GPSSample struct {
	Sample
	Loc         geo.Location
	Vel         r3.Vec
	HavePos     bool
	HaveVel     bool
	HaveVertVel bool
	HAcc        float64
	VAcc        float64
	SAcc        float64
	NumSats     int
	HDOP        float64
	FixType     dal.FixType
}

// BaroSample is a barometric altitude.
type BaroSample struct {
	Sample
	Alt float64 // m
}

// MagSample is a calibrated body-frame magnetic field.
type MagSample struct {
	Sample
	Field r3.Vec // Gauss
}

// TASSample is a true airspeed.
type TASSample struct {
	Sample
	TAS float64 // m/s
}

// RangeSample is a downward range finder reading.
type RangeSample struct {
	Sample
	Range    float64 // m
	MaxRange float64 // m, sensor limit
	// PosOffset is the sensor position in the body frame.
	PosOffset r3.Vec
}

// FlowSample is an optical flow reading.
type FlowSample struct {
	Sample
	Quality  uint8
	FlowRate [2]float64 // rad/s, sensor X/Y
	BodyRate [2]float64 // rad/s, sensor gyro X/Y
}

// BeaconSample is a range to one beacon.
type BeaconSample struct {
	Sample
	BeaconID int
	Range    float64 // m
	RangeErr float64 // m, 1σ
	// BeaconPos is the beacon position NED relative to the beacon origin.
	BeaconPos r3.Vec
}

// ExtNavSample is an external navigation pose.
type ExtNavSample struct {
	Sample
	Pos      r3.Vec // NED m
	Quat     navmath.Quat
	PosErr   float64 // m
	AngErr   float64 // rad
	PosReset bool
}

// ExtNavVelSample is an external navigation velocity.
type ExtNavVelSample struct {
	Sample
	Vel r3.Vec // NED m/s
	Err float64
}

// BodyOdomSample is a body-frame displacement from wheel or visual odometry.
type BodyOdomSample struct {
	Sample
	DelPos  r3.Vec // m, body frame
	DelAng  r3.Vec // rad, body frame
	DelTime float64
	Quality float64 // 0..100
	VelErr  float64 // m/s
}

// Vel returns the body-frame velocity implied by the displacement.
func (o BodyOdomSample) Vel() r3.Vec {
	if o.DelTime <= 0 {
		return r3.Vec{}
	}
	return r3.Scale(1/o.DelTime, o.DelPos)
}

// OutputElement is one entry of the output predictor history.
type OutputElement struct {
	TimeMs uint32
	Quat   navmath.Quat
	Vel    r3.Vec
	Pos    r3.Vec
}

// SampleTime implements ringbuf.Timed.
func (o OutputElement) SampleTime() uint32 { return o.TimeMs }

// Lerp interpolates toward next. The quaternion is normalised linear
// interpolation, adequate across one filter step.
func (o OutputElement) Lerp(next OutputElement, frac float64) OutputElement {
	out := OutputElement{TimeMs: o.TimeMs + uint32(frac*float64(next.TimeMs-o.TimeMs))}
	for i := range out.Quat {
		out.Quat[i] = o.Quat[i] + frac*(next.Quat[i]-o.Quat[i])
	}
	if q, ok := out.Quat.Normalized(); ok {
		out.Quat = q
	}
	out.Vel = navmath.VecLerp(o.Vel, next.Vel, frac)
	out.Pos = navmath.VecLerp(o.Pos, next.Pos, frac)
	return out
}
