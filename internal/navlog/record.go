package navlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/ekf"
	"github.com/banshee-data/navekf/internal/navmath"
)

// RecordType is the one-byte tag in front of every record payload.
type RecordType uint8

const (
	TypeIMU RecordType = iota + 1
	TypeGPS
	TypeBaro
	TypeMag
	TypeAirspeed
	TypeRange
	TypeFlow
	TypeBeacon
	TypeExtNav
	TypeExtNavVel
	TypeBodyOdom
	TypeArming
	TypeOutput
)

var typeNames = map[RecordType]string{
	TypeIMU: "imu", TypeGPS: "gps", TypeBaro: "baro", TypeMag: "mag",
	TypeAirspeed: "airspeed", TypeRange: "range", TypeFlow: "flow",
	TypeBeacon: "beacon", TypeExtNav: "extnav", TypeExtNavVel: "extnav_vel",
	TypeBodyOdom: "body_odom", TypeArming: "arming", TypeOutput: "output",
}

func (t RecordType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ErrUnknownType is returned when a record carries an unrecognised tag.
var ErrUnknownType = errors.New("navlog: unknown record type")

// Record is one logged input or output.
type Record interface {
	Type() RecordType
	Time() uint32
}

type IMURecord struct {
	Sensor dal.SensorID
	Delta  dal.IMUDelta
}

type GPSRecord struct {
	Sensor dal.SensorID
	Fix    dal.GPSFix
}

type BaroRecord struct {
	Sensor dal.SensorID
	AltM   float64
	TimeMs uint32
}

type MagRecord struct {
	Sensor dal.SensorID
	Field  r3.Vec // Gauss, calibrated
	TimeMs uint32
}

type AirspeedRecord struct {
	Sensor  dal.SensorID
	EAS     float64
	EAS2TAS float64
	TimeMs  uint32
}

type RangeRecord struct{ ekf.RangeSample }
type FlowRecord struct{ ekf.FlowSample }
type BeaconRecord struct{ ekf.BeaconSample }
type ExtNavRecord struct{ ekf.ExtNavSample }
type ExtNavVelRecord struct{ ekf.ExtNavVelSample }
type BodyOdomRecord struct{ ekf.BodyOdomSample }

type ArmingRecord struct {
	TimeMs uint32
	Armed  bool
}

// OutputRecord is the filter solution at one IMU step, logged so a
// replay can be compared against the live run.
type OutputRecord struct {
	TimeMs  uint32
	Primary uint8
	Healthy bool
	AidMode uint8
	Status  uint32
	Quat    navmath.Quat
	Vel     r3.Vec
	Pos     r3.Vec
}

// OutputFromSnapshot condenses a frontend snapshot.
func OutputFromSnapshot(s ekf.Snapshot) OutputRecord {
	return OutputRecord{
		TimeMs:  s.TimeMs,
		Primary: uint8(s.Primary),
		Healthy: s.Healthy,
		AidMode: uint8(s.AidMode),
		Status:  uint32(s.Status),
		Quat:    s.Quat,
		Vel:     s.Velocity,
		Pos:     s.Position,
	}
}

func (IMURecord) Type() RecordType       { return TypeIMU }
func (GPSRecord) Type() RecordType       { return TypeGPS }
func (BaroRecord) Type() RecordType      { return TypeBaro }
func (MagRecord) Type() RecordType       { return TypeMag }
func (AirspeedRecord) Type() RecordType  { return TypeAirspeed }
func (RangeRecord) Type() RecordType     { return TypeRange }
func (FlowRecord) Type() RecordType      { return TypeFlow }
func (BeaconRecord) Type() RecordType    { return TypeBeacon }
func (ExtNavRecord) Type() RecordType    { return TypeExtNav }
func (ExtNavVelRecord) Type() RecordType { return TypeExtNavVel }
func (BodyOdomRecord) Type() RecordType  { return TypeBodyOdom }
func (ArmingRecord) Type() RecordType    { return TypeArming }
func (OutputRecord) Type() RecordType    { return TypeOutput }

func (r IMURecord) Time() uint32       { return r.Delta.TimeMs }
func (r GPSRecord) Time() uint32       { return r.Fix.TimeMs }
func (r BaroRecord) Time() uint32      { return r.TimeMs }
func (r MagRecord) Time() uint32       { return r.TimeMs }
func (r AirspeedRecord) Time() uint32  { return r.TimeMs }
func (r RangeRecord) Time() uint32     { return r.TimeMs }
func (r FlowRecord) Time() uint32      { return r.TimeMs }
func (r BeaconRecord) Time() uint32    { return r.TimeMs }
func (r ExtNavRecord) Time() uint32    { return r.TimeMs }
func (r ExtNavVelRecord) Time() uint32 { return r.TimeMs }
func (r BodyOdomRecord) Time() uint32  { return r.TimeMs }
func (r ArmingRecord) Time() uint32    { return r.TimeMs }
func (r OutputRecord) Time() uint32    { return r.TimeMs }

// gpsWire and beaconWire replace the int fields that encoding/binary
// cannot size.
type gpsWire struct {
	Sensor      dal.SensorID
	Lat, Lng    float64
	Alt         float64
	VelNED      r3.Vec
	HaveVertVel bool
	HAcc        float64
	VAcc        float64
	SAcc        float64
	NumSats     int32
	HDOP        float64
	TimeMs      uint32
	FixType     dal.FixType
}

type beaconWire struct {
	Sample    ekf.Sample
	BeaconID  int32
	Range     float64
	RangeErr  float64
	BeaconPos r3.Vec
}

// wire returns the fixed-size value encoded for rec.
func wire(rec Record) (any, error) {
	switch r := rec.(type) {
	case GPSRecord:
		f := r.Fix
		return &gpsWire{
			Sensor: r.Sensor, Lat: f.Lat, Lng: f.Lng, Alt: f.Alt, VelNED: f.VelNED,
			HaveVertVel: f.HaveVertVel, HAcc: f.HAcc, VAcc: f.VAcc, SAcc: f.SAcc,
			NumSats: int32(f.NumSats), HDOP: f.HDOP, TimeMs: f.TimeMs, FixType: f.FixType,
		}, nil
	case BeaconRecord:
		b := r.BeaconSample
		return &beaconWire{Sample: b.Sample, BeaconID: int32(b.BeaconID), Range: b.Range, RangeErr: b.RangeErr, BeaconPos: b.BeaconPos}, nil
	case IMURecord, BaroRecord, MagRecord, AirspeedRecord, RangeRecord, FlowRecord,
		ExtNavRecord, ExtNavVelRecord, BodyOdomRecord, ArmingRecord, OutputRecord:
		return r, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownType, rec)
}

// Marshal encodes rec as its type tag followed by the little-endian
// payload.
func Marshal(rec Record) ([]byte, error) {
	w, err := wire(rec)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(rec.Type()))
	if err := binary.Write(&buf, binary.LittleEndian, w); err != nil {
		return nil, fmt.Errorf("navlog: encode %s: %w", rec.Type(), err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes one tagged payload.
func Unmarshal(data []byte) (Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("navlog: empty record")
	}
	t := RecordType(data[0])
	rd := bytes.NewReader(data[1:])
	read := func(v any) error {
		if err := binary.Read(rd, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("navlog: decode %s: %w", t, err)
		}
		return nil
	}
	switch t {
	case TypeGPS:
		var w gpsWire
		if err := read(&w); err != nil {
			return nil, err
		}
		return GPSRecord{Sensor: w.Sensor, Fix: dal.GPSFix{
			Lat: w.Lat, Lng: w.Lng, Alt: w.Alt, VelNED: w.VelNED, HaveVertVel: w.HaveVertVel,
			HAcc: w.HAcc, VAcc: w.VAcc, SAcc: w.SAcc, NumSats: int(w.NumSats), HDOP: w.HDOP,
			TimeMs: w.TimeMs, FixType: w.FixType,
		}}, nil
	case TypeBeacon:
		var w beaconWire
		if err := read(&w); err != nil {
			return nil, err
		}
		return BeaconRecord{ekf.BeaconSample{Sample: w.Sample, BeaconID: int(w.BeaconID), Range: w.Range, RangeErr: w.RangeErr, BeaconPos: w.BeaconPos}}, nil
	}
	return decodeFixed(t, read)
}

func decodeFixed(t RecordType, read func(any) error) (Record, error) {
	switch t {
	case TypeIMU:
		return decodeAs[IMURecord](read)
	case TypeBaro:
		return decodeAs[BaroRecord](read)
	case TypeMag:
		return decodeAs[MagRecord](read)
	case TypeAirspeed:
		return decodeAs[AirspeedRecord](read)
	case TypeRange:
		return decodeAs[RangeRecord](read)
	case TypeFlow:
		return decodeAs[FlowRecord](read)
	case TypeExtNav:
		return decodeAs[ExtNavRecord](read)
	case TypeExtNavVel:
		return decodeAs[ExtNavVelRecord](read)
	case TypeBodyOdom:
		return decodeAs[BodyOdomRecord](read)
	case TypeArming:
		return decodeAs[ArmingRecord](read)
	case TypeOutput:
		return decodeAs[OutputRecord](read)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
}

func decodeAs[T Record](read func(any) error) (Record, error) {
	var r T
	if err := read(&r); err != nil {
		return nil, err
	}
	return r, nil
}
