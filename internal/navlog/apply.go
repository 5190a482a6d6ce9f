package navlog

import (
	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/ekf"
)

// Target receives decoded input records. ekf.Frontend satisfies it.
type Target interface {
	dal.Sink
	WriteRangeFinder(ekf.RangeSample)
	WriteOptFlow(ekf.FlowSample)
	WriteBeaconRange(ekf.BeaconSample)
	WriteExtNav(ekf.ExtNavSample)
	WriteExtNavVel(ekf.ExtNavVelSample)
	WriteBodyOdom(ekf.BodyOdomSample)
}

var _ Target = (*ekf.Frontend)(nil)

// Apply routes a sensor record into t. Arming and output records are
// not sensor inputs; Apply returns false for them and for unknown types.
func Apply(t Target, rec Record) bool {
	switch r := rec.(type) {
	case IMURecord:
		t.WriteIMUDelta(r.Sensor, r.Delta)
	case GPSRecord:
		t.WriteGPSFix(r.Sensor, r.Fix)
	case BaroRecord:
		t.WriteBaroAltitude(r.Sensor, r.AltM, r.TimeMs)
	case MagRecord:
		t.WriteMagField(r.Sensor, r.Field, r.TimeMs)
	case AirspeedRecord:
		t.WriteAirspeedEAS(r.Sensor, r.EAS, r.EAS2TAS, r.TimeMs)
	case RangeRecord:
		t.WriteRangeFinder(r.RangeSample)
	case FlowRecord:
		t.WriteOptFlow(r.FlowSample)
	case BeaconRecord:
		t.WriteBeaconRange(r.BeaconSample)
	case ExtNavRecord:
		t.WriteExtNav(r.ExtNavSample)
	case ExtNavVelRecord:
		t.WriteExtNavVel(r.ExtNavVelSample)
	case BodyOdomRecord:
		t.WriteBodyOdom(r.BodyOdomSample)
	default:
		return false
	}
	return true
}
