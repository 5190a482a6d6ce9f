package telemetry

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/navekf/internal/ekf"
)

func vec(v r3.Vec) []any { return []any{v.X, v.Y, v.Z} }

// SnapshotStruct flattens a filter output into a protobuf Struct. Vectors
// are three-element lists in NED or FRD order; bitmasks are carried both
// as numbers and as their names.
func SnapshotStruct(s ekf.Snapshot) (*structpb.Struct, error) {
	lanes := make([]any, len(s.Lanes))
	for i, l := range s.Lanes {
		lanes[i] = map[string]any{
			"index":       l.Index,
			"imu":         int(l.IMU),
			"initialised": l.Initialised,
			"healthy":     l.Healthy,
			"aid_mode":    l.AidMode.String(),
			"error_score": l.ErrorScore,
			"rel_err":     l.RelErr,
			"nan_count":   float64(l.NaNCount),
		}
	}
	m := map[string]any{
		"time_ms":       float64(s.TimeMs),
		"primary":       s.Primary,
		"healthy":       s.Healthy,
		"status":        float64(s.Status),
		"status_names":  s.Status.String(),
		"faults":        float64(s.Faults),
		"fault_names":   s.Faults.String(),
		"timeouts":      s.Timeouts.String(),
		"aid_mode":      s.AidMode.String(),
		"quat":          []any{s.Quat[0], s.Quat[1], s.Quat[2], s.Quat[3]},
		"euler":         vec(s.Euler),
		"position":      vec(s.Position),
		"velocity":      vec(s.Velocity),
		"gyro_bias":     vec(s.GyroBias),
		"accel_bias":    vec(s.AccelBias),
		"lane_switches": s.LaneSwitches,
		"prearm":        s.Prearm,
		"ratios": map[string]any{
			"vel": s.Ratios.Vel, "pos": s.Ratios.Pos, "hgt": s.Ratios.Hgt,
			"mag": s.Ratios.Mag, "yaw": s.Ratios.Yaw, "tas": s.Ratios.TAS,
		},
		"variances": map[string]any{
			"vel": s.Variances.Vel, "pos": s.Variances.Pos, "hgt": s.Variances.Hgt,
			"mag": s.Variances.Mag, "tas": s.Variances.TAS,
		},
		"lanes": lanes,
	}
	if s.HaveLocation {
		m["location"] = map[string]any{"lat": s.Location.Lat, "lng": s.Location.Lng, "alt": s.Location.Alt}
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("telemetry: encode snapshot: %w", err)
	}
	return st, nil
}

// Status is the client-side view of a SnapshotStruct.
type Status struct {
	TimeMs   uint32
	Primary  int
	Healthy  bool
	AidMode  string
	Position r3.Vec
	Velocity r3.Vec
	Euler    r3.Vec
}

func structVec(st *structpb.Struct, key string) r3.Vec {
	l := st.Fields[key].GetListValue().GetValues()
	if len(l) != 3 {
		return r3.Vec{}
	}
	return r3.Vec{X: l[0].GetNumberValue(), Y: l[1].GetNumberValue(), Z: l[2].GetNumberValue()}
}

// ParseStatus reads the common fields back out of a SnapshotStruct.
func ParseStatus(st *structpb.Struct) Status {
	f := st.GetFields()
	return Status{
		TimeMs:   uint32(f["time_ms"].GetNumberValue()),
		Primary:  int(f["primary"].GetNumberValue()),
		Healthy:  f["healthy"].GetBoolValue(),
		AidMode:  f["aid_mode"].GetStringValue(),
		Position: structVec(st, "position"),
		Velocity: structVec(st, "velocity"),
		Euler:    structVec(st, "euler"),
	}
}
