package ekf

import (
	"fmt"
	"strings"
)

// AidMode is the kind of position reference in use.
type AidMode int

const (
	AidNone     AidMode = iota // attitude and height only
	AidRelative                // optical flow or body odometry
	AidAbsolute                // GPS, beacons or external navigation
)

func (m AidMode) String() string {
	switch m {
	case AidNone:
		return "none"
	case AidRelative:
		return "relative"
	case AidAbsolute:
		return "absolute"
	}
	return fmt.Sprintf("aid(%d)", int(m))
}

// FaultStatus is a bitmask of numerical and sensor faults.
type FaultStatus uint16

const (
	FaultBadQuaternion FaultStatus = 1 << iota
	FaultBadMagX
	FaultBadMagY
	FaultBadMagZ
	FaultBadAirspeed
	FaultBadSideslip
	FaultBadOptFlowX
	FaultBadOptFlowY
	FaultNaN
	FaultBadIMU
	FaultBadCovariance
)

var faultNames = []string{"bad_quat", "bad_mag_x", "bad_mag_y", "bad_mag_z", "bad_airspeed", "bad_sideslip", "bad_flow_x", "bad_flow_y", "nan", "bad_imu", "bad_covariance"}

func (f FaultStatus) String() string {
	return bitNames(uint32(f), faultNames)
}

// TimeoutStatus is a bitmask of sensors whose data has timed out.
type TimeoutStatus uint8

const (
	TimeoutPos TimeoutStatus = 1 << iota
	TimeoutVel
	TimeoutHgt
	TimeoutMag
	TimeoutTAS
)

var timeoutNames = []string{"pos", "vel", "hgt", "mag", "tas"}

func (t TimeoutStatus) String() string {
	return bitNames(uint32(t), timeoutNames)
}

// FilterStatus is the solution status bitmask reported to consumers.
type FilterStatus uint32

const (
	StatusAttitude FilterStatus = 1 << iota
	StatusHorizVel
	StatusVertVel
	StatusHorizPosRel
	StatusHorizPosAbs
	StatusVertPos
	StatusTerrainAlt
	StatusConstPosMode
	StatusPredHorizPosRel
	StatusPredHorizPosAbs
	StatusTakeoffDetected
	StatusUsingGPS
	StatusGPSGlitching
	StatusInitialized
	StatusDeadReckoning
	StatusGPSQualityGood
	StatusRejectingAirspeed
)

var statusNames = []string{
	"attitude", "horiz_vel", "vert_vel", "horiz_pos_rel", "horiz_pos_abs", "vert_pos",
	"terrain_alt", "const_pos_mode", "pred_horiz_pos_rel", "pred_horiz_pos_abs",
	"takeoff_detected", "using_gps", "gps_glitching", "initialized", "dead_reckoning",
	"gps_quality_good", "rejecting_airspeed",
}

func (s FilterStatus) String() string {
	return bitNames(uint32(s), statusNames)
}

// Has reports whether every bit of flag is set.
func (s FilterStatus) Has(flag FilterStatus) bool {
	return s&flag == flag
}

func bitNames(v uint32, names []string) string {
	var parts []string
	for i, n := range names {
		if v&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
