// Package units converts the filter's SI outputs into display units.
package units

import (
	"math"
	"strings"
)

// Speed units.
const (
	MPS   = "mps"
	KPH   = "kph"
	MPH   = "mph"
	Knots = "knots"
)

// Angle units.
const (
	Rad = "rad"
	Deg = "deg"
)

var ValidUnits = []string{MPS, KPH, MPH, Knots}

var ValidAngleUnits = []string{Rad, Deg}

// IsValid reports whether unit is a speed unit. Matching is case
// sensitive.
func IsValid(unit string) bool {
	for _, u := range ValidUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// GetValidUnitsString lists the speed units for error messages.
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertSpeed converts from metres per second. Unknown units return the
// input unchanged.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case KPH:
		return speedMPS * 3.6
	case MPH:
		return speedMPS * 2.2369362920544
	case Knots:
		return speedMPS * 1.9438444924406
	default:
		return speedMPS
	}
}

// ConvertAngle converts from radians. Unknown units return the input
// unchanged.
func ConvertAngle(rad float64, targetUnits string) float64 {
	if targetUnits == Deg {
		return rad * 180 / math.Pi
	}
	return rad
}

// WrapDegrees maps an angle in degrees onto [0, 360), the convention for
// headings.
func WrapDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
