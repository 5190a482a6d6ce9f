package units

import (
	"math"
	"testing"
)

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name     string
		speedMPS float64
		units    string
		expected float64
	}{
		{"10 m/s to mph", 10.0, MPH, 22.3694},
		{"10 m/s to kph", 10.0, KPH, 36.0},
		{"10 m/s to knots", 10.0, Knots, 19.4384},
		{"10 m/s to mps", 10.0, MPS, 10.0},
		{"unknown units default to mps", 10.0, "unknown", 10.0},
		{"cruise 25.72 m/s to knots", 25.72, Knots, 50.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertSpeed(tt.speedMPS, tt.units)
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("ConvertSpeed(%f, %s) = %f, want %f", tt.speedMPS, tt.units, result, tt.expected)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		unit     string
		expected bool
	}{
		{MPS, true},
		{KPH, true},
		{MPH, true},
		{Knots, true},
		{"kmph", false},
		{"", false},
		{"MPH", false},
	}

	for _, tt := range tests {
		if got := IsValid(tt.unit); got != tt.expected {
			t.Errorf("IsValid(%q) = %v, want %v", tt.unit, got, tt.expected)
		}
	}
}

func TestGetValidUnitsString(t *testing.T) {
	if got := GetValidUnitsString(); got != "mps, kph, mph, knots" {
		t.Errorf("GetValidUnitsString() = %s", got)
	}
}

func TestConvertAngle(t *testing.T) {
	if got := ConvertAngle(math.Pi/2, Deg); math.Abs(got-90) > 1e-12 {
		t.Errorf("ConvertAngle(pi/2, deg) = %f", got)
	}
	if got := ConvertAngle(1, Rad); got != 1 {
		t.Errorf("ConvertAngle(1, rad) = %f", got)
	}
}

func TestWrapDegrees(t *testing.T) {
	for in, want := range map[float64]float64{-90: 270, 0: 0, 360: 0, 725: 5} {
		if got := WrapDegrees(in); math.Abs(got-want) > 1e-9 {
			t.Errorf("WrapDegrees(%f) = %f, want %f", in, got, want)
		}
	}
}
