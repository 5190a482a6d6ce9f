// Package geo converts between geodetic locations and the local NED frame
// used by the navigation filter.
package geo

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// WGS84 ellipsoid.
const (
	EarthSemiMajor  = 6378137.0
	EarthFlattening = 1 / 298.257223563
	eccSq           = EarthFlattening * (2 - EarthFlattening)
)

// Location is a geodetic position. Alt is metres above mean sea level.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	Alt float64 `json:"alt"`
}

// Valid reports whether the latitude and longitude are within range.
func (l Location) Valid() bool {
	return !math.IsNaN(l.Lat) && !math.IsNaN(l.Lng) &&
		l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// radii returns the meridian and prime-vertical radii of curvature at lat.
func radii(latDeg float64) (rn, re float64) {
	s := math.Sin(latDeg * math.Pi / 180)
	d := 1 - eccSq*s*s
	re = EarthSemiMajor / math.Sqrt(d)
	rn = EarthSemiMajor * (1 - eccSq) / (d * math.Sqrt(d))
	return rn, re
}

// OffsetNE moves the location north and east by the given distances in
// metres on the local tangent plane.
func (l Location) OffsetNE(north, east float64) Location {
	rn, re := radii(l.Lat)
	out := l
	out.Lat += north / (rn + l.Alt) * 180 / math.Pi
	out.Lng += east / ((re + l.Alt) * math.Cos(l.Lat*math.Pi/180)) * 180 / math.Pi
	out.Lng = wrapLng(out.Lng)
	return out
}

// NEDFrom returns the position of l relative to origin in metres (north,
// east, down) using a flat-earth approximation at the origin.
func (l Location) NEDFrom(origin Location) r3.Vec {
	rn, re := radii(origin.Lat)
	dLat := (l.Lat - origin.Lat) * math.Pi / 180
	dLng := wrapLng(l.Lng-origin.Lng) * math.Pi / 180
	return r3.Vec{
		X: dLat * (rn + origin.Alt),
		Y: dLng * (re + origin.Alt) * math.Cos(origin.Lat*math.Pi/180),
		Z: origin.Alt - l.Alt,
	}
}

// FromNED is the inverse of NEDFrom.
func FromNED(origin Location, ned r3.Vec) Location {
	out := origin.OffsetNE(ned.X, ned.Y)
	out.Alt = origin.Alt - ned.Z
	return out
}

func wrapLng(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}
