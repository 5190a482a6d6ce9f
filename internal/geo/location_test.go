package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestNEDRoundTrip(t *testing.T) {
	t.Parallel()
	origin := Location{Lat: -35.363261, Lng: 149.165230, Alt: 584}
	for _, ned := range []r3.Vec{{}, {X: 100, Y: -50, Z: -10}, {X: -2000, Y: 3000, Z: 5}} {
		loc := FromNED(origin, ned)
		back := loc.NEDFrom(origin)
		assert.InDelta(t, ned.X, back.X, 1e-6)
		assert.InDelta(t, ned.Y, back.Y, 1e-6)
		assert.InDelta(t, ned.Z, back.Z, 1e-9)
	}
}

func TestOffsetScale(t *testing.T) {
	t.Parallel()
	origin := Location{Lat: 0, Lng: 0}
	// one degree of latitude at the equator is about 110.57 km
	loc := origin.OffsetNE(110574, 0)
	assert.InDelta(t, 1.0, loc.Lat, 1e-3)
	assert.Equal(t, 0.0, loc.Lng)
}

func TestValid(t *testing.T) {
	t.Parallel()
	assert.True(t, Location{Lat: 10, Lng: 20}.Valid())
	assert.False(t, Location{Lat: 91}.Valid())
	assert.False(t, Location{Lng: -181}.Valid())
}

func TestLongitudeWrap(t *testing.T) {
	t.Parallel()
	origin := Location{Lat: 0, Lng: 179.9999}
	loc := origin.OffsetNE(0, 100)
	assert.Less(t, loc.Lng, 0.0)
	ned := loc.NEDFrom(origin)
	assert.InDelta(t, 100, ned.Y, 1e-6)
}
