package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineDistanceZero(t *testing.T) {
	d := HaversineDistanceMeters(45.815, 15.9819, 45.815, 15.9819)
	assert.Equal(t, 0.0, d)
}

func TestHaversineDistanceKnownPoints(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		expectedMeters         float64
		tolerance              float64
	}{
		{
			// One degree of latitude is ~111.2 km on a 6371 km sphere.
			name: "one degree latitude",
			lat1: 45.0, lon1: 16.0, lat2: 46.0, lon2: 16.0,
			expectedMeters: 111195,
			tolerance:      10,
		},
		{
			// One degree of longitude at 45N shrinks by cos(45).
			name: "one degree longitude at 45N",
			lat1: 45.0, lon1: 16.0, lat2: 45.0, lon2: 17.0,
			expectedMeters: 111195 * math.Cos(45*math.Pi/180),
			tolerance:      60,
		},
		{
			name: "short hop in Zagreb",
			lat1: 45.800, lon1: 16.000, lat2: 45.80001, lon2: 16.00001,
			expectedMeters: 1.35,
			tolerance:      0.1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := HaversineDistanceMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.expectedMeters, d, tt.tolerance)
		})
	}
}

func TestHaversineDistanceSymmetric(t *testing.T) {
	d1 := HaversineDistanceMeters(45.80, 15.90, 45.85, 16.05)
	d2 := HaversineDistanceMeters(45.85, 16.05, 45.80, 15.90)
	assert.InDelta(t, d1, d2, 1e-9)
}

func TestBearingCardinalDirections(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		expectedRadians        float64
	}{
		{name: "north", lat1: 45.8, lon1: 16.0, lat2: 45.9, lon2: 16.0, expectedRadians: 0},
		{name: "east", lat1: 45.8, lon1: 16.0, lat2: 45.8, lon2: 16.1, expectedRadians: math.Pi / 2},
		{name: "south", lat1: 45.8, lon1: 16.0, lat2: 45.7, lon2: 16.0, expectedRadians: math.Pi},
		{name: "west", lat1: 45.8, lon1: 16.0, lat2: 45.8, lon2: 15.9, expectedRadians: -math.Pi / 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			angle := Bearing(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.expectedRadians, angle, 1e-9)
		})
	}
}

func TestBearingNortheastShrinksWithLatitude(t *testing.T) {
	// Equal degree deltas do not point exactly northeast away from the
	// equator: the longitude leg is shortened by cos(lat).
	angle := Bearing(45.8, 16.0, 45.9, 16.1)
	expected := math.Atan2(0.1*math.Cos(45.8*math.Pi/180), 0.1)
	assert.InDelta(t, expected, angle, 1e-9)
	assert.Less(t, angle, math.Pi/4)
}
