// Package geo provides the small amount of spherical geometry the vehicle
// tracker needs: great-circle distance for staleness thresholds and a planar
// bearing for rendering direction arrows.
package geo

import "math"

const (
	// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
	EarthRadiusMeters = 6371000.0
)

// HaversineDistanceMeters computes the great-circle distance in meters between
// two points given in decimal degrees.
func HaversineDistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	deltaPhi := phi2 - phi1
	deltaLambda := (lon2 - lon1) * math.Pi / 180

	sinPhi := math.Sin(0.5 * deltaPhi)
	sinLambda := math.Sin(0.5 * deltaLambda)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Bearing computes the direction in radians from point 1 to point 2 in a
// local planar approximation, with north = 0 and east = pi/2. The inputs are
// decimal degrees; the degree-to-radian factor cancels in the atan2 ratio, so
// only the longitude shrink factor cos(lat1) is applied. Only valid for short
// segments, which is all the trajectory tails ever span.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	dx := (lon2 - lon1) * math.Cos(lat1*math.Pi/180)
	dy := lat2 - lat1
	return math.Atan2(dx, dy)
}
