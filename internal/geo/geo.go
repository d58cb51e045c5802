// Package geo provides great-circle helpers over WGS84 coordinates.
package geo

import (
	"math"

	"medroute/internal/models"
)

// EarthRadiusKm is the mean Earth radius used by the haversine formula
const EarthRadiusKm = 6371.0

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// Distance returns the great-circle distance between a and b in kilometres
func Distance(a, b models.Coordinate) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push h a hair above 1 for antipodal points
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// DistanceMeters returns the great-circle distance in metres
func DistanceMeters(a, b models.Coordinate) float64 {
	return Distance(a, b) * 1000
}

// Bearing returns the initial heading from a to b in degrees within [0, 360)
func Bearing(a, b models.Coordinate) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)

	return NormalizeAngle(toDegrees(math.Atan2(y, x)))
}

// NormalizeAngle maps any angle in degrees onto [0, 360)
func NormalizeAngle(deg float64) float64 {
	n := math.Mod(deg, 360)
	if n < 0 {
		n += 360
	}
	if n >= 360 {
		n = 0
	}
	return n
}

// AngularDifference returns the smallest absolute difference between two headings, in [0, 180]
func AngularDifference(a, b float64) float64 {
	d := NormalizeAngle(a - b)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// PathLength sums the great-circle distance along consecutive points in kilometres
func PathLength(points []models.Coordinate) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// NearestDistanceMeters returns the distance in metres from p to the closest of the given vertices.
// ok is false when there are no vertices.
func NearestDistanceMeters(p models.Coordinate, vertices []models.Coordinate) (meters float64, ok bool) {
	if len(vertices) == 0 {
		return 0, false
	}
	best := math.Inf(1)
	for _, v := range vertices {
		if d := DistanceMeters(p, v); d < best {
			best = d
		}
	}
	return best, true
}

// Interpolate returns a straight-line polyline from a to b with the given number of segments
func Interpolate(a, b models.Coordinate, segments int) []models.Coordinate {
	if segments < 1 {
		segments = 1
	}
	points := make([]models.Coordinate, 0, segments+1)
	for i := 0; i < segments; i++ {
		f := float64(i) / float64(segments)
		points = append(points, models.Coordinate{
			Lat: a.Lat + (b.Lat-a.Lat)*f,
			Lng: a.Lng + (b.Lng-a.Lng)*f,
		})
	}
	return append(points, b)
}
