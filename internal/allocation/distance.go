package allocation

import "math"

const earthRadiusKm = 6371.0

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// HaversineKm is the great-circle distance between two points. Good enough
// for ranking warehouses; nobody ships along a chord.
func HaversineKm(a, b Coordinates) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
