package geo

import "math"

const earthRadiusKm = 6371.0

// LatLng is a WGS84 coordinate in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// HaversineKm returns the great-circle distance between two points in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// DistanceM returns the great-circle distance between a and b in meters.
func DistanceM(a, b LatLng) float64 {
	return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng) * 1000
}

// Offset returns the point reached by moving north and east by the given
// number of meters. Accurate enough for the short distances used by geofences.
func Offset(p LatLng, northM, eastM float64) LatLng {
	dLat := northM / (earthRadiusKm * 1000) * 180 / math.Pi
	dLng := eastM / (earthRadiusKm * 1000 * math.Cos(p.Lat*math.Pi/180)) * 180 / math.Pi
	return LatLng{Lat: p.Lat + dLat, Lng: p.Lng + dLng}
}
