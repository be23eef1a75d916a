package geo

import (
	"math"
	"testing"
)

func TestHaversineKm(t *testing.T) {
	// Jakarta (-6.2, 106.816) to Bandung (-6.9175, 107.6191) ~ 115-120 km
	d := HaversineKm(-6.2, 106.816, -6.9175, 107.6191)
	if d < 100 || d > 140 {
		t.Fatalf("unexpected distance: %v", d)
	}
}

func TestDistanceMShort(t *testing.T) {
	// 0.0005 degrees of latitude is ~55.6m
	d := DistanceM(LatLng{}, LatLng{Lat: 0.0005})
	if d < 55 || d > 56 {
		t.Fatalf("unexpected distance: %v", d)
	}
	if DistanceM(LatLng{Lat: 1, Lng: 1}, LatLng{Lat: 1, Lng: 1}) != 0 {
		t.Fatalf("expected zero distance for identical points")
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	origin := LatLng{Lat: -6.2, Lng: 106.8}
	p := Offset(origin, 300, 400)
	d := DistanceM(origin, p)
	if math.Abs(d-500) > 1 {
		t.Fatalf("expected ~500m, got %v", d)
	}
}
