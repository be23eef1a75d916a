package location

import (
	"time"

	"backend-trackmates/internal/shared/geo"
)

type Authorization string

const (
	AuthNotDetermined Authorization = "notDetermined"
	AuthWhileInUse    Authorization = "whileInUse"
	AuthAlways        Authorization = "always"
	AuthDenied        Authorization = "denied"
)

// BackgroundCapable reports whether updates continue while the app is not
// foregrounded.
func (a Authorization) BackgroundCapable() bool {
	return a == AuthAlways
}

func ParseAuthorization(s string) (Authorization, bool) {
	switch a := Authorization(s); a {
	case AuthNotDetermined, AuthWhileInUse, AuthAlways, AuthDenied:
		return a, true
	}
	return "", false
}

type AccuracyTier string

const (
	AccuracyHigh     AccuracyTier = "high"
	AccuracyBalanced AccuracyTier = "balanced"
	AccuracyLow      AccuracyTier = "low"
)

// Fix is one raw position reading. Timestamp is the device clock.
type Fix struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`
	Bearing   *float64  `json:"bearing,omitempty"`
}

func (f Fix) Position() geo.LatLng {
	return geo.LatLng{Lat: f.Lat, Lng: f.Lng}
}

// Age is the time elapsed since the fix was taken. A fix stamped in the future
// has age zero.
func (f Fix) Age(now time.Time) time.Duration {
	age := now.Sub(f.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

// Region is a circular region watched by the platform.
type Region struct {
	ID      string     `json:"id"`
	Center  geo.LatLng `json:"center"`
	RadiusM float64    `json:"radius_m"`
	Name    string     `json:"name"`
}

func (r Region) Contains(p geo.LatLng) bool {
	return geo.DistanceM(r.Center, p) <= r.RadiusM
}

type RegionEvent struct {
	ID      string `json:"id"`
	Entered bool   `json:"entered"`
}
