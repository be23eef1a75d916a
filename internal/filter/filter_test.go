package filter

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"backend-trackmates/internal/location"
	"backend-trackmates/internal/shared/geo"
)

var origin = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func fixAt(p geo.LatLng, ts time.Time, acc float64) location.Fix {
	return location.Fix{Lat: p.Lat, Lng: p.Lng, Accuracy: acc, Timestamp: ts}
}

func TestValidateRejects(t *testing.T) {
	s := DefaultSettings()
	cases := []struct {
		name string
		fix  location.Fix
		want error
	}{
		{"stale", fixAt(geo.LatLng{}, origin.Add(-6*time.Second), 5), ErrStale},
		{"too inaccurate", fixAt(geo.LatLng{}, origin, 100.5), ErrInaccurate},
		{"negative accuracy", fixAt(geo.LatLng{}, origin, -1), ErrInaccurate},
		{"nan accuracy", fixAt(geo.LatLng{}, origin, math.NaN()), ErrInaccurate},
		{"boundary age", fixAt(geo.LatLng{}, origin.Add(-5*time.Second), 5), nil},
		{"boundary accuracy", fixAt(geo.LatLng{}, origin, 100), nil},
		{"zero accuracy", fixAt(geo.LatLng{}, origin, 0), nil},
		{"future timestamp", fixAt(geo.LatLng{}, origin.Add(2*time.Second), 5), nil},
	}
	for _, tc := range cases {
		if got := Validate(tc.fix, origin, s); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestRejectedFixDoesNotMoveReference(t *testing.T) {
	f := New(DefaultSettings())
	if d := f.Evaluate(fixAt(geo.LatLng{}, origin, 5), origin); d.Verdict != Forward {
		t.Fatalf("expected first fix forwarded")
	}

	far := geo.Offset(geo.LatLng{}, 500, 0)
	if d := f.Evaluate(fixAt(far, origin.Add(time.Second), 150), origin.Add(time.Second)); d.Verdict != Rejected {
		t.Fatalf("expected inaccurate fix rejected")
	}

	near := geo.Offset(geo.LatLng{}, 2, 0)
	if d := f.Evaluate(fixAt(near, origin.Add(2*time.Second), 5), origin.Add(2*time.Second)); d.Verdict != Throttled {
		t.Fatalf("expected throttle against the original reference, got %v", d.Verdict)
	}
}

// Fix stream [(t=0), (t=3s, 2m), (t=20s, 2m)] with 15s/10m: only t=0 and t=20s forward.
func TestScenarioThrottle(t *testing.T) {
	f := New(Settings{MaxAge: 5 * time.Second, MaxAccuracyM: 100, DistanceFilterM: 10, UpdateInterval: 15 * time.Second})

	p0 := geo.LatLng{Lat: -6.2, Lng: 106.8}
	p1 := geo.Offset(p0, 2, 0)
	p2 := geo.Offset(p1, 2, 0)

	stream := []struct {
		fix  location.Fix
		want Verdict
	}{
		{fixAt(p0, origin, 10), Forward},
		{fixAt(p1, origin.Add(3*time.Second), 10), Throttled},
		{fixAt(p2, origin.Add(20*time.Second), 10), Forward},
	}
	for i, s := range stream {
		d := f.Evaluate(s.fix, s.fix.Timestamp)
		if d.Verdict != s.want {
			t.Fatalf("fix %d: got %v want %v (%s)", i, d.Verdict, s.want, d.Reason)
		}
	}
}

func TestDistanceGate(t *testing.T) {
	f := New(DefaultSettings())
	p0 := geo.LatLng{Lat: 10, Lng: 10}
	f.Evaluate(fixAt(p0, origin, 5), origin)

	d := f.Evaluate(fixAt(geo.Offset(p0, 11, 0), origin.Add(time.Second), 5), origin.Add(time.Second))
	if d.Verdict != Forward || d.Reason != "distance" {
		t.Fatalf("expected distance forward, got %v/%s", d.Verdict, d.Reason)
	}
}

func TestResetForwardsNext(t *testing.T) {
	f := New(DefaultSettings())
	f.Evaluate(fixAt(geo.LatLng{}, origin, 5), origin)
	f.Reset()
	if d := f.Evaluate(fixAt(geo.LatLng{}, origin.Add(time.Second), 5), origin.Add(time.Second)); d.Reason != "first" {
		t.Fatalf("expected first after reset, got %s", d.Reason)
	}
}

// Randomized streams: forwarded iff distance > filter or elapsed > interval,
// measured against the previous forwarded fix.
func TestThrottleProperty(t *testing.T) {
	s := Settings{MaxAge: 5 * time.Second, MaxAccuracyM: 100, DistanceFilterM: 10, UpdateInterval: 15 * time.Second}
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		f := New(s)
		pos := geo.LatLng{Lat: rng.Float64()*120 - 60, Lng: rng.Float64()*300 - 150}
		ts := origin
		var prev *location.Fix

		for i := 0; i < 200; i++ {
			ts = ts.Add(time.Duration(rng.Intn(8000)) * time.Millisecond)
			pos = geo.Offset(pos, rng.Float64()*12-6, rng.Float64()*12-6)
			fix := fixAt(pos, ts, rng.Float64()*100)

			d := f.Evaluate(fix, ts)
			want := prev == nil ||
				geo.DistanceM(prev.Position(), fix.Position()) > s.DistanceFilterM ||
				fix.Timestamp.Sub(prev.Timestamp) > s.UpdateInterval

			if (d.Verdict == Forward) != want {
				t.Fatalf("run %d fix %d: forwarded=%v want %v", run, i, d.Verdict == Forward, want)
			}
			if d.Verdict == Forward {
				cp := fix
				prev = &cp
			}
		}
	}
}
