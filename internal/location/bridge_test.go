package location

import (
	"context"
	"errors"
	"testing"
	"time"

	"backend-trackmates/internal/shared/geo"
)

func TestBridgeStartStop(t *testing.T) {
	b := NewBridge(AuthAlways)

	fixes, err := b.Start(context.Background(), AccuracyHigh, 10)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.PushFix(Fix{Lat: 1, Lng: 2, Accuracy: 5, Timestamp: time.Now()}); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case fix := <-fixes:
		if fix.Lat != 1 || fix.Lng != 2 {
			t.Fatalf("unexpected fix %+v", fix)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("timeout waiting for fix")
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := <-fixes; ok {
		t.Fatalf("expected fix channel closed after stop")
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := b.PushFix(Fix{}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestBridgeStartServiceDisabled(t *testing.T) {
	b := NewBridge(AuthAlways)
	b.SetServiceEnabled(false)

	if _, err := b.Start(context.Background(), AccuracyHigh, 10); !errors.Is(err, ErrServiceDisabled) {
		t.Fatalf("expected ErrServiceDisabled, got %v", err)
	}
	if b.ServiceEnabled() {
		t.Fatalf("expected service disabled")
	}
}

func TestBridgeAuthorizationSubscription(t *testing.T) {
	b := NewBridge(AuthWhileInUse)
	ch, cancel := b.SubscribeAuthorization()

	_ = b.RequestAlways()
	if !b.AlwaysRequested() {
		t.Fatalf("expected always requested")
	}

	b.SetAuthorization(AuthAlways)
	select {
	case a := <-ch:
		if a != AuthAlways {
			t.Fatalf("unexpected authorization %s", a)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("timeout waiting for authorization change")
	}
	if b.AlwaysRequested() {
		t.Fatalf("request should clear once granted")
	}

	// unchanged value does not notify
	b.SetAuthorization(AuthAlways)
	select {
	case <-ch:
		t.Fatalf("unexpected notification")
	default:
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected subscription closed")
	}
}

func TestBridgeRegionTransitions(t *testing.T) {
	b := NewBridge(AuthAlways)
	events, err := b.WatchRegion(Region{ID: "home", Center: geo.LatLng{}, RadiusM: 100})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	push := func(lat float64) {
		_ = b.PushFix(Fix{Lat: lat, Accuracy: 5, Timestamp: time.Now()})
	}

	push(0.0005) // ~55m, inside
	push(0.0006) // ~66m, still inside
	push(0.002)  // ~222m, outside

	want := []RegionEvent{{ID: "home", Entered: true}, {ID: "home", Entered: false}}
	for i, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Fatalf("event %d: got %+v want %+v", i, got, w)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}

	if err := b.UnwatchRegion("home"); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-events; ok {
		t.Fatalf("expected region channel closed")
	}
	if b.WatchedRegions() != 0 {
		t.Fatalf("expected no watched regions")
	}
}

func TestBridgeInitialOutsideEmitsNothing(t *testing.T) {
	b := NewBridge(AuthAlways)
	events, _ := b.WatchRegion(Region{ID: "work", Center: geo.LatLng{Lat: 1}, RadiusM: 50})

	_ = b.PushFix(Fix{Lat: 0, Accuracy: 5, Timestamp: time.Now()})
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestBridgeRegionGateSkipsRejectedFixes(t *testing.T) {
	b := NewBridge(AuthAlways)
	b.SetRegionGate(func(f Fix) bool { return f.Accuracy <= 100 })
	events, _ := b.WatchRegion(Region{ID: "home", Center: geo.LatLng{}, RadiusM: 100})

	_ = b.PushFix(Fix{Lat: 0.0005, Accuracy: 5000, Timestamp: time.Now()})
	select {
	case ev := <-events:
		t.Fatalf("gated fix must not fire %+v", ev)
	default:
	}

	_ = b.PushFix(Fix{Lat: 0.0005, Accuracy: 5, Timestamp: time.Now()})
	select {
	case ev := <-events:
		if !ev.Entered {
			t.Fatalf("expected enter, got %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("timeout waiting for enter")
	}
}

func TestParseAuthorization(t *testing.T) {
	if a, ok := ParseAuthorization("always"); !ok || !a.BackgroundCapable() {
		t.Fatalf("expected always to parse as background capable")
	}
	if a, ok := ParseAuthorization("whileInUse"); !ok || a.BackgroundCapable() {
		t.Fatalf("whileInUse is not background capable")
	}
	if _, ok := ParseAuthorization("sometimes"); ok {
		t.Fatalf("expected parse failure")
	}
}

func TestFixAge(t *testing.T) {
	now := time.Now()
	if got := (Fix{Timestamp: now.Add(-3 * time.Second)}).Age(now); got != 3*time.Second {
		t.Fatalf("unexpected age %v", got)
	}
	if got := (Fix{Timestamp: now.Add(time.Second)}).Age(now); got != 0 {
		t.Fatalf("future fix should have zero age, got %v", got)
	}
}
