package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"backend-trackmates/internal/fault"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/session"
)

type fakeTarget struct {
	snap      Snapshot
	failures  int
	lastErr   error
	restarts  int
	retries   int
	successes int
}

func (f *fakeTarget) Snapshot() Snapshot { return f.snap }

func (f *fakeTarget) RecordFailure(err error) int {
	f.failures++
	f.lastErr = err
	return f.failures
}

func (f *fakeTarget) RecordSuccess() {
	f.successes++
	f.failures = 0
}

func (f *fakeTarget) Restart(context.Context) {
	f.restarts++
	f.failures = 0
}

func (f *fakeTarget) RetryStart(context.Context) { f.retries++ }

var t0 = time.Unix(1700000000, 0)

func healthySnapshot(now time.Time) Snapshot {
	return Snapshot{
		State:          session.Active,
		ActiveSince:    now.Add(-time.Hour),
		LastFixAt:      now.Add(-10 * time.Second),
		Authorization:  location.AuthAlways,
		ServiceEnabled: true,
	}
}

func newTestWatchdog(target Target, now *time.Time) *Watchdog {
	return New(target, Config{}, func() time.Time { return *now })
}

func TestTickHealthy(t *testing.T) {
	now := t0
	target := &fakeTarget{snap: healthySnapshot(now)}
	w := newTestWatchdog(target, &now)

	if got := w.Tick(context.Background()); got != ResultHealthy {
		t.Fatalf("expected healthy, got %s", got)
	}
	if target.successes != 1 {
		t.Fatalf("expected success to be recorded")
	}
}

func TestTickChecks(t *testing.T) {
	now := t0
	cases := []struct {
		name   string
		mutate func(*Snapshot)
		check  string
		kind   fault.Kind
	}{
		{"fix timeout", func(s *Snapshot) { s.LastFixAt = now.Add(-121 * time.Second) }, CheckFixTimeout, fault.KindSource},
		{"while in use", func(s *Snapshot) { s.Authorization = location.AuthWhileInUse }, CheckAuthorization, fault.KindPermission},
		{"service disabled", func(s *Snapshot) { s.ServiceEnabled = false }, CheckService, fault.KindSource},
		{"fix timeout first", func(s *Snapshot) {
			s.LastFixAt = now.Add(-10 * time.Minute)
			s.ServiceEnabled = false
		}, CheckFixTimeout, fault.KindSource},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := healthySnapshot(now)
			tc.mutate(&snap)
			target := &fakeTarget{snap: snap}
			w := newTestWatchdog(target, &now)

			if got := w.Tick(context.Background()); got != ResultFailed {
				t.Fatalf("expected failed, got %s", got)
			}
			var ce *CheckError
			if !errors.As(target.lastErr, &ce) || ce.Check != tc.check {
				t.Fatalf("expected %s check error, got %v", tc.check, target.lastErr)
			}
			if !fault.Is(target.lastErr, tc.kind) || fault.IsFatal(target.lastErr) {
				t.Fatalf("expected non-fatal %s error, got %v", tc.kind, target.lastErr)
			}
		})
	}
}

func TestDebounceRestartsOnlyOnThirdFailure(t *testing.T) {
	now := t0
	snap := healthySnapshot(now)
	snap.ServiceEnabled = false
	target := &fakeTarget{snap: snap}
	w := newTestWatchdog(target, &now)

	w.Tick(context.Background())
	w.Tick(context.Background())
	if target.restarts != 0 {
		t.Fatalf("two failures must not restart")
	}
	if got := w.Tick(context.Background()); got != ResultRestarted || target.restarts != 1 {
		t.Fatalf("third failure should restart, got %s restarts=%d", got, target.restarts)
	}
}

func TestTransientFailureResets(t *testing.T) {
	now := t0
	target := &fakeTarget{snap: healthySnapshot(now)}
	w := newTestWatchdog(target, &now)

	for _, enabled := range []bool{false, false, true, false, false} {
		target.snap.ServiceEnabled = enabled
		w.Tick(context.Background())
	}
	if target.restarts != 0 {
		t.Fatalf("interleaved failures must not restart, got %d", target.restarts)
	}
}

func TestStoppedAndStarting(t *testing.T) {
	now := t0
	target := &fakeTarget{snap: Snapshot{State: session.Stopped}}
	w := newTestWatchdog(target, &now)
	if got := w.Tick(context.Background()); got != ResultSkipped {
		t.Fatalf("expected skipped, got %s", got)
	}

	target.snap.State = session.Starting
	if got := w.Tick(context.Background()); got != ResultRetried || target.retries != 1 {
		t.Fatalf("expected start retry, got %s", got)
	}
	if target.failures != 0 {
		t.Fatalf("starting session should not count failures")
	}
}

func TestDegradedMeasuresFromRestart(t *testing.T) {
	now := t0
	snap := healthySnapshot(now)
	snap.State = session.Degraded
	snap.LastFixAt = now.Add(-10 * time.Minute)
	snap.LastRestartAt = now.Add(-30 * time.Second)
	target := &fakeTarget{snap: snap}
	w := newTestWatchdog(target, &now)

	if got := w.Tick(context.Background()); got != ResultHealthy {
		t.Fatalf("recent restart should reset fix timeout, got %s", got)
	}

	now = now.Add(2 * time.Minute)
	if got := w.Tick(context.Background()); got != ResultFailed {
		t.Fatalf("expected fix timeout after restart window, got %s", got)
	}
}
