package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type manualTimers struct {
	mu  sync.Mutex
	fns []func()
}

func (m *manualTimers) afterFunc(_ time.Duration, fn func()) *time.Timer {
	m.mu.Lock()
	m.fns = append(m.fns, fn)
	m.mu.Unlock()
	return time.NewTimer(time.Hour)
}

func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	fn := m.fns[i]
	m.mu.Unlock()
	fn()
}

func newTestBudget(now *time.Time) (*Budget, *manualTimers) {
	timers := &manualTimers{}
	b := NewBudget(10*time.Second, func() time.Time { return *now })
	b.afterFunc = timers.afterFunc
	return b, timers
}

func TestWindowHintIsCapped(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b, _ := newTestBudget(&now)

	w, err := b.RequestWindow(context.Background(), time.Minute, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := w.Deadline().Sub(now); got != 10*time.Second {
		t.Fatalf("expected 10s window, got %v", got)
	}
	w.Complete()
	w.Complete()
	w.Fail(errors.New("late"))
	if b.Open() != 0 || b.Overruns() != 0 {
		t.Fatalf("completed window should close cleanly")
	}
}

func TestOverrunDeniesDuringPenalty(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b, timers := newTestBudget(&now)

	expired := false
	w, _ := b.RequestWindow(context.Background(), 5*time.Second, func() { expired = true })
	timers.fire(0)
	if !expired || b.Overruns() != 1 {
		t.Fatalf("expected expiry callback and one overrun")
	}
	w.Complete()
	if b.Overruns() != 1 {
		t.Fatalf("marking an expired window must not change the count")
	}

	if _, err := b.RequestWindow(context.Background(), time.Second, nil); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected deny during penalty, got %v", err)
	}
	now = now.Add(DefaultPenalty + time.Second)
	if _, err := b.RequestWindow(context.Background(), time.Second, nil); err != nil {
		t.Fatalf("expected grant after penalty, got %v", err)
	}
}

func TestRunMarksWindow(t *testing.T) {
	b := NewBudget(5*time.Second, nil)

	if err := Run(context.Background(), b, time.Second, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	taskErr := errors.New("boom")
	if err := Run(context.Background(), b, time.Second, func(context.Context) error { return taskErr }); !errors.Is(err, taskErr) {
		t.Fatalf("expected task error, got %v", err)
	}
	if b.Open() != 0 || b.Overruns() != 0 {
		t.Fatalf("run must always mark its window, open=%d overruns=%d", b.Open(), b.Overruns())
	}
}

func TestRunCancelsTaskBeforeDeadline(t *testing.T) {
	b := NewBudget(1500*time.Millisecond, nil)

	start := time.Now()
	err := Run(context.Background(), b, 0, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 1500*time.Millisecond {
		t.Fatalf("task should be cancelled before the deadline, ran %v", elapsed)
	}
	if b.Overruns() != 0 {
		t.Fatalf("cancelled task should not overrun")
	}
}

func TestRunDenied(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b, timers := newTestBudget(&now)
	_, _ = b.RequestWindow(context.Background(), time.Second, nil)
	timers.fire(0)

	ran := false
	err := Run(context.Background(), b, time.Second, func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, ErrDenied) || ran {
		t.Fatalf("denied window must not run the task, err=%v ran=%v", err, ran)
	}
}
