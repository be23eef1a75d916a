// Package background models the time-boxed execution windows the host OS
// grants while the app is not in the foreground.
package background

import (
	"context"
	"errors"
	"sync"
	"time"

	"backend-trackmates/internal/logging"
	"backend-trackmates/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxWindow = 25 * time.Second
	DefaultPenalty   = 5 * time.Minute
	// expiryMargin is how long before the deadline a running task is cancelled
	// so it can still mark its window.
	expiryMargin = time.Second
)

var ErrDenied = errors.New("background execution window denied")

// Window is one granted execution window. Complete or Fail must be called
// exactly once before the deadline; later calls are ignored.
type Window interface {
	ID() string
	Deadline() time.Time
	Complete()
	Fail(err error)
}

type Scheduler interface {
	// RequestWindow asks for up to hint of execution time. onExpire runs if
	// the window reaches its deadline while still open.
	RequestWindow(ctx context.Context, hint time.Duration, onExpire func()) (Window, error)
}

// Run executes task inside a window. The task context is cancelled shortly
// before the window expires and the window is always marked.
func Run(ctx context.Context, s Scheduler, hint time.Duration, task func(context.Context) error) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.RequestWindow(ctx, hint, cancel)
	if err != nil {
		return err
	}

	budget := time.Until(w.Deadline()) - expiryMargin
	if budget <= 0 {
		budget = time.Until(w.Deadline()) / 2
	}
	taskCtx, stop := context.WithTimeout(taskCtx, budget)
	defer stop()

	if err := task(taskCtx); err != nil {
		w.Fail(err)
		return err
	}
	w.Complete()
	return nil
}

// Budget is an in-process Scheduler that enforces the same rules the platform
// does: windows are capped at MaxWindow and an overrun denies further
// requests for Penalty.
type Budget struct {
	MaxWindow time.Duration
	Penalty   time.Duration

	now func() time.Time
	log zerolog.Logger

	mu           sync.Mutex
	penaltyUntil time.Time
	overruns     int
	open         map[string]*window
	afterFunc    func(time.Duration, func()) *time.Timer
}

func NewBudget(maxWindow time.Duration, now func() time.Time) *Budget {
	if maxWindow <= 0 {
		maxWindow = DefaultMaxWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Budget{
		MaxWindow: maxWindow,
		Penalty:   DefaultPenalty,
		now:       now,
		log:       logging.Component("background"),
		open:      map[string]*window{},
		afterFunc: time.AfterFunc,
	}
}

func (b *Budget) RequestWindow(_ context.Context, hint time.Duration, onExpire func()) (Window, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.penaltyUntil) {
		metrics.BackgroundWindows.WithLabelValues("denied").Inc()
		return nil, ErrDenied
	}
	if hint <= 0 || hint > b.MaxWindow {
		hint = b.MaxWindow
	}

	w := &window{
		id:       uuid.New().String(),
		deadline: now.Add(hint),
		budget:   b,
		onExpire: onExpire,
	}
	w.timer = b.afterFunc(hint, w.expire)
	b.open[w.id] = w
	metrics.BackgroundWindows.WithLabelValues("granted").Inc()
	return w, nil
}

// Overruns returns how many windows expired while still open.
func (b *Budget) Overruns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overruns
}

// Open returns the number of windows not yet marked.
func (b *Budget) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

func (b *Budget) close(w *window, outcome string) {
	b.mu.Lock()
	delete(b.open, w.id)
	if outcome == "expired" {
		b.overruns++
		b.penaltyUntil = b.now().Add(b.Penalty)
	}
	b.mu.Unlock()
	metrics.BackgroundWindows.WithLabelValues(outcome).Inc()
}

type window struct {
	id       string
	deadline time.Time
	budget   *Budget
	onExpire func()
	timer    *time.Timer
	once     sync.Once
}

func (w *window) ID() string { return w.id }

func (w *window) Deadline() time.Time { return w.deadline }

func (w *window) Complete() {
	w.once.Do(func() {
		w.timer.Stop()
		w.budget.close(w, "completed")
	})
}

func (w *window) Fail(err error) {
	w.once.Do(func() {
		w.timer.Stop()
		w.budget.log.Warn().Err(err).Str("window", w.id).Msg("background task failed")
		w.budget.close(w, "failed")
	})
}

func (w *window) expire() {
	w.once.Do(func() {
		w.budget.log.Error().Str("window", w.id).Msg("background window expired before completion")
		w.budget.close(w, "expired")
		if w.onExpire != nil {
			w.onExpire()
		}
	})
}
