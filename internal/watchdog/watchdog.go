// Package watchdog periodically checks that a tracking session is still
// producing fixes and asks it to restart after sustained failure.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend-trackmates/internal/fault"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/logging"
	"backend-trackmates/internal/metrics"
	"backend-trackmates/internal/session"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval         = 30 * time.Second
	DefaultFixTimeout       = 120 * time.Second
	DefaultFailureThreshold = 3
)

const (
	CheckFixTimeout    = "fix_timeout"
	CheckAuthorization = "authorization"
	CheckService       = "service"
)

type CheckError struct {
	Check string
	Err   error
}

func (e *CheckError) Error() string { return e.Check + ": " + e.Err.Error() }

func (e *CheckError) Unwrap() error { return e.Err }

// Snapshot is the state the checks run against.
type Snapshot struct {
	State          session.State
	ActiveSince    time.Time
	LastFixAt      time.Time
	LastRestartAt  time.Time
	Authorization  location.Authorization
	ServiceEnabled bool
}

type Target interface {
	Snapshot() Snapshot
	// RecordFailure counts a failed tick and returns the consecutive count.
	RecordFailure(err error) int
	RecordSuccess()
	// Restart degrades the session and schedules one adapter restart.
	Restart(ctx context.Context)
	// RetryStart re-attempts activation of a session stuck in Starting.
	RetryStart(ctx context.Context)
}

type Config struct {
	Interval         time.Duration
	FixTimeout       time.Duration
	FailureThreshold int
}

type Result string

const (
	ResultSkipped   Result = "skipped"
	ResultRetried   Result = "retried"
	ResultHealthy   Result = "healthy"
	ResultFailed    Result = "failed"
	ResultRestarted Result = "restarted"
)

type Watchdog struct {
	target Target
	cfg    Config
	now    func() time.Time
	log    zerolog.Logger
}

func New(target Target, cfg Config, now func() time.Time) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = DefaultFixTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Watchdog{target: target, cfg: cfg, now: now, log: logging.Component("watchdog")}
}

func (w *Watchdog) Interval() time.Duration { return w.cfg.Interval }

// Run ticks until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one health check round.
func (w *Watchdog) Tick(ctx context.Context) Result {
	snap := w.target.Snapshot()
	switch snap.State {
	case session.Stopped:
		return ResultSkipped
	case session.Starting:
		w.target.RetryStart(ctx)
		return ResultRetried
	}

	err := w.check(snap)
	if err == nil {
		w.target.RecordSuccess()
		return ResultHealthy
	}

	var ce *CheckError
	if errors.As(err, &ce) {
		metrics.WatchdogFailures.WithLabelValues(ce.Check).Inc()
	}
	n := w.target.RecordFailure(err)
	w.log.Warn().Err(err).Int("consecutive", n).Str("state", string(snap.State)).Msg("health check failed")
	if n < w.cfg.FailureThreshold {
		return ResultFailed
	}
	w.target.Restart(ctx)
	return ResultRestarted
}

func (w *Watchdog) check(snap Snapshot) error {
	ref := latest(snap.LastFixAt, snap.ActiveSince)
	if snap.State == session.Degraded {
		ref = latest(ref, snap.LastRestartAt)
	}
	if age := w.now().Sub(ref); !ref.IsZero() && age > w.cfg.FixTimeout {
		return fault.Source("watchdog", &CheckError{
			Check: CheckFixTimeout,
			Err:   fmt.Errorf("no accepted fix for %s", age.Truncate(time.Second)),
		})
	}
	if !snap.Authorization.BackgroundCapable() {
		return fault.Permission("watchdog", &CheckError{
			Check: CheckAuthorization,
			Err:   fmt.Errorf("authorization %q is not background-capable", snap.Authorization),
		})
	}
	if !snap.ServiceEnabled {
		return fault.Source("watchdog", &CheckError{
			Check: CheckService,
			Err:   location.ErrServiceDisabled,
		})
	}
	return nil
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
