package tracking

import (
	"context"
	"errors"
	"time"

	"backend-trackmates/internal/fault"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/session"
	"backend-trackmates/internal/watchdog"
)

var (
	errNoBridge          = errors.New("location source does not accept pushed fixes")
	errRestartsExhausted = fault.Source("tracking.restart", errors.New("restart attempts exhausted, waiting for a fix"))
)

func sourceErr(op string, err error) error { return fault.Source(op, err) }

// target adapts the engine to watchdog.Target.
type target struct{ e *Engine }

func (t target) Snapshot() watchdog.Snapshot {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	return watchdog.Snapshot{
		State:          e.machine.State(),
		ActiveSince:    e.activeSince,
		LastFixAt:      e.lastFixAt,
		LastRestartAt:  e.lastRestartAt,
		Authorization:  e.source.Authorization(),
		ServiceEnabled: e.source.ServiceEnabled(),
	}
}

func (t target) RecordFailure(err error) int {
	e := t.e
	e.mu.Lock()
	n := e.machine.RecordFailure()
	e.mu.Unlock()
	e.reportError(err)
	return n
}

func (t target) RecordSuccess() {
	e := t.e
	e.mu.Lock()
	e.machine.ResetFailures()
	e.mu.Unlock()
}

func (t target) Restart(ctx context.Context) { t.e.restartAdapter(ctx) }

func (t target) RetryStart(context.Context) {
	e := t.e
	e.mu.Lock()
	err := e.tryActivate()
	e.unlock()
	if err != nil {
		e.stop(context.Background(), err)
	}
}

// IsHealthy reports an active session with no outstanding check failures and
// a fix within the fix timeout.
func (e *Engine) IsHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.machine.Snapshot()
	if snap.State != session.Active || snap.ConsecutiveFailures > 0 {
		return false
	}
	if !e.source.Authorization().BackgroundCapable() || !e.source.ServiceEnabled() {
		return false
	}
	ref := e.lastFixAt
	if ref.IsZero() {
		ref = e.activeSince
	}
	return e.now().Sub(ref) <= e.settings.FixTimeout
}

type Status struct {
	UserID              string                 `json:"user_id,omitempty"`
	State               session.State          `json:"state"`
	StartedAt           time.Time              `json:"started_at,omitempty"`
	Config              session.Config         `json:"config"`
	Healthy             bool                   `json:"healthy"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	RestartAttempts     int                    `json:"restart_attempts"`
	LastFixAt           time.Time              `json:"last_fix_at,omitempty"`
	Foreground          bool                   `json:"foreground"`
	WriteRetrying       bool                   `json:"write_retrying"`
	Authorization       location.Authorization `json:"authorization"`
}

func (e *Engine) Status() Status {
	healthy := e.IsHealthy()
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.machine.Snapshot()
	st := Status{
		UserID:              snap.UserID,
		State:               snap.State,
		StartedAt:           snap.StartedAt,
		Config:              snap.Config,
		Healthy:             healthy,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		RestartAttempts:     snap.RestartAttempts,
		LastFixAt:           e.lastFixAt,
		Foreground:          e.foreground,
		Authorization:       e.source.Authorization(),
	}
	if e.writer != nil {
		st.WriteRetrying = e.writer.Retrying()
	}
	return st
}

func (e *Engine) State() session.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.State()
}

// Owner returns the user of the running session, or "" when stopped.
func (e *Engine) Owner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.machine.State() == session.Stopped {
		return ""
	}
	return e.machine.Snapshot().UserID
}

// CurrentLocation returns the last accepted fix of the running session.
func (e *Engine) CurrentLocation() (location.Fix, bool) {
	f := e.lastFix.Load()
	if f == nil {
		return location.Fix{}, false
	}
	return *f, true
}
