package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend-trackmates/internal/background"
	"backend-trackmates/internal/dualwrite"
	"backend-trackmates/internal/durable"
	"backend-trackmates/internal/events"
	"backend-trackmates/internal/fault"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/session"
)

var ErrClosed = errors.New("engine closed")

// StartTracking begins a session for userID. It reports true once the session
// exists, including when activation waits for background authorization.
// Starting again for the same user is a no-op.
func (e *Engine) StartTracking(ctx context.Context, userID string, cfg session.Config) (bool, error) {
	cfg = e.settings.withDefaults(cfg)

	e.mu.Lock()
	if e.closed {
		e.unlock()
		return false, ErrClosed
	}
	if err := e.machine.Start(userID, cfg); err != nil {
		snap := e.machine.Snapshot()
		e.unlock()
		if errors.Is(err, session.ErrAlreadyStarted) && snap.UserID == userID {
			return true, nil
		}
		return false, err
	}

	e.userID.Store(userID)
	e.filter = newFilter(e.settings, cfg)
	e.lastFix.Store(nil)
	e.lastFixAt, e.activeSince, e.lastRestartAt = time.Time{}, time.Time{}, time.Time{}
	e.restartPending = false
	e.sessCtx, e.sessCancel = context.WithCancel(e.baseCtx)

	e.writer = dualwrite.New(e.live, durableOrNil(e.durable), dualwrite.Config{
		RetryBase:  e.settings.DurableRetryBase,
		MaxRetries: e.settings.DurableMaxRetries,
	})
	e.writer.After = e.after
	e.writer.OnError = e.reportError
	e.writer.Start(e.sessCtx)

	authCh, cancel := e.source.SubscribeAuthorization()
	e.authCancel = cancel
	go e.authLoop(e.sessCtx, authCh)

	sessCtx := e.sessCtx
	started := e.machine.Snapshot().StartedAt
	e.queue(events.SessionState{UserID: userID, State: string(session.Starting)})
	e.log.Info().Str("user", userID).Dur("interval", cfg.UpdateInterval).Float64("distance_filter_m", cfg.DistanceFilterM).Str("tier", string(cfg.AccuracyTier)).Msg("tracking started")

	stop := e.tryActivate()
	e.unlock()

	e.durableAsync("session.start", func(ctx context.Context, d DurableStore) error {
		return d.UpsertSession(ctx, durable.SessionRow{UserID: userID, State: string(session.Starting), StartedAt: started})
	})

	if stop != nil {
		e.stop(ctx, stop)
		return false, stop
	}

	go e.heartbeat.Run(sessCtx, userID, e.settings.HeartbeatInterval, e.reportError)
	go e.runWatchdog(sessCtx)
	go e.runRenewal(sessCtx)
	return true, nil
}

// durableOrNil keeps a nil interface nil when handing it to the writer.
func durableOrNil(d DurableStore) dualwrite.DurableStore {
	if d == nil {
		return nil
	}
	return d
}

// tryActivate moves a Starting session to Active when the source allows
// background updates. It returns a fatal error when authorization was denied.
// Must be called with mu held.
func (e *Engine) tryActivate() error {
	if e.machine.State() != session.Starting {
		return nil
	}
	auth := e.source.Authorization()
	switch {
	case auth == location.AuthDenied:
		return fault.Permission("tracking.start", fault.ErrDenied)
	case !auth.BackgroundCapable():
		if err := e.source.RequestAlways(); err != nil {
			e.log.Warn().Err(err).Msg("request background authorization failed")
		}
		e.queue(errorEvent(fault.Permission("tracking.start", fmt.Errorf("authorization %q is not background-capable, waiting", auth))))
		return nil
	}

	cfg := e.machine.Snapshot().Config
	fixes, err := e.source.Start(e.sessCtx, cfg.AccuracyTier, cfg.DistanceFilterM)
	if err != nil {
		e.queue(errorEvent(fault.Source("tracking.start", err)))
		return nil
	}
	if err := e.machine.Activate(); err != nil {
		e.log.Error().Err(err).Msg("activate session")
		return nil
	}

	epoch := e.epoch.Add(1)
	e.activeSince = e.now()
	go e.pump(epoch, fixes)

	userID := e.currentUser()
	started := e.machine.Snapshot().StartedAt
	e.queue(events.SessionState{UserID: userID, State: string(session.Active)})
	e.durableAsync("session.active", func(ctx context.Context, d DurableStore) error {
		return d.UpsertSession(ctx, durable.SessionRow{UserID: userID, State: string(session.Active), StartedAt: started})
	})
	go e.beatOnce(e.sessCtx, userID)
	return nil
}

func (e *Engine) beatOnce(ctx context.Context, userID string) {
	e.inWindow(ctx, func(ctx context.Context) {
		if err := e.heartbeat.Beat(ctx, userID); err != nil && ctx.Err() == nil {
			e.reportError(err)
		}
	})
}

func (e *Engine) authLoop(ctx context.Context, ch <-chan location.Authorization) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			if err := e.onAuthorization(ctx, a); err != nil {
				e.stop(context.Background(), err)
				return
			}
		}
	}
}

// onAuthorization returns a fatal error when the session must stop.
func (e *Engine) onAuthorization(ctx context.Context, a location.Authorization) error {
	e.mu.Lock()
	defer e.unlock()
	if ctx.Err() != nil {
		return nil
	}
	e.log.Info().Str("authorization", string(a)).Str("state", string(e.machine.State())).Msg("authorization changed")

	if a == location.AuthDenied {
		return fault.Permission("tracking.authorization", fault.ErrDenied)
	}
	switch e.machine.State() {
	case session.Starting:
		return e.tryActivate()
	case session.Active, session.Degraded:
		if !a.BackgroundCapable() {
			e.queue(errorEvent(fault.Permission("tracking.authorization", fmt.Errorf("authorization downgraded to %q", a))))
		}
	}
	return nil
}

func (e *Engine) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(e.watchdog.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.inWindow(ctx, func(ctx context.Context) { e.watchdog.Tick(ctx) })
		}
	}
}

// runRenewal periodically asks for a background window and flushes pending
// writes inside it. It does nothing while foregrounded.
func (e *Engine) runRenewal(ctx context.Context) {
	interval := e.settings.BackgroundRenewInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.renew(ctx)
		}
	}
}

func (e *Engine) renew(ctx context.Context) {
	e.mu.Lock()
	fg := e.foreground
	w := e.writer
	e.mu.Unlock()
	if fg || e.scheduler == nil || w == nil {
		return
	}
	err := background.Run(ctx, e.scheduler, e.settings.BackgroundWindow, w.Drain)
	if err != nil && ctx.Err() == nil {
		e.log.Debug().Err(err).Msg("background renewal skipped")
	}
}

// StopTracking ends the session. It is accepted in any state and always
// reports true; only the first call after a start clears shared records.
func (e *Engine) StopTracking(ctx context.Context) bool {
	e.stop(ctx, nil)
	return true
}

// stop tears the session down. cause is non-nil for a forced stop.
func (e *Engine) stop(ctx context.Context, cause error) {
	e.mu.Lock()
	userID := e.currentUser()
	if !e.machine.Stop() {
		e.unlock()
		return
	}
	e.teardownLocked()
	e.geofences.ClearAll()
	e.proximity.Reset()
	e.lastFix.Store(nil)
	started := e.machine.Snapshot().StartedAt
	if cause != nil {
		e.queue(errorEvent(cause))
	}
	e.queue(events.SessionState{UserID: userID, State: string(session.Stopped)})
	e.log.Info().Str("user", userID).AnErr("cause", cause).Msg("tracking stopped")
	e.unlock()

	e.clearShared(ctx, userID, started)
}

// teardownLocked cancels every session goroutine, timer and retry and stops
// the source. Must be called with mu held.
func (e *Engine) teardownLocked() {
	e.epoch.Add(1)
	if e.sessCancel != nil {
		e.sessCancel()
	}
	if e.authCancel != nil {
		e.authCancel()
		e.authCancel = nil
	}
	if err := e.source.Stop(); err != nil {
		e.log.Warn().Err(err).Msg("stop location source")
	}
	if e.writer != nil {
		e.writer.Stop()
		e.writer = nil
	}
	e.restartPending = false
	if e.filter != nil {
		e.filter.Reset()
	}
}

func (e *Engine) clearShared(ctx context.Context, userID string, started time.Time) {
	if _, err := e.live.DeleteLocation(ctx, userID); err != nil {
		e.reportError(fault.StoreWrite("tracking.stop", fmt.Errorf("clear location: %w", err)))
	}
	if err := e.heartbeat.MarkStopped(ctx, userID); err != nil {
		e.reportError(err)
	}
	stoppedAt := e.now()
	e.durableAsync("tracking.stop", func(ctx context.Context, d DurableStore) error {
		if err := d.ClearSharing(ctx, userID); err != nil {
			return err
		}
		return d.UpsertSession(ctx, durable.SessionRow{UserID: userID, State: string(session.Stopped), StartedAt: started, StoppedAt: stoppedAt})
	})
}

// Recover resumes a session persisted by an earlier process. A session that
// was running goes through the normal start path again, together with its
// geofences. It reports whether a session was resumed.
func (e *Engine) Recover(ctx context.Context) (bool, error) {
	if e.state == nil {
		return false, nil
	}
	persisted, ok, err := e.state.LoadSession()
	if err != nil || !ok {
		return false, err
	}
	userID, cfg, ok := session.Resumable(persisted)
	if !ok {
		return false, nil
	}

	regions, err := e.state.LoadGeofences()
	if err != nil {
		e.reportError(fault.Config("tracking.recover", err))
	}
	for _, r := range regions {
		if err := e.geofences.Add(r); err != nil {
			e.reportError(err)
		}
	}

	e.log.Info().Str("user", userID).Str("previous_state", persisted.State).Msg("resuming persisted session")
	return e.StartTracking(ctx, userID, cfg)
}

// Close releases the engine without ending the session: the persisted state
// is left as it is so the next process resumes it.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.unlock()
		return nil
	}
	e.closed = true
	w := e.writer
	e.mu.Unlock()

	if w != nil {
		_ = w.Drain(ctx)
	}

	e.mu.Lock()
	e.teardownLocked()
	e.unlock()

	e.observer.Unwatch()
	e.baseCancel()
	return nil
}
