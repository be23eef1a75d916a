package tracking

import (
	"context"

	"backend-trackmates/internal/dualwrite"
	"backend-trackmates/internal/events"
	"backend-trackmates/internal/filter"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/metrics"
	"backend-trackmates/internal/session"
)

func newFilter(s Settings, cfg session.Config) *filter.Filter {
	return filter.New(s.filterSettings(cfg))
}

// validFix applies the hard validity stage alone, for consumers of raw fixes
// such as software region monitoring.
func (e *Engine) validFix(fix location.Fix) bool {
	return filter.Validate(fix, e.now(), e.settings.filterSettings(e.settings.Session)) == nil
}

func (e *Engine) pump(epoch uint64, fixes <-chan location.Fix) {
	for fix := range fixes {
		e.handleFix(epoch, fix)
	}
}

// handleFix runs one fix through the filter. Fixes from a stream that has
// since been torn down are dropped.
func (e *Engine) handleFix(epoch uint64, fix location.Fix) {
	e.mu.Lock()
	if epoch != e.epoch.Load() || e.filter == nil {
		e.unlock()
		return
	}
	st := e.machine.State()
	if st != session.Active && st != session.Degraded {
		e.unlock()
		return
	}

	userID := e.currentUser()
	d := e.filter.Evaluate(fix, e.now())
	metrics.FixesTotal.WithLabelValues(d.Verdict.String()).Inc()
	if !d.Accepted() {
		e.log.Debug().Str("user", userID).Str("reason", d.Reason).Float64("accuracy", fix.Accuracy).Msg("fix rejected")
		e.unlock()
		return
	}

	f := fix
	e.lastFix.Store(&f)
	e.lastFixAt = e.now()
	if e.machine.Recover() {
		e.log.Info().Str("user", userID).Msg("session recovered")
		e.queue(events.SessionState{UserID: userID, State: string(session.Active)})
	}

	if d.Verdict == filter.Forward && e.writer != nil {
		e.writer.Submit(dualwrite.Job{UserID: userID, Fix: fix})
		e.queue(events.LocationUpdate{
			UserID:    userID,
			Lat:       fix.Lat,
			Lng:       fix.Lng,
			Accuracy:  fix.Accuracy,
			Speed:     fix.Speed,
			Bearing:   fix.Bearing,
			Timestamp: fix.Timestamp,
		})
	}
	e.unlock()

	e.evaluateProximity()
}

// evaluateProximity checks every online peer against the last accepted fix.
func (e *Engine) evaluateProximity() {
	self, ok := e.lastPosition()
	if !ok {
		return
	}
	for _, a := range e.proximity.Evaluate(self, e.observer.Locations()) {
		e.emit(events.ProximityAlert{AlertID: a.ID, PeerID: a.PeerID, DistanceM: a.DistanceM, OccurredAt: a.OccurredAt})
	}
}

// PushFix feeds a fix when the source is a location.Bridge.
func (e *Engine) PushFix(fix location.Fix) error {
	b, ok := e.source.(*location.Bridge)
	if !ok {
		return errNoBridge
	}
	return b.PushFix(fix)
}

// SetAuthorization forwards a platform authorization change when the source is
// a location.Bridge.
func (e *Engine) SetAuthorization(a location.Authorization) error {
	b, ok := e.source.(*location.Bridge)
	if !ok {
		return errNoBridge
	}
	b.SetAuthorization(a)
	return nil
}

func (e *Engine) SetServiceEnabled(enabled bool) error {
	b, ok := e.source.(*location.Bridge)
	if !ok {
		return errNoBridge
	}
	b.SetServiceEnabled(enabled)
	return nil
}

func (e *Engine) restartAdapter(ctx context.Context) {
	e.mu.Lock()
	defer e.unlock()

	st := e.machine.State()
	if st != session.Active && st != session.Degraded {
		return
	}
	if err := e.machine.Degrade(); err != nil {
		e.log.Error().Err(err).Msg("degrade session")
		return
	}
	e.machine.ResetFailures()
	if st == session.Active {
		e.queue(events.SessionState{UserID: e.currentUser(), State: string(session.Degraded)})
	}
	if e.restartPending {
		return
	}
	delay, ok := e.machine.NextRestart()
	if !ok {
		e.queue(errorEvent(errRestartsExhausted))
		return
	}

	if err := e.source.Stop(); err != nil {
		e.log.Warn().Err(err).Msg("stop location source for restart")
	}
	epoch := e.epoch.Add(1)
	e.restartPending = true
	sessCtx := e.sessCtx
	e.log.Warn().Str("user", e.currentUser()).Dur("delay", delay).Int("attempt", e.machine.Snapshot().RestartAttempts).Msg("restarting location source")

	go func() {
		select {
		case <-sessCtx.Done():
			return
		case <-e.after(delay):
		}
		e.completeRestart(epoch)
	}()
}

func (e *Engine) completeRestart(epoch uint64) {
	e.mu.Lock()
	defer e.unlock()
	if epoch != e.epoch.Load() || e.sessCtx.Err() != nil {
		return
	}
	e.restartPending = false
	e.lastRestartAt = e.now()
	metrics.AdapterRestarts.Inc()

	cfg := e.machine.Snapshot().Config
	fixes, err := e.source.Start(e.sessCtx, cfg.AccuracyTier, cfg.DistanceFilterM)
	if err != nil {
		e.queue(errorEvent(sourceErr("tracking.restart", err)))
		return
	}
	next := e.epoch.Add(1)
	go e.pump(next, fixes)
}
