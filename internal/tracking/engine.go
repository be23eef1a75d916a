// Package tracking composes the session machine, fix pipeline, watchdog,
// presence protocol, geofences and proximity into one engine per device.
package tracking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"backend-trackmates/internal/background"
	"backend-trackmates/internal/dualwrite"
	"backend-trackmates/internal/durable"
	"backend-trackmates/internal/events"
	"backend-trackmates/internal/fault"
	"backend-trackmates/internal/filter"
	"backend-trackmates/internal/geofence"
	"backend-trackmates/internal/livestore"
	"backend-trackmates/internal/localstate"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/logging"
	"backend-trackmates/internal/presence"
	"backend-trackmates/internal/proximity"
	"backend-trackmates/internal/session"
	"backend-trackmates/internal/shared/geo"
	"backend-trackmates/internal/watchdog"

	"github.com/rs/zerolog"
)

const durableTimeout = 10 * time.Second

// DurableStore is the slice of the durable store the engine writes to.
type DurableStore interface {
	dualwrite.DurableStore
	ClearSharing(ctx context.Context, userID string) error
	UpsertSession(ctx context.Context, row durable.SessionRow) error
	AppendTransition(ctx context.Context, row durable.TransitionRow) error
	AppendProximity(ctx context.Context, row durable.ProximityRow) error
}

// StateStore persists the session and geofences on the device.
type StateStore interface {
	session.Persister
	geofence.Persister
	LoadSession() (localstate.Session, bool, error)
	LoadGeofences() ([]location.Region, error)
}

type Options struct {
	Source location.Source
	Live   livestore.Store
	// Durable, State, Scheduler and Bus are optional.
	Durable   DurableStore
	State     StateStore
	Scheduler background.Scheduler
	Bus       *events.Bus
	Handlers  events.Handlers
	Platform  string
	Now       func() time.Time
	After     func(time.Duration) <-chan time.Time
}

// Engine is the single owner of a device's tracking session. Every session
// mutation happens under mu; events are emitted after it is released.
type Engine struct {
	settings  Settings
	source    location.Source
	live      livestore.Store
	durable   DurableStore
	state     StateStore
	scheduler background.Scheduler
	bus       *events.Bus
	handlers  events.Handlers
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time
	log       zerolog.Logger

	heartbeat *presence.Heartbeater
	observer  *presence.Observer
	geofences *geofence.Engine
	proximity *proximity.Notifier
	watchdog  *watchdog.Watchdog

	// baseCtx outlives sessions and is cancelled by Close.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// epoch changes whenever the fix stream is torn down so delayed effects
	// from an older stream are dropped.
	epoch atomic.Uint64
	// lastFix is readable without mu for geofence and proximity snapshots.
	lastFix atomic.Pointer[location.Fix]
	userID  atomic.Value

	mu             sync.Mutex
	outbox         []events.Event
	machine        *session.Machine
	filter         *filter.Filter
	writer         *dualwrite.Writer
	sessCtx        context.Context
	sessCancel     context.CancelFunc
	authCancel     func()
	lastFixAt      time.Time
	activeSince    time.Time
	lastRestartAt  time.Time
	restartPending bool
	foreground     bool
	closed         bool
}

func New(settings Settings, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.After == nil {
		opts.After = time.After
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	e := &Engine{
		settings:   settings,
		source:     opts.Source,
		live:       opts.Live,
		durable:    opts.Durable,
		state:      opts.State,
		scheduler:  opts.Scheduler,
		bus:        opts.Bus,
		handlers:   opts.Handlers,
		now:        opts.Now,
		after:      opts.After,
		log:        logging.Component("tracking"),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		foreground: true,
	}
	e.userID.Store("")

	var persister session.Persister
	var fencePersister geofence.Persister
	if opts.State != nil {
		persister, fencePersister = opts.State, opts.State
	}
	e.machine = session.NewMachine(persister, settings.Restart, opts.Now)

	e.heartbeat = presence.NewHeartbeater(opts.Live, opts.Platform)
	e.heartbeat.Wrap = e.whileSharing

	e.observer = presence.NewObserver(opts.Live, settings.StaleThreshold, opts.Now)
	e.observer.OnChange = e.onPeerChange

	if b, ok := opts.Source.(*location.Bridge); ok {
		b.SetRegionGate(e.validFix)
	}

	e.geofences = geofence.New(opts.Source, fencePersister, opts.Now)
	e.geofences.Snapshot = e.lastPosition
	e.geofences.OnTransition = e.onTransition

	e.proximity = proximity.New(settings.ProximityThresholdM, opts.Now)
	e.proximity.OnEvent = e.onProximityEvent

	e.watchdog = watchdog.New(target{e}, watchdog.Config{
		Interval:         settings.HealthCheckInterval,
		FixTimeout:       settings.FixTimeout,
		FailureThreshold: settings.FailureThreshold,
	}, opts.Now)
	return e
}

// Observer exposes the peer presence observer so its sweep loop can be
// supervised.
func (e *Engine) Observer() *presence.Observer { return e.observer }

// Watchdog exposes the health watchdog for direct ticks.
func (e *Engine) Watchdog() *watchdog.Watchdog { return e.watchdog }

// unlock releases mu and emits every event queued while it was held.
func (e *Engine) unlock() {
	out := e.outbox
	e.outbox = nil
	e.mu.Unlock()
	for _, ev := range out {
		e.emit(ev)
	}
}

// queue must be called with mu held.
func (e *Engine) queue(ev events.Event) {
	e.outbox = append(e.outbox, ev)
}

func (e *Engine) emit(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
	e.handlers.Dispatch(ev)
}

// reportError logs err and delivers it as an Error event. It never takes mu.
func (e *Engine) reportError(err error) {
	if err == nil {
		return
	}
	ev := e.log.Warn()
	if fault.IsFatal(err) {
		ev = e.log.Error()
	}
	ev.Err(err).Str("kind", string(fault.KindOf(err))).Msg("engine diagnostic")
	e.emit(errorEvent(err))
}

func errorEvent(err error) events.Error {
	return events.Error{
		ErrorKind: string(fault.KindOf(err)),
		Message:   err.Error(),
		Fatal:     fault.IsFatal(err),
	}
}

func (e *Engine) currentUser() string {
	return e.userID.Load().(string)
}

// UserID is the user of the current or most recent session.
func (e *Engine) UserID() string { return e.currentUser() }

func (e *Engine) lastPosition() (geo.LatLng, bool) {
	f := e.lastFix.Load()
	if f == nil {
		return geo.LatLng{}, false
	}
	return f.Position(), true
}

// durableAsync runs fn against the durable store off the caller's goroutine.
func (e *Engine) durableAsync(op string, fn func(ctx context.Context, d DurableStore) error) {
	if e.durable == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(e.baseCtx, durableTimeout)
		defer cancel()
		if err := fn(ctx, e.durable); err != nil && ctx.Err() == nil {
			e.reportError(fault.StoreWrite(op, err))
		}
	}()
}

// inWindow runs fn directly in the foreground, and inside a background
// execution window otherwise. A denied window skips fn.
func (e *Engine) inWindow(ctx context.Context, fn func(context.Context)) {
	e.mu.Lock()
	fg := e.foreground
	e.mu.Unlock()

	if fg || e.scheduler == nil {
		fn(ctx)
		return
	}
	err := background.Run(ctx, e.scheduler, e.settings.BackgroundWindow, func(ctx context.Context) error {
		fn(ctx)
		return ctx.Err()
	})
	if err != nil && ctx.Err() == nil {
		e.log.Debug().Err(err).Msg("background work skipped")
	}
}

// whileSharing gates heartbeats to sessions that are running.
func (e *Engine) whileSharing(ctx context.Context, fn func(context.Context)) {
	e.mu.Lock()
	st := e.machine.State()
	e.mu.Unlock()
	if st != session.Active && st != session.Degraded {
		return
	}
	e.inWindow(ctx, fn)
}

// SetForeground tells the engine whether the app is foregrounded. Periodic
// work runs inside background windows while it is not.
func (e *Engine) SetForeground(fg bool) {
	e.mu.Lock()
	e.foreground = fg
	e.mu.Unlock()
	e.log.Info().Bool("foreground", fg).Msg("foreground changed")
}

func (e *Engine) Foreground() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.foreground
}
