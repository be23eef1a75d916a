// Package geofence registers circular region watches with the location source
// and turns their enter/exit callbacks into timestamped transitions.
package geofence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"backend-trackmates/internal/fault"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/logging"
	"backend-trackmates/internal/metrics"
	"backend-trackmates/internal/shared/geo"
	"backend-trackmates/internal/validation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaxRegions is the platform ceiling on live region watches per device.
const MaxRegions = 20

var (
	ErrTooManyRegions = fmt.Errorf("at most %d geofences can be registered", MaxRegions)
	ErrNotFound       = errors.New("geofence not found")
)

type Watcher interface {
	WatchRegion(location.Region) (<-chan location.RegionEvent, error)
	UnwatchRegion(id string) error
}

// Persister keeps geofence definitions across process restarts.
type Persister interface {
	SaveGeofence(location.Region) error
	DeleteGeofence(id string) error
	ClearGeofences() error
}

type Transition struct {
	ID         string      `json:"id"`
	GeofenceID string      `json:"geofence_id"`
	Name       string      `json:"name,omitempty"`
	Entered    bool        `json:"entered"`
	Location   *geo.LatLng `json:"location,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

type regionInput struct {
	ID      string  `validate:"required,max=64"`
	Lat     float64 `validate:"latitude"`
	Lng     float64 `validate:"longitude"`
	RadiusM float64 `validate:"gt=0"`
}

type fence struct {
	region location.Region
	gen    uint64
	known  bool
	inside bool
}

type Engine struct {
	watcher Watcher
	persist Persister
	now     func() time.Time
	log     zerolog.Logger

	// Snapshot returns the last known position, if any. It is called without
	// the engine lock held.
	Snapshot func() (geo.LatLng, bool)
	// OnTransition receives every emitted transition outside the lock.
	OnTransition func(Transition)

	mu           sync.Mutex
	fences       map[string]*fence
	gen          uint64
	transitions  []Transition
	currentPlace string
}

// New returns an engine. persist may be nil.
func New(watcher Watcher, persist Persister, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		watcher: watcher,
		persist: persist,
		now:     now,
		log:     logging.Component("geofence"),
		fences:  map[string]*fence{},
	}
}

// Add registers a region. Adding an id that is already registered tears the
// old watch down and creates it again.
func (e *Engine) Add(r location.Region) error {
	if err := validation.Struct("geofence.add", regionInput{ID: r.ID, Lat: r.Center.Lat, Lng: r.Center.Lng, RadiusM: r.RadiusM}); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.fences[r.ID]; exists {
		e.removeLocked(r.ID)
	} else if len(e.fences) >= MaxRegions {
		return fault.Config("geofence.add", ErrTooManyRegions)
	}

	ch, err := e.watcher.WatchRegion(r)
	if err != nil {
		return fault.Source("geofence.add", err)
	}
	e.gen++
	f := &fence{region: r, gen: e.gen}
	e.fences[r.ID] = f
	go e.pump(r.ID, f.gen, ch)

	if e.persist != nil {
		if err := e.persist.SaveGeofence(r); err != nil {
			e.log.Warn().Err(err).Str("geofence", r.ID).Msg("persist geofence failed")
		}
	}
	e.log.Info().Str("geofence", r.ID).Float64("radius_m", r.RadiusM).Msg("geofence added")
	return nil
}

func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.fences[id]; !ok {
		return ErrNotFound
	}
	e.removeLocked(id)
	if e.persist != nil {
		if err := e.persist.DeleteGeofence(id); err != nil {
			e.log.Warn().Err(err).Str("geofence", id).Msg("delete persisted geofence failed")
		}
	}
	return nil
}

// ClearAll removes every geofence and forgets the current place.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.fences {
		e.removeLocked(id)
	}
	e.currentPlace = ""
	if e.persist != nil {
		if err := e.persist.ClearGeofences(); err != nil {
			e.log.Warn().Err(err).Msg("clear persisted geofences failed")
		}
	}
}

func (e *Engine) removeLocked(id string) {
	delete(e.fences, id)
	if e.currentPlace == id {
		e.currentPlace = ""
	}
	if err := e.watcher.UnwatchRegion(id); err != nil {
		e.log.Warn().Err(err).Str("geofence", id).Msg("unwatch region failed")
	}
}

func (e *Engine) pump(id string, gen uint64, ch <-chan location.RegionEvent) {
	for ev := range ch {
		e.handle(id, gen, ev)
	}
}

func (e *Engine) handle(id string, gen uint64, ev location.RegionEvent) {
	var snap *geo.LatLng
	if e.Snapshot != nil {
		if p, ok := e.Snapshot(); ok {
			snap = &p
		}
	}

	e.mu.Lock()
	f, ok := e.fences[id]
	if !ok || f.gen != gen {
		e.mu.Unlock()
		return
	}
	if f.known && f.inside == ev.Entered {
		e.mu.Unlock()
		return
	}
	f.known, f.inside = true, ev.Entered

	t := Transition{
		ID:         uuid.New().String(),
		GeofenceID: id,
		Name:       f.region.Name,
		Entered:    ev.Entered,
		Location:   snap,
		OccurredAt: e.now(),
	}
	e.transitions = append(e.transitions, t)
	if ev.Entered {
		e.currentPlace = id
	} else if e.currentPlace == id {
		e.currentPlace = ""
	}
	e.mu.Unlock()

	direction := "exit"
	if ev.Entered {
		direction = "enter"
	}
	metrics.GeofenceTransitions.WithLabelValues(direction).Inc()
	e.log.Info().Str("geofence", id).Bool("entered", ev.Entered).Msg("geofence transition")

	if e.OnTransition != nil {
		e.OnTransition(t)
	}
}

func (e *Engine) List() []location.Region {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]location.Region, 0, len(e.fences))
	for _, f := range e.fences {
		out = append(out, f.region)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fences)
}

// Transitions returns the event log, oldest first.
func (e *Engine) Transitions() []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transition, len(e.transitions))
	copy(out, e.transitions)
	return out
}

// CurrentPlace returns the region most recently entered and not yet exited.
func (e *Engine) CurrentPlace() (location.Region, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.fences[e.currentPlace]
	if !ok {
		return location.Region{}, false
	}
	return f.region, true
}
