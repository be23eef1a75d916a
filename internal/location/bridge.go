package location

import (
	"context"
	"sync"

	"backend-trackmates/internal/logging"
)

const (
	fixBuffer    = 32
	regionBuffer = 8
	authBuffer   = 4
)

type regionWatch struct {
	region Region
	inside *bool
	ch     chan RegionEvent
}

// Bridge is a Source fed by the platform layer. Fixes, authorization changes
// and service state are pushed in; region monitoring is evaluated in software
// against every pushed fix.
type Bridge struct {
	mu              sync.Mutex
	running         bool
	fixes           chan Fix
	auth            Authorization
	serviceEnabled  bool
	alwaysRequested bool
	tier            AccuracyTier
	distanceFilterM float64
	authSubs        map[int]chan Authorization
	nextSub         int
	regions         map[string]*regionWatch
	regionGate      func(Fix) bool
}

func NewBridge(initial Authorization) *Bridge {
	return &Bridge{
		auth:           initial,
		serviceEnabled: true,
		authSubs:       map[int]chan Authorization{},
		regions:        map[string]*regionWatch{},
	}
}

func (b *Bridge) Start(_ context.Context, tier AccuracyTier, distanceFilterM float64) (<-chan Fix, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.serviceEnabled {
		return nil, ErrServiceDisabled
	}
	if b.running {
		close(b.fixes)
	}
	b.fixes = make(chan Fix, fixBuffer)
	b.running = true
	b.tier = tier
	b.distanceFilterM = distanceFilterM
	return b.fixes, nil
}

func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}
	close(b.fixes)
	b.fixes = nil
	b.running = false
	return nil
}

func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SetRegionGate installs the check a pushed fix must pass before region
// monitoring sees it. A nil gate admits every fix.
func (b *Bridge) SetRegionGate(gate func(Fix) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regionGate = gate
}

// PushFix delivers a fix from the platform. Region monitoring sees every fix
// the gate admits; the continuous stream only sees fixes while started. A full
// stream buffer drops the fix.
func (b *Bridge) PushFix(fix Fix) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.regionGate == nil || b.regionGate(fix) {
		b.evaluateRegions(fix)
	}

	if !b.running {
		return ErrNotRunning
	}
	select {
	case b.fixes <- fix:
	default:
		logging.Warn().Msg("location bridge buffer full, dropping fix")
	}
	return nil
}

func (b *Bridge) evaluateRegions(fix Fix) {
	p := fix.Position()
	for _, w := range b.regions {
		inside := w.region.Contains(p)
		if w.inside == nil {
			w.inside = &inside
			if !inside {
				continue
			}
		} else if *w.inside == inside {
			continue
		}
		*w.inside = inside
		select {
		case w.ch <- RegionEvent{ID: w.region.ID, Entered: inside}:
		default:
			logging.Warn().Str("region", w.region.ID).Msg("region event buffer full, dropping transition")
		}
	}
}

func (b *Bridge) Authorization() Authorization {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auth
}

// SetAuthorization records a new authorization level and notifies
// subscribers when it changed.
func (b *Bridge) SetAuthorization(a Authorization) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.auth == a {
		return
	}
	b.auth = a
	if a == AuthAlways {
		b.alwaysRequested = false
	}
	for _, ch := range b.authSubs {
		select {
		case ch <- a:
		default:
		}
	}
}

func (b *Bridge) RequestAlways() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alwaysRequested = true
	return nil
}

// AlwaysRequested reports whether the engine asked for background
// authorization that the platform has not granted yet.
func (b *Bridge) AlwaysRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alwaysRequested
}

func (b *Bridge) SubscribeAuthorization() (<-chan Authorization, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Authorization, authBuffer)
	b.authSubs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.authSubs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Bridge) ServiceEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serviceEnabled
}

func (b *Bridge) SetServiceEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serviceEnabled = enabled
}

func (b *Bridge) WatchRegion(region Region) (<-chan RegionEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.regions[region.ID]; ok {
		close(old.ch)
	}
	w := &regionWatch{region: region, ch: make(chan RegionEvent, regionBuffer)}
	b.regions[region.ID] = w
	return w.ch, nil
}

func (b *Bridge) UnwatchRegion(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.regions[id]; ok {
		close(w.ch)
		delete(b.regions, id)
	}
	return nil
}

// WatchedRegions returns the number of live region watches.
func (b *Bridge) WatchedRegions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.regions)
}
