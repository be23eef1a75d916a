package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"backend-trackmates/internal/livestore"
	"backend-trackmates/internal/logging"
	"backend-trackmates/internal/metrics"
	"backend-trackmates/internal/shared/geo"

	"github.com/rs/zerolog"
)

const DefaultSweepInterval = 15 * time.Second

// Update describes a peer whose status or location changed.
type Update struct {
	PeerID   string
	Status   Status
	Online   bool
	Location *livestore.LocationRecord
}

type peerState struct {
	presence    livestore.PresenceRecord
	hasPresence bool
	location    *livestore.LocationRecord
	status      Status
	corrected   bool
}

// Observer follows the presence and location records of a set of peers and
// applies the offline correction to peers whose heartbeat went stale.
type Observer struct {
	store         livestore.Store
	threshold     time.Duration
	sweepInterval time.Duration
	localNow      func() time.Time
	log           zerolog.Logger

	// OnChange is called outside the observer lock.
	OnChange func(Update)

	mu       sync.Mutex
	peers    map[string]*peerState
	cancel   context.CancelFunc
	watchGen uint64
	wg       sync.WaitGroup
}

func NewObserver(store livestore.Store, threshold time.Duration, now func() time.Time) *Observer {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Observer{
		store:         store,
		threshold:     threshold,
		sweepInterval: DefaultSweepInterval,
		localNow:      now,
		log:           logging.Component("presence"),
		peers:         map[string]*peerState{},
	}
}

// Watch replaces the observed peer set and subscribes to each peer.
func (o *Observer) Watch(ctx context.Context, peerIDs []string) error {
	o.Unwatch()

	wctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.watchGen++
	gen := o.watchGen
	o.cancel = cancel
	o.peers = make(map[string]*peerState, len(peerIDs))
	for _, id := range peerIDs {
		o.peers[id] = &peerState{status: StatusOffline}
	}
	o.mu.Unlock()

	var errs []error
	for _, id := range peerIDs {
		ch, err := o.store.Watch(wctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		o.wg.Add(1)
		go func(peerID string, ch <-chan livestore.Change) {
			defer o.wg.Done()
			for c := range ch {
				o.apply(wctx, gen, peerID, c)
			}
		}(id, ch)
	}
	return errors.Join(errs...)
}

// Unwatch drops every subscription and waits for the consumers to exit.
func (o *Observer) Unwatch() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.watchGen++
	o.peers = map[string]*peerState{}
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

func (o *Observer) Peers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.peers))
	for id := range o.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Observer) apply(ctx context.Context, gen uint64, peerID string, c livestore.Change) {
	now := o.now(ctx)

	o.mu.Lock()
	p, ok := o.peers[peerID]
	if !ok || gen != o.watchGen {
		o.mu.Unlock()
		return
	}
	prevStatus := p.status
	prevLoc := p.location
	switch c.Kind {
	case livestore.ChangePresence:
		if c.Deleted || c.Presence == nil {
			p.presence, p.hasPresence = livestore.PresenceRecord{}, false
		} else {
			p.presence, p.hasPresence = *c.Presence, true
		}
	case livestore.ChangeLocation:
		if c.Deleted || c.Location == nil {
			p.location = nil
		} else {
			loc := *c.Location
			p.location = &loc
		}
	}
	p.status = o.derive(p, now)
	if p.status != StatusStale {
		p.corrected = false
	}
	needsCorrection := p.status == StatusStale && !p.corrected
	if needsCorrection {
		p.corrected = true
	}
	u, changed := o.update(peerID, p, prevStatus, prevLoc)
	o.mu.Unlock()

	if changed && o.OnChange != nil {
		o.OnChange(u)
	}
	if needsCorrection {
		o.correct(ctx, peerID)
	}
}

func (o *Observer) derive(p *peerState, now time.Time) Status {
	if !p.hasPresence {
		return StatusOffline
	}
	return Derive(p.presence, now, o.threshold)
}

// update must be called with mu held.
func (o *Observer) update(peerID string, p *peerState, prevStatus Status, prevLoc *livestore.LocationRecord) (Update, bool) {
	locChanged := (prevLoc == nil) != (p.location == nil) || (prevLoc != nil && *prevLoc != *p.location)
	if prevStatus == p.status && !locChanged {
		return Update{}, false
	}
	u := Update{PeerID: peerID, Status: p.status, Online: p.status.IsOnline()}
	if p.location != nil {
		loc := *p.location
		u.Location = &loc
	}
	return u, true
}

// Sweep re-derives every peer against the current clock and corrects peers
// that turned stale since the last sweep.
func (o *Observer) Sweep(ctx context.Context) {
	now := o.now(ctx)

	var updates []Update
	var stale []string
	o.mu.Lock()
	for id, p := range o.peers {
		prev := p.status
		p.status = o.derive(p, now)
		if p.status != StatusStale {
			p.corrected = false
		} else if !p.corrected {
			p.corrected = true
			stale = append(stale, id)
		}
		if u, changed := o.update(id, p, prev, p.location); changed {
			updates = append(updates, u)
		}
	}
	o.mu.Unlock()

	if o.OnChange != nil {
		for _, u := range updates {
			o.OnChange(u)
		}
	}
	for _, id := range stale {
		o.correct(ctx, id)
	}
}

// correct writes the terminal offline record for a stale peer and clears its
// location. Both writes are idempotent.
func (o *Observer) correct(ctx context.Context, peerID string) {
	log := o.log.With().Str("peer", peerID).Logger()
	if err := o.store.MarkOffline(ctx, peerID); err != nil {
		log.Warn().Err(err).Msg("mark stale peer offline failed")
		o.mu.Lock()
		if p, ok := o.peers[peerID]; ok {
			p.corrected = false
		}
		o.mu.Unlock()
		return
	}
	existed, err := o.store.DeleteLocation(ctx, peerID)
	if err != nil {
		log.Warn().Err(err).Msg("clear stale peer location failed")
	}
	metrics.PresenceCorrections.Inc()
	log.Info().Bool("location_cleared", existed).Msg("stale peer marked offline")
}

// Serve sweeps periodically until ctx is done.
func (o *Observer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

func (o *Observer) String() string { return "presence-sweeper" }

// now prefers the store clock so every observer ages heartbeats against the
// same time source as the writer.
func (o *Observer) now(ctx context.Context) time.Time {
	t, err := o.store.Now(ctx)
	if err != nil || t.IsZero() {
		return o.localNow()
	}
	return t
}

func (o *Observer) Status(peerID string) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.peers[peerID]; ok {
		return p.status
	}
	return StatusOffline
}

// Presence maps every observed peer to whether it is online.
func (o *Observer) Presence() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]bool, len(o.peers))
	for id, p := range o.peers {
		out[id] = p.status.IsOnline()
	}
	return out
}

// Locations returns the positions of online peers only.
func (o *Observer) Locations() map[string]geo.LatLng {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]geo.LatLng, len(o.peers))
	for id, p := range o.peers {
		if p.location != nil && p.status.IsOnline() {
			out[id] = geo.LatLng{Lat: p.location.Lat, Lng: p.location.Lng}
		}
	}
	return out
}
