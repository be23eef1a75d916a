package tracking

import (
	"context"

	"backend-trackmates/internal/durable"
	"backend-trackmates/internal/events"
	"backend-trackmates/internal/geofence"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/presence"
	"backend-trackmates/internal/proximity"
	"backend-trackmates/internal/shared/geo"
)

// SetPeers replaces the set of observed peers.
func (e *Engine) SetPeers(peerIDs []string) error {
	keep := make(map[string]bool, len(peerIDs))
	for _, id := range peerIDs {
		keep[id] = true
	}
	for _, id := range e.observer.Peers() {
		if !keep[id] {
			e.proximity.Forget(id)
		}
	}
	return e.observer.Watch(e.baseCtx, peerIDs)
}

func (e *Engine) Peers() []string { return e.observer.Peers() }

// PeerLocations returns the positions of online peers.
func (e *Engine) PeerLocations() map[string]geo.LatLng { return e.observer.Locations() }

// PeerPresence maps each observed peer to whether it is online.
func (e *Engine) PeerPresence() map[string]bool { return e.observer.Presence() }

func (e *Engine) onPeerChange(u presence.Update) {
	e.emit(events.PresenceChange{PeerID: u.PeerID, Status: string(u.Status), Online: u.Online})

	// offline peers keep their pair state
	if !u.Online || u.Location == nil {
		return
	}
	self, ok := e.lastPosition()
	if !ok {
		return
	}
	peer := geo.LatLng{Lat: u.Location.Lat, Lng: u.Location.Lng}
	if a, ok := e.proximity.EvaluatePeer(self, u.PeerID, peer); ok {
		e.emit(events.ProximityAlert{AlertID: a.ID, PeerID: a.PeerID, DistanceM: a.DistanceM, OccurredAt: a.OccurredAt})
	}
}

func (e *Engine) onProximityEvent(ev proximity.Event) {
	userID := e.currentUser()
	if userID == "" {
		return
	}
	e.durableAsync("proximity.append", func(ctx context.Context, d DurableStore) error {
		return d.AppendProximity(ctx, durable.ProximityRow{
			ID:         ev.ID,
			UserID:     userID,
			PeerID:     ev.PeerID,
			Entered:    ev.Entered,
			DistanceM:  ev.DistanceM,
			OccurredAt: ev.OccurredAt,
		})
	})
}

func (e *Engine) onTransition(t geofence.Transition) {
	ev := events.GeofenceEvent{
		TransitionID: t.ID,
		GeofenceID:   t.GeofenceID,
		Name:         t.Name,
		Entered:      t.Entered,
		OccurredAt:   t.OccurredAt,
	}
	row := durable.TransitionRow{
		ID:         t.ID,
		UserID:     e.currentUser(),
		GeofenceID: t.GeofenceID,
		Name:       t.Name,
		Entered:    t.Entered,
		OccurredAt: t.OccurredAt,
	}
	if t.Location != nil {
		lat, lng := t.Location.Lat, t.Location.Lng
		ev.Lat, ev.Lng = &lat, &lng
		row.Lat, row.Lng = &lat, &lng
	}
	e.emit(ev)

	if row.UserID == "" {
		return
	}
	e.durableAsync("geofence.append", func(ctx context.Context, d DurableStore) error {
		return d.AppendTransition(ctx, row)
	})
}

func (e *Engine) AddGeofence(r location.Region) error { return e.geofences.Add(r) }

func (e *Engine) RemoveGeofence(id string) error { return e.geofences.Remove(id) }

func (e *Engine) ClearGeofences() { e.geofences.ClearAll() }

func (e *Engine) Geofences() []location.Region { return e.geofences.List() }

func (e *Engine) Transitions() []geofence.Transition { return e.geofences.Transitions() }

func (e *Engine) CurrentPlace() (location.Region, bool) { return e.geofences.CurrentPlace() }
