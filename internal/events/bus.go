package events

import (
	"sync"

	"backend-trackmates/internal/logging"
)

const subscriberBuffer = 64

// Bus fans events out to subscribers without blocking the publisher. A
// subscriber that falls behind loses events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logging.Warn().Str("kind", string(e.Kind())).Msg("event subscriber behind, dropping event")
		}
	}
}

// Handlers are the application callbacks. Nil callbacks are skipped.
type Handlers struct {
	OnLocationUpdate func(LocationUpdate)
	OnGeofenceEvent  func(id string, entered bool)
	OnProximityAlert func(peerID string, distanceM float64)
	OnError          func(kind, message string)
}

// Dispatch routes e to the matching callback.
func (h Handlers) Dispatch(e Event) {
	switch v := e.(type) {
	case LocationUpdate:
		if h.OnLocationUpdate != nil {
			h.OnLocationUpdate(v)
		}
	case GeofenceEvent:
		if h.OnGeofenceEvent != nil {
			h.OnGeofenceEvent(v.GeofenceID, v.Entered)
		}
	case ProximityAlert:
		if h.OnProximityAlert != nil {
			h.OnProximityAlert(v.PeerID, v.DistanceM)
		}
	case Error:
		if h.OnError != nil {
			h.OnError(v.ErrorKind, v.Message)
		}
	}
}
