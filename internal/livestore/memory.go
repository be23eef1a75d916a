package livestore

import (
	"context"
	"sync"
	"time"
)

const watchBuffer = 16

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	presence map[string]PresenceRecord
	location map[string]LocationRecord
	watchers map[string]map[chan Change]struct{}
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		presence: map[string]PresenceRecord{},
		location: map[string]LocationRecord{},
		watchers: map[string]map[chan Change]struct{}{},
	}
}

func (m *MemoryStore) Heartbeat(_ context.Context, userID, platform string) (PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := PresenceRecord{
		SharingEnabled: true,
		LastHeartbeat:  m.now(),
		AppUninstalled: false,
		Platform:       platform,
	}
	m.presence[userID] = rec
	m.notify(userID, Change{UserID: userID, Kind: ChangePresence, Presence: &rec})
	return rec, nil
}

func (m *MemoryStore) SetPresence(_ context.Context, userID string, rec PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.presence[userID] = rec
	m.notify(userID, Change{UserID: userID, Kind: ChangePresence, Presence: &rec})
	return nil
}

func (m *MemoryStore) MarkOffline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.presence[userID]
	rec.SharingEnabled = false
	rec.AppUninstalled = true
	m.presence[userID] = rec
	m.notify(userID, Change{UserID: userID, Kind: ChangePresence, Presence: &rec})
	return nil
}

func (m *MemoryStore) SetSharing(_ context.Context, userID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.presence[userID]
	rec.SharingEnabled = enabled
	m.presence[userID] = rec
	m.notify(userID, Change{UserID: userID, Kind: ChangePresence, Presence: &rec})
	return nil
}

func (m *MemoryStore) GetPresence(_ context.Context, userID string) (PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.presence[userID]
	if !ok {
		return PresenceRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) SetLocation(_ context.Context, userID string, rec LocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.location[userID] = rec
	m.notify(userID, Change{UserID: userID, Kind: ChangeLocation, Location: &rec})
	return nil
}

func (m *MemoryStore) DeleteLocation(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.location[userID]; !ok {
		return false, nil
	}
	delete(m.location, userID)
	m.notify(userID, Change{UserID: userID, Kind: ChangeLocation, Deleted: true})
	return true, nil
}

func (m *MemoryStore) GetLocation(_ context.Context, userID string) (LocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.location[userID]
	if !ok {
		return LocationRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Watch(ctx context.Context, userID string) (<-chan Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Change, watchBuffer)
	if m.watchers[userID] == nil {
		m.watchers[userID] = map[chan Change]struct{}{}
	}
	m.watchers[userID][ch] = struct{}{}

	if rec, ok := m.presence[userID]; ok {
		ch <- Change{UserID: userID, Kind: ChangePresence, Presence: &rec}
	}
	if rec, ok := m.location[userID]; ok {
		ch <- Change{UserID: userID, Kind: ChangeLocation, Location: &rec}
	}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers[userID], ch)
		if len(m.watchers[userID]) == 0 {
			delete(m.watchers, userID)
		}
		close(ch)
	}()
	return ch, nil
}

func (m *MemoryStore) Now(context.Context) (time.Time, error) {
	return m.now(), nil
}

// notify must be called with mu held. Slow watchers miss changes rather than
// block writers.
func (m *MemoryStore) notify(userID string, c Change) {
	for ch := range m.watchers[userID] {
		select {
		case ch <- c:
		default:
		}
	}
}
