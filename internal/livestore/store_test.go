package livestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), s
}

func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(nil),
		"redis":  redisStore,
	}
}

func nextChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatalf("watch channel closed")
		}
		return c
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for change")
	}
	return Change{}
}

func TestPresenceLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.GetPresence(ctx, "u1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}

			hb, err := store.Heartbeat(ctx, "u1", "ios")
			if err != nil {
				t.Fatalf("heartbeat: %v", err)
			}
			if !hb.SharingEnabled || hb.AppUninstalled || hb.LastHeartbeat.IsZero() {
				t.Fatalf("unexpected heartbeat record %+v", hb)
			}

			if err := store.MarkOffline(ctx, "u1"); err != nil {
				t.Fatalf("mark offline: %v", err)
			}
			rec, err := store.GetPresence(ctx, "u1")
			if err != nil {
				t.Fatalf("get presence: %v", err)
			}
			if rec.SharingEnabled || !rec.AppUninstalled {
				t.Fatalf("expected offline correction, got %+v", rec)
			}
			if !rec.LastHeartbeat.Equal(hb.LastHeartbeat) {
				t.Fatalf("correction must keep last heartbeat: %v vs %v", rec.LastHeartbeat, hb.LastHeartbeat)
			}
			if rec.Platform != "ios" {
				t.Fatalf("correction must keep platform")
			}

			if err := store.SetSharing(ctx, "u1", true); err != nil {
				t.Fatalf("set sharing: %v", err)
			}
			rec, _ = store.GetPresence(ctx, "u1")
			if !rec.SharingEnabled || !rec.AppUninstalled {
				t.Fatalf("set sharing should only touch sharing flag, got %+v", rec)
			}
		})
	}
}

func TestLocationLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := LocationRecord{Lat: -6.2, Lng: 106.8, IsSharing: true, UpdatedAt: time.Now().UTC().Truncate(time.Millisecond), Accuracy: 8}

			if err := store.SetLocation(ctx, "u1", rec); err != nil {
				t.Fatalf("set location: %v", err)
			}
			got, err := store.GetLocation(ctx, "u1")
			if err != nil {
				t.Fatalf("get location: %v", err)
			}
			if got.Lat != rec.Lat || got.Lng != rec.Lng || !got.IsSharing || got.Accuracy != 8 {
				t.Fatalf("unexpected location %+v", got)
			}

			deleted, err := store.DeleteLocation(ctx, "u1")
			if err != nil || !deleted {
				t.Fatalf("expected delete, got %v %v", deleted, err)
			}
			deleted, err = store.DeleteLocation(ctx, "u1")
			if err != nil || deleted {
				t.Fatalf("second delete should be a no-op, got %v %v", deleted, err)
			}
			if _, err := store.GetLocation(ctx, "u1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
		})
	}
}

func TestWatchDeliversCurrentThenChanges(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if _, err := store.Heartbeat(ctx, "peer", "android"); err != nil {
				t.Fatalf("heartbeat: %v", err)
			}

			ch, err := store.Watch(ctx, "peer")
			if err != nil {
				t.Fatalf("watch: %v", err)
			}

			first := nextChange(t, ch)
			if first.Kind != ChangePresence || first.Presence == nil || !first.Presence.SharingEnabled {
				t.Fatalf("expected current presence first, got %+v", first)
			}

			if err := store.SetLocation(ctx, "peer", LocationRecord{Lat: 1, Lng: 2, IsSharing: true}); err != nil {
				t.Fatalf("set location: %v", err)
			}
			c := nextChange(t, ch)
			if c.Kind != ChangeLocation || c.Location == nil || c.Location.Lat != 1 {
				t.Fatalf("expected location change, got %+v", c)
			}

			if _, err := store.DeleteLocation(ctx, "peer"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			c = nextChange(t, ch)
			if c.Kind != ChangeLocation || !c.Deleted {
				t.Fatalf("expected delete change, got %+v", c)
			}

			cancel()
			select {
			case _, ok := <-ch:
				for ok {
					_, ok = <-ch
				}
			case <-time.After(500 * time.Millisecond):
				t.Fatalf("watch channel not closed after cancel")
			}
		})
	}
}

func TestRedisHeartbeatUsesServerClock(t *testing.T) {
	store, server := newRedisStore(t)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	server.SetTime(fixed)

	rec, err := store.Heartbeat(context.Background(), "u1", "ios")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !rec.LastHeartbeat.Equal(fixed) {
		t.Fatalf("expected server time %v, got %v", fixed, rec.LastHeartbeat)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, server := newRedisStore(t)
	server.Close()

	if err := store.SetLocation(context.Background(), "u1", LocationRecord{}); err == nil {
		t.Fatalf("expected error when redis is down")
	}
	if _, err := store.Heartbeat(context.Background(), "u1", "ios"); err == nil {
		t.Fatalf("expected heartbeat error when redis is down")
	}
}

func TestMemoryStoreClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return fixed })
	now, _ := store.Now(context.Background())
	if !now.Equal(fixed) {
		t.Fatalf("unexpected clock")
	}
}
