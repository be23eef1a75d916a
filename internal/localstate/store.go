// Package localstate keeps the device-side state that must survive a process
// restart: the current tracking session and the registered geofences.
package localstate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"backend-trackmates/internal/location"
	"backend-trackmates/internal/shared/geo"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const (
	sessionKey     = "session/current"
	geofencePrefix = "geofences/"
)

// Session is the persisted tracking session.
type Session struct {
	UserID          string        `json:"user_id"`
	Enabled         bool          `json:"enabled"`
	State           string        `json:"state"`
	StartTime       time.Time     `json:"start_time"`
	UpdateInterval  time.Duration `json:"update_interval"`
	DistanceFilterM float64       `json:"distance_filter_m"`
	AccuracyTier    string        `json:"accuracy_tier"`
}

type geofenceRecord struct {
	ID      string  `json:"id"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radius_m"`
	Name    string  `json:"name,omitempty"`
}

type Store struct {
	db *badger.DB
}

// Open opens the store at dir. An empty dir keeps everything in memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open local state: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveSession(sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionKey), data)
	})
}

// LoadSession returns the persisted session, or false when none was saved.
func (s *Store) LoadSession() (Session, bool, error) {
	var sess Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	return sess, true, nil
}

func (s *Store) SaveGeofence(r location.Region) error {
	data, err := json.Marshal(geofenceRecord{
		ID:      r.ID,
		Lat:     r.Center.Lat,
		Lng:     r.Center.Lng,
		RadiusM: r.RadiusM,
		Name:    r.Name,
	})
	if err != nil {
		return fmt.Errorf("marshal geofence: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(geofencePrefix+r.ID), data)
	})
}

func (s *Store) DeleteGeofence(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(geofencePrefix + id))
	})
}

// ClearGeofences removes every persisted geofence.
func (s *Store) ClearGeofences() error {
	return s.db.DropPrefix([]byte(geofencePrefix))
}

func (s *Store) LoadGeofences() ([]location.Region, error) {
	var out []location.Region
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(geofencePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec geofenceRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", strings.TrimPrefix(string(item.Key()), geofencePrefix), err)
			}
			out = append(out, location.Region{
				ID:      rec.ID,
				Center:  geo.LatLng{Lat: rec.Lat, Lng: rec.Lng},
				RadiusM: rec.RadiusM,
				Name:    rec.Name,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
