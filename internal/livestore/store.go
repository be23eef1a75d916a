// Package livestore is the low-latency shared store: per-user presence and
// location records with change subscriptions that deliver the full current
// value on every write.
package livestore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

type Store interface {
	// Heartbeat marks the user alive and sharing, stamped with the store clock.
	Heartbeat(ctx context.Context, userID, platform string) (PresenceRecord, error)
	SetPresence(ctx context.Context, userID string, rec PresenceRecord) error
	// MarkOffline sets sharing_enabled=false and app_uninstalled=true, leaving
	// the other fields untouched.
	MarkOffline(ctx context.Context, userID string) error
	// SetSharing updates only sharing_enabled.
	SetSharing(ctx context.Context, userID string, enabled bool) error
	GetPresence(ctx context.Context, userID string) (PresenceRecord, error)

	SetLocation(ctx context.Context, userID string, rec LocationRecord) error
	// DeleteLocation reports whether a record existed.
	DeleteLocation(ctx context.Context, userID string) (bool, error)
	GetLocation(ctx context.Context, userID string) (LocationRecord, error)

	// Watch delivers the current presence and location of userID, then every
	// subsequent change, until ctx is done.
	Watch(ctx context.Context, userID string) (<-chan Change, error)

	// Now returns the store clock.
	Now(ctx context.Context) (time.Time, error)
}
