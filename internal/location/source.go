package location

import (
	"context"
	"errors"
)

var (
	ErrServiceDisabled = errors.New("location service disabled")
	ErrNotRunning      = errors.New("location source not running")
)

// Source is the platform positioning capability consumed by the engine.
//
// The channel returned by Start is closed by Stop. Channels returned by
// WatchRegion are closed by UnwatchRegion for the same id, or when the region
// is watched again. Authorization subscriptions are closed by their cancel
// func.
type Source interface {
	Start(ctx context.Context, tier AccuracyTier, distanceFilterM float64) (<-chan Fix, error)
	Stop() error
	Authorization() Authorization
	RequestAlways() error
	SubscribeAuthorization() (<-chan Authorization, func())
	ServiceEnabled() bool
	WatchRegion(region Region) (<-chan RegionEvent, error)
	UnwatchRegion(id string) error
}
