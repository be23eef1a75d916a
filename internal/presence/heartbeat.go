package presence

import (
	"context"
	"fmt"
	"time"

	"backend-trackmates/internal/fault"
	"backend-trackmates/internal/livestore"
	"backend-trackmates/internal/logging"
	"backend-trackmates/internal/metrics"

	"github.com/rs/zerolog"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeater writes the owning user's liveness record.
type Heartbeater struct {
	store    livestore.Store
	platform string
	log      zerolog.Logger

	// Wrap, when set, runs each beat. The engine uses it to place beats inside
	// background execution windows.
	Wrap func(ctx context.Context, fn func(context.Context))
}

func NewHeartbeater(store livestore.Store, platform string) *Heartbeater {
	return &Heartbeater{store: store, platform: platform, log: logging.Component("heartbeat")}
}

func (h *Heartbeater) Beat(ctx context.Context, userID string) error {
	rec, err := h.store.Heartbeat(ctx, userID, h.platform)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		h.log.Warn().Err(err).Str("user", userID).Msg("heartbeat write failed")
		return fault.StoreWrite("heartbeat", err)
	}
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	h.log.Debug().Str("user", userID).Time("at", rec.LastHeartbeat).Msg("heartbeat")
	return nil
}

// Run beats immediately and then every interval until ctx is done. Failed
// beats are reported through onError and never stop the loop.
func (h *Heartbeater) Run(ctx context.Context, userID string, interval time.Duration, onError func(error)) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	beat := func(ctx context.Context) {
		if err := h.Beat(ctx, userID); err != nil && onError != nil && ctx.Err() == nil {
			onError(err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if h.Wrap != nil {
			h.Wrap(ctx, beat)
		} else {
			beat(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// MarkStopped clears the sharing flag. The heartbeat timestamp is left alone
// so observers still see the user as present until it ages out.
func (h *Heartbeater) MarkStopped(ctx context.Context, userID string) error {
	if err := h.store.SetSharing(ctx, userID, false); err != nil {
		return fault.StoreWrite("heartbeat.stop", fmt.Errorf("clear sharing: %w", err))
	}
	return nil
}
