// Package presence implements the heartbeat liveness protocol: the owning
// device writes heartbeats and every observer derives peer presence from the
// heartbeat age alone.
package presence

import (
	"time"

	"backend-trackmates/internal/livestore"
)

const DefaultStaleThreshold = 120 * time.Second

type Status string

const (
	// StatusSharing is a fresh heartbeat with sharing enabled.
	StatusSharing Status = "sharing"
	// StatusPresent is a fresh heartbeat with sharing disabled.
	StatusPresent Status = "present"
	// StatusStale is a heartbeat older than the threshold. The sharing flag is
	// ignored.
	StatusStale Status = "stale"
	// StatusOffline is a record marked uninstalled, or no record at all.
	StatusOffline Status = "offline"
)

// Derive is a pure function of the record and the observer's clock.
func Derive(rec livestore.PresenceRecord, now time.Time, threshold time.Duration) Status {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if rec.AppUninstalled {
		return StatusOffline
	}
	if rec.LastHeartbeat.IsZero() || now.Sub(rec.LastHeartbeat) >= threshold {
		return StatusStale
	}
	if rec.SharingEnabled {
		return StatusSharing
	}
	return StatusPresent
}

func (s Status) IsOnline() bool { return s == StatusSharing }

// IsOnline reports sharingEnabled && !appUninstalled && age < threshold.
func IsOnline(rec livestore.PresenceRecord, now time.Time, threshold time.Duration) bool {
	return Derive(rec, now, threshold).IsOnline()
}
