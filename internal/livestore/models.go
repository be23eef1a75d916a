package livestore

import "time"

// PresenceRecord is the per-user liveness record. Only the owning device
// writes it, except for the offline correction a peer may apply to a stale
// record.
type PresenceRecord struct {
	SharingEnabled bool      `json:"sharing_enabled"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	AppUninstalled bool      `json:"app_uninstalled"`
	Platform       string    `json:"platform"`
}

// LocationRecord is the latest shared position of a sharing user.
type LocationRecord struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	IsSharing bool      `json:"is_sharing"`
	UpdatedAt time.Time `json:"updated_at"`
	Accuracy  float64   `json:"accuracy"`
}

type ChangeKind string

const (
	ChangePresence ChangeKind = "presence"
	ChangeLocation ChangeKind = "location"
)

// Change carries the full current value of one record after a write.
type Change struct {
	UserID   string          `json:"user_id"`
	Kind     ChangeKind      `json:"kind"`
	Presence *PresenceRecord `json:"presence,omitempty"`
	Location *LocationRecord `json:"location,omitempty"`
	Deleted  bool            `json:"deleted,omitempty"`
}
