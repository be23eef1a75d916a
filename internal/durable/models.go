package durable

import "time"

type LocationRow struct {
	UserID     string    `json:"user_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m"`
	IsSharing  bool      `json:"is_sharing"`
	RecordedAt time.Time `json:"recorded_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type SessionRow struct {
	UserID    string    `json:"user_id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

type TransitionRow struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	GeofenceID string    `json:"geofence_id"`
	Name       string    `json:"name"`
	Entered    bool      `json:"entered"`
	Lat        *float64  `json:"lat,omitempty"`
	Lng        *float64  `json:"lng,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ProximityRow struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	PeerID     string    `json:"peer_id"`
	Entered    bool      `json:"entered"`
	DistanceM  float64   `json:"distance_m"`
	OccurredAt time.Time `json:"occurred_at"`
}
