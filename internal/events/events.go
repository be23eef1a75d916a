// Package events defines the tagged messages the engine emits to the
// application layer, and their wire envelope.
package events

import (
	"fmt"
	"time"

	"backend-trackmates/internal/validation"

	"github.com/goccy/go-json"
)

type Kind string

const (
	KindLocationUpdate Kind = "location_update"
	KindGeofenceEvent  Kind = "geofence_event"
	KindProximityAlert Kind = "proximity_alert"
	KindError          Kind = "error"
	KindPresenceChange Kind = "presence_change"
	KindSessionState   Kind = "session_state"
)

type Event interface {
	Kind() Kind
	Validate() error
}

type LocationUpdate struct {
	UserID    string    `json:"user_id" validate:"required"`
	Lat       float64   `json:"lat" validate:"latitude"`
	Lng       float64   `json:"lng" validate:"longitude"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0"`
	Speed     *float64  `json:"speed,omitempty"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

type GeofenceEvent struct {
	TransitionID string    `json:"transition_id" validate:"required"`
	GeofenceID   string    `json:"geofence_id" validate:"required"`
	Name         string    `json:"name,omitempty"`
	Entered      bool      `json:"entered"`
	Lat          *float64  `json:"lat,omitempty" validate:"omitnil,latitude"`
	Lng          *float64  `json:"lng,omitempty" validate:"omitnil,longitude"`
	OccurredAt   time.Time `json:"occurred_at" validate:"required"`
}

type ProximityAlert struct {
	AlertID    string    `json:"alert_id" validate:"required"`
	PeerID     string    `json:"peer_id" validate:"required"`
	DistanceM  float64   `json:"distance_m" validate:"gte=0"`
	OccurredAt time.Time `json:"occurred_at" validate:"required"`
}

type Error struct {
	ErrorKind string `json:"error_kind" validate:"required,oneof=permission source store_write config unknown"`
	Message   string `json:"message" validate:"required"`
	Fatal     bool   `json:"fatal"`
}

type PresenceChange struct {
	PeerID string `json:"peer_id" validate:"required"`
	Status string `json:"status" validate:"required,oneof=sharing present stale offline"`
	Online bool   `json:"online"`
}

type SessionState struct {
	UserID string `json:"user_id"`
	State  string `json:"state" validate:"required,oneof=stopped starting active degraded"`
}

func (LocationUpdate) Kind() Kind { return KindLocationUpdate }
func (GeofenceEvent) Kind() Kind  { return KindGeofenceEvent }
func (ProximityAlert) Kind() Kind { return KindProximityAlert }
func (Error) Kind() Kind          { return KindError }
func (PresenceChange) Kind() Kind { return KindPresenceChange }
func (SessionState) Kind() Kind   { return KindSessionState }

func (e LocationUpdate) Validate() error { return validation.Struct("events.location_update", e) }
func (e GeofenceEvent) Validate() error  { return validation.Struct("events.geofence_event", e) }
func (e ProximityAlert) Validate() error { return validation.Struct("events.proximity_alert", e) }
func (e Error) Validate() error          { return validation.Struct("events.error", e) }
func (e PresenceChange) Validate() error { return validation.Struct("events.presence_change", e) }
func (e SessionState) Validate() error   { return validation.Struct("events.session_state", e) }

// Envelope is the wire form of an event.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode validates e and wraps it in an envelope.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: e.Kind(), Data: data})
}

// Decode parses an envelope and validates the payload.
func Decode(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var e Event
	var err error
	switch env.Kind {
	case KindLocationUpdate:
		e, err = decodeAs[LocationUpdate](env.Data)
	case KindGeofenceEvent:
		e, err = decodeAs[GeofenceEvent](env.Data)
	case KindProximityAlert:
		e, err = decodeAs[ProximityAlert](env.Data)
	case KindError:
		e, err = decodeAs[Error](env.Data)
	case KindPresenceChange:
		e, err = decodeAs[PresenceChange](env.Data)
	case KindSessionState:
		e, err = decodeAs[SessionState](env.Data)
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.Kind(), err)
	}
	return v, nil
}
