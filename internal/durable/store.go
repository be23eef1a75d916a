// Package durable is the persistence-of-record store backed by Postgres with
// PostGIS. Timestamps of record are assigned by the server.
package durable

import (
	"context"
	_ "embed"
	"time"

	"backend-trackmates/internal/db"
	"backend-trackmates/internal/fault"
	"backend-trackmates/internal/logging"
	"backend-trackmates/internal/metrics"

	"github.com/sony/gobreaker/v2"
)

//go:embed schema.sql
var schemaSQL string

const breakerName = "durable-store"

type Store struct {
	db db.Querier
	cb *gobreaker.CircuitBreaker[any]
}

// NewStore wraps q with a circuit breaker that opens after five consecutive
// failures and probes again after 30 seconds.
func NewStore(q db.Querier) *Store {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("durable store breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return &Store{db: q, cb: cb}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (s *Store) exec(ctx context.Context, op, sql string, args ...any) error {
	_, err := s.cb.Execute(func() (any, error) {
		_, err := s.db.Exec(ctx, sql, args...)
		return nil, err
	})
	if err != nil {
		metrics.StoreWritesTotal.WithLabelValues("durable", "error").Inc()
		return fault.StoreWrite(op, err)
	}
	metrics.StoreWritesTotal.WithLabelValues("durable", "ok").Inc()
	return nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) UpsertLocation(ctx context.Context, row LocationRow) error {
	return s.exec(ctx, "durable.upsert_location", `
		INSERT INTO user_locations (user_id, location, accuracy_m, is_sharing, recorded_at, updated_at)
		VALUES ($1, ST_SetSRID(ST_MakePoint($2,$3), 4326)::geography, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			location = EXCLUDED.location,
			accuracy_m = EXCLUDED.accuracy_m,
			is_sharing = EXCLUDED.is_sharing,
			recorded_at = EXCLUDED.recorded_at,
			updated_at = NOW()
	`, row.UserID, row.Lng, row.Lat, row.AccuracyM, row.IsSharing, row.RecordedAt)
}

// ClearSharing marks the user's durable location as no longer shared.
func (s *Store) ClearSharing(ctx context.Context, userID string) error {
	return s.exec(ctx, "durable.clear_sharing", `
		UPDATE user_locations SET is_sharing = FALSE, updated_at = NOW()
		WHERE user_id = $1
	`, userID)
}

func (s *Store) UpsertSession(ctx context.Context, row SessionRow) error {
	var stoppedAt any
	if !row.StoppedAt.IsZero() {
		stoppedAt = row.StoppedAt
	}
	return s.exec(ctx, "durable.upsert_session", `
		INSERT INTO tracking_sessions (user_id, state, started_at, stopped_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			state = EXCLUDED.state,
			started_at = EXCLUDED.started_at,
			stopped_at = EXCLUDED.stopped_at,
			updated_at = NOW()
	`, row.UserID, row.State, row.StartedAt, stoppedAt)
}

func (s *Store) AppendTransition(ctx context.Context, row TransitionRow) error {
	if row.Lat == nil || row.Lng == nil {
		return s.exec(ctx, "durable.append_transition", `
			INSERT INTO geofence_transitions (id, user_id, geofence_id, name, entered, occurred_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, row.ID, row.UserID, row.GeofenceID, row.Name, row.Entered, row.OccurredAt)
	}
	return s.exec(ctx, "durable.append_transition", `
		INSERT INTO geofence_transitions (id, user_id, geofence_id, name, entered, location, occurred_at)
		VALUES ($1,$2,$3,$4,$5, ST_SetSRID(ST_MakePoint($6,$7), 4326)::geography, $8)
	`, row.ID, row.UserID, row.GeofenceID, row.Name, row.Entered, *row.Lng, *row.Lat, row.OccurredAt)
}

func (s *Store) AppendProximity(ctx context.Context, row ProximityRow) error {
	return s.exec(ctx, "durable.append_proximity", `
		INSERT INTO proximity_events (id, user_id, peer_id, entered, distance_m, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, row.ID, row.UserID, row.PeerID, row.Entered, row.DistanceM, row.OccurredAt)
}

// LastLocation reads the durable location of userID.
func (s *Store) LastLocation(ctx context.Context, userID string) (LocationRow, error) {
	row := LocationRow{UserID: userID}
	err := s.db.QueryRow(ctx, `
		SELECT ST_Y(location::geometry), ST_X(location::geometry), accuracy_m, is_sharing, recorded_at, updated_at
		FROM user_locations WHERE user_id=$1
	`, userID).Scan(&row.Lat, &row.Lng, &row.AccuracyM, &row.IsSharing, &row.RecordedAt, &row.UpdatedAt)
	if err != nil {
		return LocationRow{}, err
	}
	return row, nil
}

// Transitions returns the most recent geofence transitions of userID.
func (s *Store) Transitions(ctx context.Context, userID string, limit int) ([]TransitionRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, geofence_id, name, entered, occurred_at
		FROM geofence_transitions WHERE user_id=$1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRow
	for rows.Next() {
		var r TransitionRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.GeofenceID, &r.Name, &r.Entered, &r.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
