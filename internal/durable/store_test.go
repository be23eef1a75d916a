package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	"backend-trackmates/internal/fault"

	"github.com/pashagolub/pgxmock/v3"
)

var errDB = errors.New("db down")

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestUpsertLocation(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)
	recorded := time.Now()

	mock.ExpectExec(`INSERT INTO user_locations`).
		WithArgs("user-1", 106.8, -6.2, 8.0, true, recorded).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.UpsertLocation(context.Background(), LocationRow{UserID: "user-1", Lat: -6.2, Lng: 106.8, AccuracyM: 8, IsSharing: true, RecordedAt: recorded})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertLocationErrorIsStoreWrite(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)

	mock.ExpectExec(`INSERT INTO user_locations`).
		WithArgs("user-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errDB)

	err := store.UpsertLocation(context.Background(), LocationRow{UserID: "user-1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if fault.KindOf(err) != fault.KindStoreWrite {
		t.Fatalf("expected store write error, got %v", err)
	}
	if !errors.Is(err, errDB) {
		t.Fatalf("expected cause preserved")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)

	for i := 0; i < 5; i++ {
		mock.ExpectExec(`UPDATE user_locations`).WithArgs("user-1").WillReturnError(errDB)
	}
	for i := 0; i < 5; i++ {
		_ = store.ClearSharing(context.Background(), "user-1")
	}

	// breaker is open: no query reaches the database
	err := store.ClearSharing(context.Background(), "user-1")
	if fault.KindOf(err) != fault.KindStoreWrite {
		t.Fatalf("expected store write error while open, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertSession(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)
	started := time.Now().Add(-time.Hour)
	stopped := time.Now()

	mock.ExpectExec(`INSERT INTO tracking_sessions`).
		WithArgs("user-1", "active", started, nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO tracking_sessions`).
		WithArgs("user-1", "stopped", started, stopped).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.UpsertSession(context.Background(), SessionRow{UserID: "user-1", State: "active", StartedAt: started}); err != nil {
		t.Fatalf("upsert active: %v", err)
	}
	if err := store.UpsertSession(context.Background(), SessionRow{UserID: "user-1", State: "stopped", StartedAt: started, StoppedAt: stopped}); err != nil {
		t.Fatalf("upsert stopped: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendTransition(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)
	at := time.Now()
	lat, lng := 0.0005, 0.0

	mock.ExpectExec(`INSERT INTO geofence_transitions \(id, user_id, geofence_id, name, entered, location, occurred_at\)`).
		WithArgs("t-1", "user-1", "home", "Home", true, lng, lat, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO geofence_transitions \(id, user_id, geofence_id, name, entered, occurred_at\)`).
		WithArgs("t-2", "user-1", "home", "Home", false, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.AppendTransition(context.Background(), TransitionRow{ID: "t-1", UserID: "user-1", GeofenceID: "home", Name: "Home", Entered: true, Lat: &lat, Lng: &lng, OccurredAt: at}); err != nil {
		t.Fatalf("append with location: %v", err)
	}
	if err := store.AppendTransition(context.Background(), TransitionRow{ID: "t-2", UserID: "user-1", GeofenceID: "home", Name: "Home", Entered: false, OccurredAt: at}); err != nil {
		t.Fatalf("append without location: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendProximity(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)
	at := time.Now()

	mock.ExpectExec(`INSERT INTO proximity_events`).
		WithArgs("p-1", "user-1", "peer-1", true, 400.0, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.AppendProximity(context.Background(), ProximityRow{ID: "p-1", UserID: "user-1", PeerID: "peer-1", Entered: true, DistanceM: 400, OccurredAt: at}); err != nil {
		t.Fatalf("append proximity: %v", err)
	}
}

func TestLastLocation(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)
	now := time.Now()

	mock.ExpectQuery(`SELECT ST_Y\(location::geometry\), ST_X\(location::geometry\), accuracy_m`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"lat", "lng", "accuracy_m", "is_sharing", "recorded_at", "updated_at"}).
			AddRow(-6.2, 106.8, 8.0, true, now, now))

	row, err := store.LastLocation(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("last location: %v", err)
	}
	if row.Lat != -6.2 || row.Lng != 106.8 || !row.IsSharing {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestTransitionsQuery(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)
	now := time.Now()

	mock.ExpectQuery(`SELECT id, user_id, geofence_id, name, entered, occurred_at`).
		WithArgs("user-1", 10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "geofence_id", "name", "entered", "occurred_at"}).
			AddRow("t-1", "user-1", "home", "Home", true, now).
			AddRow("t-2", "user-1", "home", "Home", false, now))

	rows, err := store.Transitions(context.Background(), "user-1", 10)
	if err != nil || len(rows) != 2 {
		t.Fatalf("transitions: %v (%d rows)", err, len(rows))
	}

	mock.ExpectQuery(`SELECT id, user_id, geofence_id`).WithArgs("user-2", 10).WillReturnError(errDB)
	if _, err := store.Transitions(context.Background(), "user-2", 10); err == nil {
		t.Fatalf("expected query error")
	}
}

func TestEnsureSchema(t *testing.T) {
	mock := newMock(t)
	store := NewStore(mock)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS user_locations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
}
