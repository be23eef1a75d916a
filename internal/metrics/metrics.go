// Package metrics registers the engine's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FixesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackmates_fixes_total",
			Help: "Location fixes seen by the filter, by verdict",
		},
		[]string{"verdict"}, // "rejected", "throttled", "forward"
	)

	StoreWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackmates_store_writes_total",
			Help: "Writes to the live and durable stores, by result",
		},
		[]string{"store", "result"},
	)

	DurableRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackmates_durable_retries_total",
			Help: "Scheduled durable write retries",
		},
	)

	WatchdogFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackmates_watchdog_failures_total",
			Help: "Failed health checks, by check",
		},
		[]string{"check"},
	)

	AdapterRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackmates_adapter_restarts_total",
			Help: "Location source restarts triggered by the watchdog",
		},
	)

	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trackmates_session_state",
			Help: "1 for the current session state, 0 otherwise",
		},
		[]string{"state"},
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackmates_heartbeats_total",
			Help: "Presence heartbeat writes, by result",
		},
		[]string{"result"},
	)

	PresenceCorrections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackmates_presence_corrections_total",
			Help: "Offline corrections written for stale peers",
		},
	)

	GeofenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackmates_geofence_transitions_total",
			Help: "Geofence transitions, by direction",
		},
		[]string{"direction"},
	)

	ProximityAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackmates_proximity_alerts_total",
			Help: "Proximity alerts raised",
		},
	)

	BackgroundWindows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackmates_background_windows_total",
			Help: "Background execution windows, by outcome",
		},
		[]string{"outcome"}, // "completed", "failed", "expired", "denied"
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trackmates_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// SetSessionState marks state as the only active session state.
func SetSessionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
