package tracking

import (
	"time"

	"backend-trackmates/internal/background"
	"backend-trackmates/internal/dualwrite"
	"backend-trackmates/internal/filter"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/presence"
	"backend-trackmates/internal/proximity"
	"backend-trackmates/internal/session"
	"backend-trackmates/internal/watchdog"
)

// Settings are the engine-wide tunables. Session holds the defaults applied
// to a StartTracking call that leaves fields unset.
type Settings struct {
	Session session.Config

	MaxFixAge    time.Duration
	MaxAccuracyM float64

	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	FixTimeout          time.Duration
	FailureThreshold    int
	Restart             session.RestartPolicy

	StaleThreshold      time.Duration
	SweepInterval       time.Duration
	ProximityThresholdM float64

	DurableRetryBase  time.Duration
	DurableMaxRetries int

	BackgroundWindow        time.Duration
	BackgroundRenewInterval time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Session: session.Config{
			UpdateInterval:  filter.DefaultUpdateInterval,
			DistanceFilterM: filter.DefaultDistanceFilterM,
			AccuracyTier:    location.AccuracyHigh,
		},
		MaxFixAge:           filter.DefaultMaxAge,
		MaxAccuracyM:        filter.DefaultMaxAccuracyM,
		HeartbeatInterval:   presence.DefaultHeartbeatInterval,
		HealthCheckInterval: watchdog.DefaultInterval,
		FixTimeout:          watchdog.DefaultFixTimeout,
		FailureThreshold:    watchdog.DefaultFailureThreshold,
		Restart: session.RestartPolicy{
			Base:        2 * time.Second,
			Cap:         30 * time.Second,
			MaxAttempts: 5,
		},
		StaleThreshold:          presence.DefaultStaleThreshold,
		SweepInterval:           presence.DefaultSweepInterval,
		ProximityThresholdM:     proximity.DefaultThresholdM,
		DurableRetryBase:        dualwrite.DefaultRetryBase,
		DurableMaxRetries:       dualwrite.DefaultMaxRetries,
		BackgroundWindow:        background.DefaultMaxWindow,
		BackgroundRenewInterval: 60 * time.Second,
	}
}

// withDefaults fills unset duration and tier fields. A zero distance filter is
// a valid choice and is kept, unless the whole config is empty.
func (s Settings) withDefaults(cfg session.Config) session.Config {
	if cfg == (session.Config{}) {
		cfg = s.Session
	}
	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = s.Session.UpdateInterval
	}
	if cfg.AccuracyTier == "" {
		cfg.AccuracyTier = s.Session.AccuracyTier
	}
	return cfg
}

func (s Settings) filterSettings(cfg session.Config) filter.Settings {
	return filter.Settings{
		MaxAge:          s.MaxFixAge,
		MaxAccuracyM:    s.MaxAccuracyM,
		DistanceFilterM: cfg.DistanceFilterM,
		UpdateInterval:  cfg.UpdateInterval,
	}
}
