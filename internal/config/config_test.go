package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ServerPort == "" {
		t.Fatalf("expected default server port")
	}
	if cfg.PostgresURL == "" {
		t.Fatalf("expected default postgres url")
	}
	if cfg.UpdateInterval != 15*time.Second {
		t.Fatalf("expected 15s update interval, got %v", cfg.UpdateInterval)
	}
	if cfg.StaleThreshold != 120*time.Second {
		t.Fatalf("expected 120s stale threshold, got %v", cfg.StaleThreshold)
	}
	if cfg.FailureThreshold != 3 {
		t.Fatalf("expected failure threshold 3, got %d", cfg.FailureThreshold)
	}
	if cfg.DeviceRateLimit != 20 || cfg.DeviceRateBurst != 40 {
		t.Fatalf("expected device rate 20/40, got %v/%d", cfg.DeviceRateLimit, cfg.DeviceRateBurst)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9000")
	t.Setenv("POSTGRES_URL", "postgres://example")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("UPDATE_INTERVAL", "20s")
	t.Setenv("DISTANCE_FILTER_M", "25")
	t.Setenv("PROXIMITY_THRESHOLD_M", "750")

	cfg := Load()
	if cfg.ServerPort != ":9000" {
		t.Fatalf("expected override port")
	}
	if cfg.PostgresURL != "postgres://example" {
		t.Fatalf("expected override postgres")
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("expected override redis")
	}
	if cfg.JWTSecret != "secret" {
		t.Fatalf("expected override secret")
	}
	if cfg.UpdateInterval != 20*time.Second {
		t.Fatalf("expected override interval, got %v", cfg.UpdateInterval)
	}
	if cfg.DistanceFilterM != 25 {
		t.Fatalf("expected override distance filter, got %v", cfg.DistanceFilterM)
	}
	if cfg.ProximityThresholdM != 750 {
		t.Fatalf("expected override proximity threshold, got %v", cfg.ProximityThresholdM)
	}
}
