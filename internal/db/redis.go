package db

import (
	"backend-trackmates/internal/config"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis returns the low-latency store client, or nil when no address
// is configured.
func ConnectRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}

	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}
