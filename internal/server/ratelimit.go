package server

import (
	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// rateLimit shares one token bucket across every request it guards. A
// non-positive limit disables it.
func rateLimit(limit float64, burst int) fiber.Handler {
	if limit <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(c *fiber.Ctx) error {
		if !limiter.Allow() {
			return fiber.NewError(fiber.StatusTooManyRequests, "device update rate exceeded")
		}
		return c.Next()
	}
}
