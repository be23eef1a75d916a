package server

import (
	"backend-trackmates/internal/auth"
	"backend-trackmates/internal/config"
	"backend-trackmates/internal/durable"
	"backend-trackmates/internal/stream"
	"backend-trackmates/internal/tracking"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	App     *fiber.App
	Cfg     config.Config
	Engine  *tracking.Engine
	Stream  *stream.Hub
	History *durable.Store
}

// NewServer builds the HTTP surface. hub and history may be nil; a nil history
// leaves the /history routes unmounted.
func NewServer(cfg config.Config, engine *tracking.Engine, hub *stream.Hub, history *durable.Store) *Server {
	app := fiber.New(fiber.Config{
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(logger.New())

	if hub == nil {
		hub = stream.NewHub(nil)
	}
	s := &Server{
		App:     app,
		Cfg:     cfg,
		Engine:  engine,
		Stream:  hub,
		History: history,
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"tracking": s.Engine.State(),
			"healthy":  s.Engine.IsHealthy(),
		})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Engine, jwtMiddleware)
	tracking.RegisterGeofenceRoutes(s.App.Group("/geofences"), s.Engine, jwtMiddleware)
	tracking.RegisterDeviceRoutes(s.App.Group("/device", rateLimit(s.Cfg.DeviceRateLimit, s.Cfg.DeviceRateBurst)), s.Engine, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, jwtMiddleware, auth.RequireSelf("userID"))
	if s.History != nil {
		durable.RegisterRoutes(s.App.Group("/history"), s.History, jwtMiddleware, auth.RequireSelf("userID"))
	}
}
