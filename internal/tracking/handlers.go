package tracking

import (
	"errors"
	"time"

	"backend-trackmates/internal/auth"
	"backend-trackmates/internal/fault"
	"backend-trackmates/internal/geofence"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/session"

	"github.com/gofiber/fiber/v2"
)

// startRequest fields left out keep the configured defaults.
type startRequest struct {
	UpdateIntervalSeconds *float64              `json:"update_interval_seconds"`
	DistanceFilterM       *float64              `json:"distance_filter_m"`
	AccuracyTier          location.AccuracyTier `json:"accuracy_tier"`
}

func (r startRequest) config(defaults session.Config) session.Config {
	cfg := defaults
	if r.UpdateIntervalSeconds != nil {
		cfg.UpdateInterval = time.Duration(*r.UpdateIntervalSeconds * float64(time.Second))
	}
	if r.DistanceFilterM != nil {
		cfg.DistanceFilterM = *r.DistanceFilterM
	}
	if r.AccuracyTier != "" {
		cfg.AccuracyTier = r.AccuracyTier
	}
	return cfg
}

type peersRequest struct {
	PeerIDs []string `json:"peer_ids"`
}

type authorizationRequest struct {
	Authorization string `json:"authorization"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// requireOwner rejects callers other than the user of the running session.
// With no session running every authenticated caller passes.
func requireOwner(e *Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if owner := e.Owner(); owner != "" && owner != auth.UserID(c) {
			return fiber.NewError(fiber.StatusForbidden, "session belongs to another user")
		}
		return c.Next()
	}
}

// RegisterRoutes mounts the session and peer routes. A second user starting
// while a session runs gets 409.
func RegisterRoutes(r fiber.Router, e *Engine, authMiddleware fiber.Handler) {
	owner := requireOwner(e)

	r.Post("/start", authMiddleware, func(c *fiber.Ctx) error {
		var req startRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		started, err := e.StartTracking(c.UserContext(), auth.UserID(c), req.config(e.settings.Session))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(fiber.Map{"started": started, "state": e.State()})
	})

	r.Post("/stop", authMiddleware, owner, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"stopped": e.StopTracking(c.UserContext())})
	})

	r.Get("/status", authMiddleware, owner, func(c *fiber.Ctx) error {
		return c.JSON(e.Status())
	})

	r.Get("/location", authMiddleware, owner, func(c *fiber.Ctx) error {
		fix, ok := e.CurrentLocation()
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no location yet")
		}
		return c.JSON(fix)
	})

	r.Get("/peers", authMiddleware, owner, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"peers":     e.Peers(),
			"presence":  e.PeerPresence(),
			"locations": e.PeerLocations(),
		})
	})

	r.Put("/peers", authMiddleware, owner, func(c *fiber.Ctx) error {
		var req peersRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := e.SetPeers(req.PeerIDs); err != nil {
			return httpError(err)
		}
		return c.JSON(fiber.Map{"peers": e.Peers()})
	})
}

func RegisterGeofenceRoutes(r fiber.Router, e *Engine, authMiddleware fiber.Handler) {
	owner := requireOwner(e)
	r.Post("/", authMiddleware, owner, func(c *fiber.Ctx) error {
		var region location.Region
		if err := c.BodyParser(&region); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := e.AddGeofence(region); err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(region)
	})

	r.Get("/", authMiddleware, owner, func(c *fiber.Ctx) error {
		return c.JSON(e.Geofences())
	})

	r.Get("/transitions", authMiddleware, owner, func(c *fiber.Ctx) error {
		return c.JSON(e.Transitions())
	})

	r.Get("/current", authMiddleware, owner, func(c *fiber.Ctx) error {
		place, ok := e.CurrentPlace()
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "not inside any geofence")
		}
		return c.JSON(place)
	})

	r.Delete("/:id", authMiddleware, owner, func(c *fiber.Ctx) error {
		if err := e.RemoveGeofence(c.Params("id")); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Delete("/", authMiddleware, owner, func(c *fiber.Ctx) error {
		e.ClearGeofences()
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// RegisterDeviceRoutes mounts the routes the platform layer pushes into.
func RegisterDeviceRoutes(r fiber.Router, e *Engine, authMiddleware fiber.Handler) {
	owner := requireOwner(e)
	r.Post("/fixes", authMiddleware, owner, func(c *fiber.Ctx) error {
		var fix location.Fix
		if err := c.BodyParser(&fix); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if fix.Timestamp.IsZero() {
			return fiber.NewError(fiber.StatusBadRequest, "timestamp required")
		}
		err := e.PushFix(fix)
		if errors.Is(err, location.ErrNotRunning) {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"streaming": false})
		}
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"streaming": true})
	})

	r.Put("/authorization", authMiddleware, owner, func(c *fiber.Ctx) error {
		var req authorizationRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		a, ok := location.ParseAuthorization(req.Authorization)
		if !ok {
			return fiber.NewError(fiber.StatusBadRequest, "unknown authorization "+req.Authorization)
		}
		if err := e.SetAuthorization(a); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Put("/service", authMiddleware, owner, func(c *fiber.Ctx) error {
		enabled, err := parseToggle(c)
		if err != nil {
			return err
		}
		if err := e.SetServiceEnabled(enabled); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Put("/foreground", authMiddleware, owner, func(c *fiber.Ctx) error {
		fg, err := parseToggle(c)
		if err != nil {
			return err
		}
		e.SetForeground(fg)
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func parseToggle(c *fiber.Ctx) (bool, error) {
	var req toggleRequest
	if err := c.BodyParser(&req); err != nil {
		return false, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if req.Enabled == nil {
		return false, fiber.NewError(fiber.StatusBadRequest, "enabled required")
	}
	return *req.Enabled, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, geofence.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, errNoBridge):
		return fiber.NewError(fiber.StatusNotImplemented, err.Error())
	case errors.Is(err, session.ErrAlreadyStarted):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, ErrClosed):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case fault.Is(err, fault.KindConfig):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case fault.Is(err, fault.KindPermission):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
