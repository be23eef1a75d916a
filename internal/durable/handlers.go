package durable

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// RegisterRoutes mounts read access to the durable history of a user. mw runs
// before each route and is expected to authenticate the caller against
// :userID.
func RegisterRoutes(r fiber.Router, s *Store, mw ...fiber.Handler) {
	r.Get("/:userID/location", chain(mw, func(c *fiber.Ctx) error {
		row, err := s.LastLocation(c.UserContext(), c.Params("userID"))
		if errors.Is(err, pgx.ErrNoRows) {
			return fiber.NewError(fiber.StatusNotFound, "no durable location")
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(row)
	})...)

	r.Get("/:userID/transitions", chain(mw, func(c *fiber.Ctx) error {
		limit := defaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > maxHistoryLimit {
				return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			}
			limit = n
		}
		rows, err := s.Transitions(c.UserContext(), c.Params("userID"), limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if rows == nil {
			rows = []TransitionRow{}
		}
		return c.JSON(rows)
	})...)
}

func chain(mw []fiber.Handler, h fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(mw)+1)
	return append(append(out, mw...), h)
}
