package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/taskwire/taskwire-server/internal/gateway"
	"github.com/taskwire/taskwire-server/internal/httputil"
)

// StatsHandler serves a point-in-time snapshot of gateway state.
type StatsHandler struct {
	hub *gateway.Hub
}

// NewStatsHandler creates a stats handler over the hub.
func NewStatsHandler(hub *gateway.Hub) *StatsHandler {
	return &StatsHandler{hub: hub}
}

// Stats handles GET /api/v1/stats.
func (h *StatsHandler) Stats(c fiber.Ctx) error {
	return httputil.Success(c, h.hub.Stats())
}
