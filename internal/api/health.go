package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/taskwire/taskwire-server/internal/httputil"
)

// Pinger checks liveness of a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	db     Pinger
	valkey Pinger
}

// NewHealthHandler creates a health handler over the backing stores.
func NewHealthHandler(db, valkey Pinger) *HealthHandler {
	return &HealthHandler{db: db, valkey: valkey}
}

// Health handles GET /api/v1/health. It pings PostgreSQL and Valkey and
// reports per-component status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	vkStatus := "ok"
	if err := h.valkey.Ping(ctx); err != nil {
		vkStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || vkStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"valkey":   vkStatus,
	})
}
