package main

import (
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/taskwire/taskwire-server/internal/httputil"
)

func TestFiberStatusToAPICode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   httputil.Code
	}{
		{"not found", fiber.StatusNotFound, httputil.NotFound},
		{"method not allowed", fiber.StatusMethodNotAllowed, httputil.ValidationError},
		{"too many requests", fiber.StatusTooManyRequests, httputil.RateLimited},
		{"request entity too large", fiber.StatusRequestEntityTooLarge, httputil.PayloadTooLarge},
		{"service unavailable", fiber.StatusServiceUnavailable, httputil.ServiceUnavailable},
		{"generic 4xx falls back to validation error", fiber.StatusConflict, httputil.ValidationError},
		{"5xx falls back to internal error", fiber.StatusInternalServerError, httputil.InternalError},
		{"unknown status falls back to internal error", 600, httputil.InternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := fiberStatusToAPICode(tt.status)
			if got != tt.want {
				t.Errorf("fiberStatusToAPICode(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}
