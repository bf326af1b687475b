package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/taskwire/taskwire-server/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the real-time
// gateway.
type GatewayHandler struct {
	hub *gateway.Hub
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(hub *gateway.Hub) *GatewayHandler {
	return &GatewayHandler{hub: hub}
}

// Upgrade handles GET on the gateway path. It upgrades the HTTP connection to
// a WebSocket and hands it to the Hub. The remote address and user agent are
// captured before the upgrade because the fiber context is not valid inside
// the connection handler.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	remoteAddr := c.RequestCtx().RemoteAddr().String()
	userAgent := c.Get(fiber.HeaderUserAgent)

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, remoteAddr, userAgent)
	})(c)
}
