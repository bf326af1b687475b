package gateway

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/taskwire/taskwire-server/internal/config"
	"github.com/taskwire/taskwire-server/internal/presence"
	"github.com/taskwire/taskwire-server/internal/ratelimit"
	"github.com/taskwire/taskwire-server/internal/wire"
)

// Hub owns the connection registry, the subscription router, and the message
// dispatcher, and drives each connection's lifecycle from accept to teardown.
type Hub struct {
	cfg        *config.Config
	registry   *Registry
	router     *Router
	limiter    *ratelimit.Limiter
	dispatcher *Dispatcher
	presence   *presence.Store
	log        zerolog.Logger

	draining atomic.Bool
}

// NewHub wires the gateway components together. The dispatcher is attached
// separately because it needs the handlers, which need the router.
func NewHub(
	cfg *config.Config,
	registry *Registry,
	router *Router,
	limiter *ratelimit.Limiter,
	presenceStore *presence.Store,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:      cfg,
		registry: registry,
		router:   router,
		limiter:  limiter,
		presence: presenceStore,
		log:      logger.With().Str("component", "hub").Logger(),
	}
}

// SetDispatcher attaches the message dispatcher. Must be called before the
// first connection is served.
func (h *Hub) SetDispatcher(d *Dispatcher) { h.dispatcher = d }

// Router returns the hub's subscription router.
func (h *Hub) Router() *Router { return h.router }

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Draining reports whether the hub has stopped accepting connections.
func (h *Hub) Draining() bool { return h.draining.Load() }

// ServeWebSocket runs one accepted WebSocket connection to completion. It
// admits the connection through the rate limiter, sends the welcome frame,
// arms the authentication deadline, and blocks on the read loop until the
// connection closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, remoteAddr, userAgent string) {
	if h.draining.Load() {
		refuse(conn, wire.CloseServerShutdown, "server is shutting down")
		return
	}

	// Admission is keyed by source IP, not host:port.
	ip := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ip = host
	}
	if !h.limiter.AdmitConnection(ip) {
		h.log.Warn().Str("remote_addr", remoteAddr).Msg("Connection refused by rate limiter")
		refuse(conn, wire.CloseRateLimit, "connection rate limit exceeded")
		return
	}

	client := newClient(h, conn, remoteAddr, userAgent)
	h.registry.Add(client)

	client.log.Info().
		Str("remote_addr", remoteAddr).
		Str("user_agent", userAgent).
		Msg("Connection accepted")

	go client.writePump()
	go client.heartbeatLoop()

	welcome, err := wire.NewWelcomeFrame(client.ID(), h.cfg.ServerVersion, h.cfg.AuthRequired)
	if err != nil {
		client.log.Error().Err(err).Msg("Failed to build welcome frame")
		client.closeWith(wire.CloseInternalError, "internal error")
		return
	}
	client.enqueue(welcome)

	if h.cfg.AuthRequired {
		timer := h.armAuthDeadline(client)
		defer timer.Stop()
	}

	client.readPump()
}

// armAuthDeadline closes the connection with AUTH_TIMEOUT when it has not
// authenticated within the configured window. A connection that authenticated
// or closed in the meantime is left alone.
func (h *Hub) armAuthDeadline(client *Client) *time.Timer {
	return time.AfterFunc(h.cfg.AuthTimeout, func() {
		if client.IsOpen() && !client.IsAuthenticated() {
			client.closeWith(wire.CloseAuthTimeout, "authentication timeout")
		}
	})
}

// refuse closes a connection that was never admitted, before any welcome
// frame is sent.
func refuse(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// refreshPresence re-arms the presence TTL for an authenticated connection on
// each heartbeat tick so an active user never expires to offline.
func (h *Hub) refreshPresence(c *Client) {
	if h.presence == nil || !c.IsAuthenticated() {
		return
	}
	identity := c.Identity()
	if identity == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.Refresh(ctx, identity.ID); err != nil {
		h.log.Debug().Err(err).Str("user_id", identity.ID).Msg("Presence refresh failed")
	}
}

// scheduleOffline marks a user offline after a grace delay, unless another
// authenticated connection for the same user appears in the meantime. The
// delay absorbs page reloads and brief network drops without flapping the
// user's presence.
func (h *Hub) scheduleOffline(userID string) {
	delay := h.cfg.OfflineDelay
	if delay <= 0 {
		delay = time.Second
	}

	time.AfterFunc(delay, func() {
		if h.userConnected(userID) {
			return
		}

		if h.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.presence.Delete(ctx, userID); err != nil {
				h.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to clear presence")
			}
		}

		h.router.Publish(wire.ChannelUserPresence, Event{
			Type:    wire.EventUserPresence,
			Payload: map[string]any{"userId": userID, "status": presence.StatusOffline},
		})
	})
}

// userConnected reports whether any open authenticated connection belongs to
// the user.
func (h *Hub) userConnected(userID string) bool {
	found := false
	h.registry.Iter(func(c *Client) bool {
		if !c.IsAuthenticated() {
			return true
		}
		if identity := c.Identity(); identity != nil && identity.ID == userID {
			found = true
			return false
		}
		return true
	})
	return found
}

// Drain stops accepting new connections while existing ones continue to be
// served.
func (h *Hub) Drain() {
	if h.draining.CompareAndSwap(false, true) {
		h.log.Info().Msg("Draining: no longer accepting connections")
	}
}

// Shutdown drains the hub and closes every connection with SERVER_SHUTDOWN,
// then waits for teardown to finish or the context to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.Drain()

	h.registry.Iter(func(c *Client) bool {
		c.closeWith(wire.CloseServerShutdown, "server is shutting down")
		return true
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for h.registry.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	h.log.Info().Msg("All connections closed")
	return nil
}

// HubStats is a point-in-time snapshot for the stats endpoint.
type HubStats struct {
	Connections   int         `json:"connections"`
	Authenticated int         `json:"authenticated"`
	Draining      bool        `json:"draining"`
	Router        RouterStats `json:"router"`
}

// Stats returns connection and subscription counts.
func (h *Hub) Stats() HubStats {
	authed := 0
	h.registry.Iter(func(c *Client) bool {
		if c.IsAuthenticated() {
			authed++
		}
		return true
	})
	return HubStats{
		Connections:   h.registry.Count(),
		Authenticated: authed,
		Draining:      h.draining.Load(),
		Router:        h.router.Stats(),
	}
}
