package gateway

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskwire/taskwire-server/internal/auth"
	"github.com/taskwire/taskwire-server/internal/permission"
	"github.com/taskwire/taskwire-server/internal/wire"
)

// writeWait is the time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// State is the connection lifecycle state.
type State int

const (
	// StateOpenUnauth is an accepted connection that has not authenticated.
	StateOpenUnauth State = iota
	// StateOpenAuth is an authenticated, serving connection.
	StateOpenAuth
	// StateClosed is a torn-down connection. Terminal.
	StateClosed
)

// Client represents a single WebSocket connection. Each client runs two
// goroutines (readPump and writePump) plus a heartbeat loop, and communicates
// with the hub via its send channel and callback methods.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger

	id          string
	remoteAddr  string
	userAgent   string
	connectedAt time.Time

	send       chan []byte
	sendMu     sync.RWMutex
	sendClosed bool

	// Session state, protected by mu.
	mu            sync.RWMutex
	state         State
	identity      *auth.Identity
	perms         permission.Set
	lastHeartbeat time.Time

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, remoteAddr, userAgent string) *Client {
	id := "conn-" + uuid.NewString()
	return &Client{
		hub:           hub,
		conn:          conn,
		log:           hub.log.With().Str("conn_id", id).Logger(),
		id:            id,
		remoteAddr:    remoteAddr,
		userAgent:     userAgent,
		connectedAt:   time.Now(),
		send:          make(chan []byte, hub.cfg.OutboundQueueMax),
		state:         StateOpenUnauth,
		lastHeartbeat: time.Now(),
	}
}

// ID returns the connection id. Immutable after construction.
func (c *Client) ID() string { return c.id }

// RemoteAddr returns the source address the connection was accepted from.
func (c *Client) RemoteAddr() string { return c.remoteAddr }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsOpen reports whether the connection is in either OPEN state.
func (c *Client) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateOpenUnauth || c.state == StateOpenAuth
}

// IsAuthenticated reports whether the connection has completed
// authentication.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateOpenAuth
}

// Identity returns the authenticated user, or nil before authentication.
func (c *Client) Identity() *auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Permissions returns the connection's permission set. Empty before
// authentication.
func (c *Client) Permissions() permission.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.perms
}

// setAuthenticated records the user and permission set and moves the
// connection to OPEN_AUTH. Re-authentication replaces the identity and
// permissions rather than accumulating them.
func (c *Client) setAuthenticated(identity auth.Identity, perms permission.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.identity = &identity
	c.perms = perms
	c.state = StateOpenAuth
}

// touchHeartbeat records inbound activity for the idle check.
func (c *Client) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Client) lastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// enqueue places a serialised frame on the outbound queue. It reports whether
// the frame was accepted. A full queue marks the connection a slow consumer
// and closes it from a separate goroutine, since the caller may hold router
// locks that the teardown path needs.
func (c *Client) enqueue(msg []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.sendClosed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn().Msg("Outbound queue full, closing slow consumer")
		go c.closeWith(wire.CloseSlowConsumer, "outbound queue full")
		return false
	}
}

// closeSend closes the outbound queue so writePump drains and exits. Safe to
// call concurrently with enqueue.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// sendFrame serialises and enqueues an outbound frame.
func (c *Client) sendFrame(frameType, id string, payload any) {
	raw, err := wire.NewFrame(frameType, id, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", frameType).Msg("Failed to build frame")
		return
	}
	c.enqueue(raw)
}

// sendError enqueues an error reply echoing the originating request id.
func (c *Client) sendError(id, code, message string) {
	raw, err := wire.NewErrorFrame(id, code, message)
	if err != nil {
		c.log.Error().Err(err).Str("code", code).Msg("Failed to build error frame")
		return
	}
	c.enqueue(raw)
}

// readPump reads frames from the WebSocket connection and hands them to the
// dispatcher in arrival order. It runs in its own goroutine and triggers
// teardown when the read loop exits.
func (c *Client) readPump() {
	defer c.closeWith(wire.CloseNormal, "connection closed")

	c.conn.SetReadLimit(int64(c.hub.cfg.MaxPayloadSize))

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			c.sendError("", wire.CodeBinaryNotSupported, "binary frames are not supported")
			continue
		}

		c.hub.dispatcher.HandleMessage(c, message)
	}
}

// writePump drains the outbound queue to the WebSocket connection. It runs in
// its own goroutine and exits when the queue is closed or a write fails.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// heartbeatLoop sends a keepalive every heartbeat interval and closes the
// connection when no inbound activity has been seen for two intervals. It
// exits when the connection leaves the OPEN states.
func (c *Client) heartbeatLoop() {
	interval := c.hub.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if !c.IsOpen() {
			return
		}
		if time.Since(c.lastSeen()) > 2*interval {
			c.closeWith(wire.CloseHeartbeatTimeout, "heartbeat timeout")
			return
		}
		c.sendFrame(wire.TypePing, "", nil)
		c.hub.refreshPresence(c)
	}
}

// closeWith tears the connection down exactly once: it removes the connection
// from the router, rate limiter, and registry, sends the close frame, and
// logs a single record with the close code and connection duration.
// Subsequent calls are no-ops.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasAuth := c.state == StateOpenAuth
		c.state = StateClosed
		identity := c.identity
		c.mu.Unlock()

		c.hub.router.UnsubscribeAll(c.id)
		c.hub.limiter.Release(c.id)
		c.hub.registry.Remove(c.id)

		if c.conn != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		c.closeSend()
		if c.conn != nil {
			_ = c.conn.Close()
		}

		if wasAuth && identity != nil {
			c.hub.scheduleOffline(identity.ID)
		}

		c.log.Info().
			Str("close_code", wire.CloseReason(code)).
			Dur("duration", time.Since(c.connectedAt)).
			Msg("Connection closed")
	})
}
