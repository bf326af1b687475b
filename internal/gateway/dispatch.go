package gateway

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/taskwire/taskwire-server/internal/ratelimit"
	"github.com/taskwire/taskwire-server/internal/wire"
)

// command describes one dispatchable message type: whether it may be sent
// before authentication, which payload fields must be present, and the
// handler it routes to. Permission checks are composed per handler because
// most combine a scope permission with a resource-specific one.
type command struct {
	authExempt bool
	required   []string
	fn         func(*Handlers, *Client, *wire.Frame)
}

// Dispatcher parses inbound frames, enforces the pre-dispatch gates (message
// rate limit, authentication, heartbeat), and routes by message type.
type Dispatcher struct {
	limiter  *ratelimit.Limiter
	handlers *Handlers
	log      zerolog.Logger
	table    map[string]command
}

// NewDispatcher creates a message dispatcher over the given handlers.
func NewDispatcher(limiter *ratelimit.Limiter, handlers *Handlers, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		limiter:  limiter,
		handlers: handlers,
		log:      logger.With().Str("component", "dispatch").Logger(),
	}
	d.table = map[string]command{
		"auth": {authExempt: true, fn: (*Handlers).handleAuth},
		// An unauthenticated ping is accepted so clients can probe liveness
		// before identifying.
		"ping": {authExempt: true, fn: (*Handlers).handlePing},

		"subscribe":           {required: []string{"channel"}, fn: (*Handlers).handleSubscribe},
		"unsubscribe":         {required: []string{"channel"}, fn: (*Handlers).handleUnsubscribe},
		"filter_subscription": {required: []string{"channel", "filter"}, fn: (*Handlers).handleFilterSubscription},

		"get_task":    {required: []string{"taskId"}, fn: (*Handlers).handleGetTask},
		"update_task": {required: []string{"taskId", "updates"}, fn: (*Handlers).handleUpdateTask},
		"create_task": {required: []string{"title", "board_id"}, fn: (*Handlers).handleCreateTask},
		"delete_task": {required: []string{"taskId"}, fn: (*Handlers).handleDeleteTask},

		"get_board":    {required: []string{"boardId"}, fn: (*Handlers).handleGetBoard},
		"update_board": {required: []string{"boardId", "updates"}, fn: (*Handlers).handleUpdateBoard},

		"add_note":   {required: []string{"content", "task_id"}, fn: (*Handlers).handleAddNote},
		"assign_tag": {required: []string{"taskId", "tagId"}, fn: (*Handlers).handleAssignTag},

		"user_presence": {required: []string{"status"}, fn: (*Handlers).handleUserPresence},
		"typing_start":  {fn: (*Handlers).handleTypingStart},
		"typing_stop":   {fn: (*Handlers).handleTypingStop},

		"add_dependency":    {required: []string{"taskId", "dependsOnTaskId"}, fn: (*Handlers).handleAddDependency},
		"remove_dependency": {required: []string{"taskId", "dependsOnTaskId"}, fn: (*Handlers).handleRemoveDependency},

		"create_subtask": {required: []string{"parentTaskId", "title"}, fn: (*Handlers).handleCreateSubtask},
		"update_subtask": {required: []string{"subtaskId", "updates"}, fn: (*Handlers).handleUpdateSubtask},
		"delete_subtask": {required: []string{"subtaskId"}, fn: (*Handlers).handleDeleteSubtask},

		"bulk_operation": {required: []string{"operation", "taskIds"}, fn: (*Handlers).handleBulkOperation},
	}
	return d
}

// HandleMessage processes one inbound frame. Frames are handled synchronously
// so a connection's messages are processed in arrival order.
func (d *Dispatcher) HandleMessage(c *Client, raw []byte) {
	var frame wire.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.sendError("", wire.CodeInvalidMessage, "frame is not valid JSON")
		return
	}
	if frame.Type == "" || frame.ID == "" {
		c.sendError(frame.ID, wire.CodeInvalidMessage, "type and id are required")
		return
	}

	if !d.limiter.AdmitMessage(c.ID()) {
		c.sendError(frame.ID, wire.CodeRateLimit, "message rate limit exceeded")
		return
	}

	cmd, known := d.table[frame.Type]
	if !cmd.authExempt && !c.IsAuthenticated() {
		c.sendError(frame.ID, wire.CodeUnauthenticated, "authentication required")
		return
	}

	c.touchHeartbeat()

	if !known {
		c.sendError(frame.ID, wire.CodeUnknownMessageType, "unknown message type: "+frame.Type)
		return
	}

	if len(cmd.required) > 0 {
		if msg, ok := checkRequired(frame.Payload, cmd.required); !ok {
			c.sendError(frame.ID, wire.CodeInvalidRequest, msg)
			return
		}
	}

	// A panicking handler must not take the reader goroutine (and with it the
	// connection) down.
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("type", frame.Type).Str("conn_id", c.ID()).
				Msg("Handler panicked")
			c.sendError(frame.ID, wire.CodeInternalError, "internal error")
		}
	}()

	cmd.fn(d.handlers, c, &frame)
}

// checkRequired verifies that every required payload field is present and
// non-empty. Returns a description of the first missing field.
func checkRequired(payload json.RawMessage, required []string) (string, bool) {
	var fields map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return "payload must be a JSON object", false
		}
	}
	for _, key := range required {
		v, ok := fields[key]
		if !ok || v == nil {
			return "missing required field: " + key, false
		}
		if s, isStr := v.(string); isStr && s == "" {
			return "missing required field: " + key, false
		}
	}
	return "", true
}
