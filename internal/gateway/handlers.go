package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/taskwire/taskwire-server/internal/auth"
	"github.com/taskwire/taskwire-server/internal/presence"
	"github.com/taskwire/taskwire-server/internal/store"
	"github.com/taskwire/taskwire-server/internal/wire"
)

// Handlers adapts validated inbound commands to the Repository and to
// publications on the subscription router. Each handler validates its
// payload, performs a composed permission check, calls the Repository under a
// deadline, replies to the requester, and publishes a derived event on
// state-changing success.
type Handlers struct {
	repo        store.Repository
	router      *Router
	authn       *auth.Authenticator
	presence    *presence.Store
	sanitizer   *bluemonday.Policy
	repoTimeout time.Duration
	log         zerolog.Logger
}

// NewHandlers creates the command handlers. The presence store may be nil, in
// which case presence updates are broadcast without being persisted.
func NewHandlers(
	repo store.Repository,
	router *Router,
	authn *auth.Authenticator,
	presenceStore *presence.Store,
	repoTimeout time.Duration,
	logger zerolog.Logger,
) *Handlers {
	return &Handlers{
		repo:        repo,
		router:      router,
		authn:       authn,
		presence:    presenceStore,
		sanitizer:   bluemonday.UGCPolicy(),
		repoTimeout: repoTimeout,
		log:         logger.With().Str("component", "handlers").Logger(),
	}
}

// repoCtx returns a context carrying the per-call Repository deadline.
func (h *Handlers) repoCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.repoTimeout)
}

// can performs the composed permission check: verb:scope OR
// verb:scope:<resource-id>.
func can(c *Client, verb, scope, resourceID string) bool {
	if c.Permissions().Has(verb + ":" + scope) {
		return true
	}
	return resourceID != "" && c.Permissions().Has(verb+":"+scope+":"+resourceID)
}

// decode unmarshals the frame payload into the handler's typed payload
// struct. A decode failure is reported to the client as INVALID_REQUEST.
func decode[T any](c *Client, f *wire.Frame, out *T) bool {
	if len(f.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		c.sendError(f.ID, wire.CodeInvalidRequest, "malformed payload: "+err.Error())
		return false
	}
	return true
}

// repoErrorCode maps a Repository error to the wire code for the operation,
// with not-found errors taking precedence over the operation's generic code.
func repoErrorCode(err error, fallback string) string {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return wire.CodeTaskNotFound
	case errors.Is(err, store.ErrBoardNotFound):
		return wire.CodeBoardNotFound
	default:
		return fallback
	}
}

// ---- auth ----

func (h *Handlers) handleAuth(c *Client, f *wire.Frame) {
	var p auth.Payload
	if !decode(c, f, &p) {
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	result, err := h.authn.Authenticate(ctx, p)
	if err != nil {
		code := authErrorCode(err)
		if !auth.IsAuthError(err) {
			h.log.Error().Err(err).Str("conn_id", c.ID()).Msg("Authentication failed internally")
			code = wire.CodeInternalError
		}
		c.sendError(f.ID, code, "authentication failed")
		return
	}

	c.setAuthenticated(result.User, result.Permissions)

	c.sendFrame("auth_success", f.ID, map[string]any{
		"user":        result.User,
		"permissions": result.Permissions.List(),
	})

	if h.presence != nil {
		if err := h.presence.Set(ctx, result.User.ID, presence.StatusOnline); err != nil {
			h.log.Warn().Err(err).Str("user_id", result.User.ID).Msg("Failed to set initial presence")
		}
	}
	h.router.Publish(wire.ChannelUserPresence, Event{
		Type:    wire.EventUserPresence,
		Payload: map[string]any{"userId": result.User.ID, "status": presence.StatusOnline},
	})
	h.router.Publish(wire.ChannelSystemNotifications, Event{
		Type:    wire.EventConnectionStatus,
		Payload: map[string]any{"status": "connected", "clientId": c.ID()},
	})
}

func authErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrPayloadRequired):
		return wire.CodeAuthPayloadRequired
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenSubjectMissing):
		return wire.CodeAuthInvalidToken
	case errors.Is(err, auth.ErrInvalidKey):
		return wire.CodeAuthInvalidKey
	case errors.Is(err, auth.ErrCredentialsRequired):
		return wire.CodeAuthCredentialsRequire
	case errors.Is(err, auth.ErrInvalidCredentials):
		return wire.CodeAuthInvalidCredentials
	default:
		return wire.CodeInternalError
	}
}

// ---- connection plumbing ----

func (h *Handlers) handlePing(c *Client, f *wire.Frame) {
	c.sendFrame(wire.TypePong, f.ID, nil)
}

type subscribePayload struct {
	Channel string `json:"channel"`
	Filter  Filter `json:"filter,omitempty"`
}

func (h *Handlers) handleSubscribe(c *Client, f *wire.Frame) {
	var p subscribePayload
	if !decode(c, f, &p) {
		return
	}

	subID, err := h.router.Subscribe(c.ID(), wire.Channel(p.Channel), p.Filter)
	if err != nil {
		switch {
		case errors.Is(err, ErrChannelUnknown):
			c.sendError(f.ID, wire.CodeInvalidRequest, "unknown channel: "+p.Channel)
		case errors.Is(err, ErrSubscriptionDenied):
			c.sendError(f.ID, wire.CodeInsufficientPermissions, "subscription to channel not permitted")
		case errors.Is(err, ErrSubscriptionLimit):
			c.sendError(f.ID, wire.CodeSubscriptionLimit, "subscription limit reached")
		default:
			c.sendError(f.ID, wire.CodeInternalError, "subscription failed")
		}
		return
	}

	c.sendFrame("subscribed", f.ID, map[string]any{
		"subscriptionId": subID,
		"channel":        p.Channel,
	})
}

func (h *Handlers) handleUnsubscribe(c *Client, f *wire.Frame) {
	var p subscribePayload
	if !decode(c, f, &p) {
		return
	}

	removed := h.router.UnsubscribeChannel(c.ID(), wire.Channel(p.Channel))
	c.sendFrame("unsubscribed", f.ID, map[string]any{
		"channel": p.Channel,
		"removed": removed,
	})
}

type filterPayload struct {
	Channel string `json:"channel"`
	Filter  Filter `json:"filter"`
}

func (h *Handlers) handleFilterSubscription(c *Client, f *wire.Frame) {
	var p filterPayload
	if !decode(c, f, &p) {
		return
	}

	updated := h.router.SetClientFilter(c.ID(), wire.Channel(p.Channel), p.Filter)
	if updated == 0 {
		c.sendError(f.ID, wire.CodeInvalidRequest, "no subscription on channel: "+p.Channel)
		return
	}
	c.sendFrame("filter_updated", f.ID, map[string]any{
		"channel": p.Channel,
		"updated": updated,
	})
}

// ---- tasks ----

type taskPayload struct {
	TaskID  string          `json:"taskId"`
	Updates json.RawMessage `json:"updates"`
}

func (h *Handlers) handleGetTask(c *Client, f *wire.Frame) {
	var p taskPayload
	if !decode(c, f, &p) {
		return
	}
	if !can(c, "read", "task", p.TaskID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "read:task required")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	task, err := h.repo.GetTask(ctx, p.TaskID)
	if err != nil {
		c.sendError(f.ID, repoErrorCode(err, wire.CodeTaskNotFound), "task lookup failed")
		return
	}
	c.sendFrame("task", f.ID, map[string]any{"task": task})
}

type taskUpdates struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	AssigneeID  *string `json:"assigneeId"`
	BoardID     *string `json:"boardId"`
}

func (h *Handlers) handleUpdateTask(c *Client, f *wire.Frame) {
	var p taskPayload
	if !decode(c, f, &p) {
		return
	}
	if !can(c, "write", "task", p.TaskID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "write:task required")
		return
	}

	var u taskUpdates
	if err := json.Unmarshal(p.Updates, &u); err != nil {
		c.sendError(f.ID, wire.CodeInvalidRequest, "malformed updates")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	task, err := h.repo.UpdateTask(ctx, p.TaskID, store.TaskUpdates{
		Title:       u.Title,
		Description: u.Description,
		Status:      u.Status,
		Priority:    u.Priority,
		AssigneeID:  u.AssigneeID,
		BoardID:     u.BoardID,
	})
	if err != nil {
		c.sendError(f.ID, repoErrorCode(err, wire.CodeTaskUpdateError), "task update failed")
		return
	}

	c.sendFrame("task_updated", f.ID, map[string]any{"task": task})

	eventType := wire.EventTaskUpdated
	if u.BoardID != nil {
		eventType = wire.EventTaskMoved
	}
	h.router.PublishTaskUpdate(task.ID, task.BoardID, Event{
		Type: eventType,
		Payload: map[string]any{
			"task":     task,
			"status":   task.Status,
			"priority": task.Priority,
		},
	})
	if u.Priority != nil {
		h.router.Publish(wire.ChannelBoardAnalytics, Event{
			Type: wire.EventPriorityChanged,
			Payload: map[string]any{
				"taskId":   task.ID,
				"boardId":  task.BoardID,
				"priority": task.Priority,
			},
		})
	}
}

type createTaskPayload struct {
	Title       string  `json:"title"`
	BoardID     string  `json:"board_id"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	AssigneeID  *string `json:"assigneeId"`
}

func (h *Handlers) handleCreateTask(c *Client, f *wire.Frame) {
	var p createTaskPayload
	if !decode(c, f, &p) {
		return
	}
	if !can(c, "write", "board", p.BoardID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "write:board required")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	task, err := h.repo.CreateTask(ctx, store.CreateTaskParams{
		BoardID:     p.BoardID,
		Title:       p.Title,
		Description: p.Description,
		Status:      p.Status,
		Priority:    p.Priority,
		AssigneeID:  p.AssigneeID,
	})
	if err != nil {
		c.sendError(f.ID, repoErrorCode(err, wire.CodeTaskCreateError), "task creation failed")
		return
	}

	c.sendFrame("task_created", f.ID, map[string]any{"task": task})
	h.router.PublishTaskUpdate(task.ID, task.BoardID, Event{
		Type: wire.EventTaskCreated,
		Payload: map[string]any{
			"task":     task,
			"status":   task.Status,
			"priority": task.Priority,
		},
	})
}

func (h *Handlers) handleDeleteTask(c *Client, f *wire.Frame) {
	var p taskPayload
	if !decode(c, f, &p) {
		return
	}
	if !can(c, "delete", "task", p.TaskID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "delete:task required")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	task, err := h.repo.DeleteTask(ctx, p.TaskID)
	if err != nil {
		c.sendError(f.ID, repoErrorCode(err, wire.CodeTaskDeleteError), "task deletion failed")
		return
	}

	c.sendFrame("task_deleted", f.ID, map[string]any{"taskId": task.ID, "boardId": task.BoardID})
	h.router.PublishTaskUpdate(task.ID, task.BoardID, Event{
		Type:    wire.EventTaskDeleted,
		Payload: map[string]any{},
	})
}

// ---- boards ----

type boardPayload struct {
	BoardID string          `json:"boardId"`
	Updates json.RawMessage `json:"updates"`
}

func (h *Handlers) handleGetBoard(c *Client, f *wire.Frame) {
	var p boardPayload
	if !decode(c, f, &p) {
		return
	}
	if !can(c, "read", "board", p.BoardID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "read:board required")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	board, err := h.repo.GetBoard(ctx, p.BoardID)
	if err != nil {
		c.sendError(f.ID, repoErrorCode(err, wire.CodeBoardNotFound), "board lookup failed")
		return
	}
	c.sendFrame("board", f.ID, map[string]any{"board": board})
}

type boardUpdates struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (h *Handlers) handleUpdateBoard(c *Client, f *wire.Frame) {
	var p boardPayload
	if !decode(c, f, &p) {
		return
	}
	if !can(c, "write", "board", p.BoardID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "write:board required")
		return
	}

	var u boardUpdates
	if err := json.Unmarshal(p.Updates, &u); err != nil {
		c.sendError(f.ID, wire.CodeInvalidRequest, "malformed updates")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	board, err := h.repo.UpdateBoard(ctx, p.BoardID, store.BoardUpdates{
		Name:        u.Name,
		Description: u.Description,
	})
	if err != nil {
		c.sendError(f.ID, repoErrorCode(err, wire.CodeBoardUpdateError), "board update failed")
		return
	}

	changes := map[string]any{}
	if u.Name != nil {
		changes["name"] = *u.Name
	}
	if u.Description != nil {
		changes["description"] = *u.Description
	}

	c.sendFrame("board_updated", f.ID, map[string]any{"board": board})
	h.router.Publish(wire.ChannelBoard, Event{
		Type: wire.EventBoardUpdated,
		Payload: map[string]any{
			"board":   board,
			"boardId": board.ID,
			"changes": changes,
		},
	})
}

// ---- notes and tags ----

type notePayload struct {
	Content string `json:"content"`
	TaskID  string `json:"task_id"`
}

func (h *Handlers) handleAddNote(c *Client, f *wire.Frame) {
	var p notePayload
	if !decode(c, f, &p) {
		return
	}
	if !can(c, "write", "task", p.TaskID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "write:task required")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	// Note content is client-authored rich text; strip anything the sanitizer
	// does not allow before it reaches storage or other clients.
	content := h.sanitizer.Sanitize(p.Content)

	note, err := h.repo.CreateNote(ctx, store.CreateNoteParams{
		TaskID:   p.TaskID,
		AuthorID: c.Identity().ID,
		Content:  content,
	})
	if err != nil {
		c.sendError(f.ID, repoErrorCode(err, wire.CodeNoteAddError), "note creation failed")
		return
	}

	task, err := h.repo.GetTask(ctx, p.TaskID)
	if err != nil {
		// The note exists; reply with it even if the board lookup for event
		// routing failed.
		c.sendFrame("note_added", f.ID, map[string]any{"note": note})
		return
	}

	c.sendFrame("note_added", f.ID, map[string]any{"note": note})
	h.router.PublishTaskUpdate(task.ID, task.BoardID, Event{
		Type:    wire.EventNoteAdded,
		Payload: map[string]any{"note": note},
	})
}

type tagPayload struct {
	TaskID string `json:"taskId"`
	TagID  string `json:"tagId"`
}

func (h *Handlers) handleAssignTag(c *Client, f *wire.Frame) {
	var p tagPayload
	if !decode(c, f, &p) {
		return
	}
	if !can(c, "write", "task", p.TaskID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "write:task required")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	if err := h.repo.AssignTag(ctx, p.TaskID, p.TagID); err != nil {
		c.sendError(f.ID, repoErrorCode(err, wire.CodeTagAssignError), "tag assignment failed")
		return
	}

	task, _ := h.repo.GetTask(ctx, p.TaskID)
	boardID := ""
	if task != nil {
		boardID = task.BoardID
	}

	c.sendFrame("tag_assigned", f.ID, map[string]any{"taskId": p.TaskID, "tagId": p.TagID})
	h.router.PublishTaskUpdate(p.TaskID, boardID, Event{
		Type:    wire.EventTagAssigned,
		Payload: map[string]any{"tagId": p.TagID},
	})
}

// ---- presence and typing ----

type presencePayload struct {
	Status  string `json:"status"`
	BoardID string `json:"boardId,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
}

func (h *Handlers) handleUserPresence(c *Client, f *wire.Frame) {
	var p presencePayload
	if !decode(c, f, &p) {
		return
	}
	if !wire.PresenceStatusValid(p.Status) {
		c.sendError(f.ID, wire.CodeInvalidRequest, "status must be online, offline, or away")
		return
	}

	userID := c.Identity().ID

	if h.presence != nil {
		ctx, cancel := h.repoCtx()
		defer cancel()
		if err := h.presence.Set(ctx, userID, p.Status); err != nil {
			h.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to store presence")
		}
	}

	payload := map[string]any{"userId": userID, "status": p.Status}
	if p.BoardID != "" {
		payload["boardId"] = p.BoardID
	}
	if p.TaskID != "" {
		payload["taskId"] = p.TaskID
	}

	c.sendFrame("presence_updated", f.ID, payload)
	h.router.Publish(wire.ChannelUserPresence, Event{Type: wire.EventUserPresence, Payload: payload})
}

type typingPayload struct {
	TaskID  string `json:"taskId,omitempty"`
	BoardID string `json:"boardId,omitempty"`
}

func (h *Handlers) handleTypingStart(c *Client, f *wire.Frame) {
	h.handleTyping(c, f, wire.EventTypingStart)
}

func (h *Handlers) handleTypingStop(c *Client, f *wire.Frame) {
	h.handleTyping(c, f, wire.EventTypingStop)
}

func (h *Handlers) handleTyping(c *Client, f *wire.Frame, eventType string) {
	var p typingPayload
	if !decode(c, f, &p) {
		return
	}
	if p.TaskID == "" && p.BoardID == "" {
		c.sendError(f.ID, wire.CodeInvalidRequest, "taskId or boardId is required")
		return
	}

	payload := map[string]any{"userId": c.Identity().ID}
	channel := wire.ChannelBoard
	if p.TaskID != "" {
		payload["taskId"] = p.TaskID
		channel = wire.ChannelTask
	}
	if p.BoardID != "" {
		payload["boardId"] = p.BoardID
	}

	c.sendFrame("ack", f.ID, nil)
	h.router.Publish(channel, Event{Type: eventType, Payload: payload})
}

// ---- dependencies ----

type dependencyPayload struct {
	TaskID          string `json:"taskId"`
	DependsOnTaskID string `json:"dependsOnTaskId"`
}

func (h *Handlers) handleAddDependency(c *Client, f *wire.Frame) {
	var p dependencyPayload
	if !decode(c, f, &p) {
		return
	}
	if !can(c, "write", "task", p.TaskID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "write:task required")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	if err := h.repo.AddDependency(ctx, p.TaskID, p.DependsOnTaskID); err != nil {
		// Self-dependency and cycle rejection both surface as a failed add;
		// the message distinguishes them for the client.
		msg := "dependency could not be added"
		switch {
		case errors.Is(err, store.ErrSelfDependency):
			msg = "task cannot depend on itself"
		case errors.Is(err, store.ErrDependencyCycle):
			msg = "dependency would create a cycle"
		}
		c.sendError(f.ID, wire.CodeDependencyAddFailed, msg)
		return
	}

	c.sendFrame("dependency_added", f.ID, map[string]any{
		"taskId":          p.TaskID,
		"dependsOnTaskId": p.DependsOnTaskID,
	})
	h.router.Publish(wire.ChannelDependencies, Event{
		Type: wire.EventDependencyAdded,
		Payload: map[string]any{
			"taskId":          p.TaskID,
			"dependsOnTaskId": p.DependsOnTaskID,
		},
	})
}

func (h *Handlers) handleRemoveDependency(c *Client, f *wire.Frame) {
	var p dependencyPayload
	if !decode(c, f, &p) {
		return
	}
	if !can(c, "write", "task", p.TaskID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "write:task required")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	if err := h.repo.RemoveDependency(ctx, p.TaskID, p.DependsOnTaskID); err != nil {
		c.sendError(f.ID, wire.CodeDependencyRemove, "dependency could not be removed")
		return
	}

	c.sendFrame("dependency_removed", f.ID, map[string]any{
		"taskId":          p.TaskID,
		"dependsOnTaskId": p.DependsOnTaskID,
	})
	h.router.Publish(wire.ChannelDependencies, Event{
		Type: wire.EventDependencyRemoved,
		Payload: map[string]any{
			"taskId":          p.TaskID,
			"dependsOnTaskId": p.DependsOnTaskID,
		},
	})
}

// ---- subtasks ----

type subtaskPayload struct {
	ParentTaskID string          `json:"parentTaskId"`
	SubtaskID    string          `json:"subtaskId"`
	Title        string          `json:"title"`
	Status       string          `json:"status"`
	Updates      json.RawMessage `json:"updates"`
}

// parentProgress computes the percentage of a task's subtasks that are done,
// rounded to the nearest integer. A task with no subtasks has progress 0.
func parentProgress(subtasks []store.Subtask) int {
	if len(subtasks) == 0 {
		return 0
	}
	done := 0
	for _, s := range subtasks {
		if s.Status == store.StatusDone {
			done++
		}
	}
	return int(math.Round(100 * float64(done) / float64(len(subtasks))))
}

func (h *Handlers) handleCreateSubtask(c *Client, f *wire.Frame) {
	var p subtaskPayload
	if !decode(c, f, &p) {
		return
	}
	if !can(c, "write", "task", p.ParentTaskID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "write:task required")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	subtask, err := h.repo.CreateSubtask(ctx, store.CreateSubtaskParams{
		ParentTaskID: p.ParentTaskID,
		Title:        p.Title,
		Status:       p.Status,
	})
	if err != nil {
		c.sendError(f.ID, repoErrorCode(err, wire.CodeSubtaskError), "subtask creation failed")
		return
	}

	h.finishSubtask(ctx, c, f, "subtask_created", wire.EventSubtaskCreated, subtask)
}

func (h *Handlers) handleUpdateSubtask(c *Client, f *wire.Frame) {
	var p subtaskPayload
	if !decode(c, f, &p) {
		return
	}

	var u struct {
		Title  *string `json:"title"`
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(p.Updates, &u); err != nil {
		c.sendError(f.ID, wire.CodeInvalidRequest, "malformed updates")
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	// The parent is looked up first so the permission check precedes the
	// mutation.
	existing, err := h.repo.GetSubtask(ctx, p.SubtaskID)
	if err != nil {
		c.sendError(f.ID, wire.CodeSubtaskError, "subtask lookup failed")
		return
	}
	if !can(c, "write", "task", existing.ParentTaskID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "write:task required")
		return
	}

	subtask, err := h.repo.UpdateSubtask(ctx, p.SubtaskID, store.SubtaskUpdates{
		Title:  u.Title,
		Status: u.Status,
	})
	if err != nil {
		c.sendError(f.ID, wire.CodeSubtaskError, "subtask update failed")
		return
	}

	eventType := wire.EventSubtaskUpdated
	if u.Status != nil && *u.Status == store.StatusDone {
		eventType = wire.EventSubtaskCompleted
	}
	h.finishSubtask(ctx, c, f, "subtask_updated", eventType, subtask)
}

func (h *Handlers) handleDeleteSubtask(c *Client, f *wire.Frame) {
	var p subtaskPayload
	if !decode(c, f, &p) {
		return
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	existing, err := h.repo.GetSubtask(ctx, p.SubtaskID)
	if err != nil {
		c.sendError(f.ID, wire.CodeSubtaskError, "subtask lookup failed")
		return
	}
	if !can(c, "write", "task", existing.ParentTaskID) {
		c.sendError(f.ID, wire.CodeInsufficientPermissions, "write:task required")
		return
	}

	subtask, err := h.repo.DeleteSubtask(ctx, p.SubtaskID)
	if err != nil {
		c.sendError(f.ID, wire.CodeSubtaskError, "subtask deletion failed")
		return
	}

	h.finishSubtask(ctx, c, f, "subtask_deleted", wire.EventSubtaskDeleted, subtask)
}

// finishSubtask computes the parent's progress after a subtask mutation, sends
// the direct reply, and publishes the derived event.
func (h *Handlers) finishSubtask(ctx context.Context, c *Client, f *wire.Frame, replyType, eventType string, subtask *store.Subtask) {
	subtasks, err := h.repo.GetSubtasks(ctx, subtask.ParentTaskID)
	if err != nil {
		h.log.Warn().Err(err).Str("parent_task_id", subtask.ParentTaskID).
			Msg("Failed to load subtasks for progress")
	}
	progress := parentProgress(subtasks)

	boardID := ""
	if parent, err := h.repo.GetTask(ctx, subtask.ParentTaskID); err == nil {
		boardID = parent.BoardID
	}

	payload := map[string]any{
		"subtask":        subtask,
		"parentTaskId":   subtask.ParentTaskID,
		"parentProgress": progress,
	}
	if boardID != "" {
		payload["boardId"] = boardID
	}

	c.sendFrame(replyType, f.ID, payload)
	h.router.Publish(wire.ChannelSubtasks, Event{Type: eventType, Payload: payload})
}

// ---- bulk operations ----

type bulkPayload struct {
	Operation string          `json:"operation"`
	TaskIDs   []string        `json:"taskIds"`
	Updates   json.RawMessage `json:"updates"`
}

// handleBulkOperation applies one operation across many tasks with
// partial-failure semantics: tasks the caller may not write, or whose update
// fails, are reported individually without aborting the rest.
func (h *Handlers) handleBulkOperation(c *Client, f *wire.Frame) {
	var p bulkPayload
	if !decode(c, f, &p) {
		return
	}
	if len(p.TaskIDs) == 0 {
		c.sendError(f.ID, wire.CodeInvalidRequest, "taskIds must not be empty")
		return
	}

	var u taskUpdates
	if p.Operation == "update" {
		if err := json.Unmarshal(p.Updates, &u); err != nil {
			c.sendError(f.ID, wire.CodeInvalidRequest, "malformed updates")
			return
		}
	}

	ctx, cancel := h.repoCtx()
	defer cancel()

	succeeded := make([]string, 0, len(p.TaskIDs))
	failed := make(map[string]string)

	for _, taskID := range p.TaskIDs {
		if !can(c, "write", "task", taskID) {
			failed[taskID] = wire.CodeInsufficientPermissions
			continue
		}

		var err error
		switch p.Operation {
		case "update":
			_, err = h.repo.UpdateTask(ctx, taskID, store.TaskUpdates{
				Title:       u.Title,
				Description: u.Description,
				Status:      u.Status,
				Priority:    u.Priority,
				AssigneeID:  u.AssigneeID,
				BoardID:     u.BoardID,
			})
		case "delete":
			if !can(c, "delete", "task", taskID) {
				failed[taskID] = wire.CodeInsufficientPermissions
				continue
			}
			_, err = h.repo.DeleteTask(ctx, taskID)
		default:
			c.sendError(f.ID, wire.CodeInvalidRequest, "unknown operation: "+p.Operation)
			return
		}

		if err != nil {
			failed[taskID] = repoErrorCode(err, wire.CodeBulkOperationError)
			continue
		}
		succeeded = append(succeeded, taskID)
	}

	c.sendFrame("bulk_result", f.ID, map[string]any{
		"operation": p.Operation,
		"succeeded": succeeded,
		"failed":    failed,
	})

	if len(succeeded) > 0 {
		h.router.Publish(wire.ChannelTask, Event{
			Type: wire.EventBulkOperation,
			Payload: map[string]any{
				"operation": p.Operation,
				"taskIds":   succeeded,
				"userId":    c.Identity().ID,
			},
		})
	}
}
