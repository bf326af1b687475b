package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskwire/taskwire-server/internal/auth"
	"github.com/taskwire/taskwire-server/internal/store"
	"github.com/taskwire/taskwire-server/internal/wire"
)

// fakeRepo implements store.Repository over in-memory maps, recording calls
// the tests assert on.
type fakeRepo struct {
	tasks    map[string]*store.Task
	boards   map[string]*store.Board
	subtasks map[string][]store.Subtask

	updateTaskCalls int
	addDepCalls     int
	depErr          error
	lastNoteContent string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tasks:    make(map[string]*store.Task),
		boards:   make(map[string]*store.Board),
		subtasks: make(map[string][]store.Subtask),
	}
}

func (r *fakeRepo) GetTask(_ context.Context, taskID string) (*store.Task, error) {
	if t, ok := r.tasks[taskID]; ok {
		return t, nil
	}
	return nil, store.ErrTaskNotFound
}

func (r *fakeRepo) CreateTask(_ context.Context, p store.CreateTaskParams) (*store.Task, error) {
	t := &store.Task{
		ID:       "task-new",
		BoardID:  p.BoardID,
		Title:    p.Title,
		Status:   p.Status,
		Priority: p.Priority,
	}
	r.tasks[t.ID] = t
	return t, nil
}

func (r *fakeRepo) UpdateTask(_ context.Context, taskID string, u store.TaskUpdates) (*store.Task, error) {
	r.updateTaskCalls++
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	return t, nil
}

func (r *fakeRepo) DeleteTask(_ context.Context, taskID string) (*store.Task, error) {
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	delete(r.tasks, taskID)
	return t, nil
}

func (r *fakeRepo) GetBoard(_ context.Context, boardID string) (*store.Board, error) {
	if b, ok := r.boards[boardID]; ok {
		return b, nil
	}
	return nil, store.ErrBoardNotFound
}

func (r *fakeRepo) UpdateBoard(_ context.Context, boardID string, u store.BoardUpdates) (*store.Board, error) {
	b, ok := r.boards[boardID]
	if !ok {
		return nil, store.ErrBoardNotFound
	}
	if u.Name != nil {
		b.Name = *u.Name
	}
	return b, nil
}

func (r *fakeRepo) CreateNote(_ context.Context, p store.CreateNoteParams) (*store.Note, error) {
	r.lastNoteContent = p.Content
	return &store.Note{ID: "note-1", TaskID: p.TaskID, AuthorID: p.AuthorID, Content: p.Content}, nil
}

func (r *fakeRepo) AssignTag(_ context.Context, taskID, _ string) error {
	if _, ok := r.tasks[taskID]; !ok {
		return store.ErrTaskNotFound
	}
	return nil
}

func (r *fakeRepo) AddDependency(context.Context, string, string) error {
	r.addDepCalls++
	return r.depErr
}

func (r *fakeRepo) RemoveDependency(context.Context, string, string) error { return nil }

func (r *fakeRepo) GetSubtask(_ context.Context, subtaskID string) (*store.Subtask, error) {
	for _, subs := range r.subtasks {
		for i := range subs {
			if subs[i].ID == subtaskID {
				return &subs[i], nil
			}
		}
	}
	return nil, store.ErrSubtaskNotFound
}

func (r *fakeRepo) GetSubtasks(_ context.Context, parentTaskID string) ([]store.Subtask, error) {
	return r.subtasks[parentTaskID], nil
}

func (r *fakeRepo) CreateSubtask(_ context.Context, p store.CreateSubtaskParams) (*store.Subtask, error) {
	s := store.Subtask{ID: "sub-new", ParentTaskID: p.ParentTaskID, Title: p.Title, Status: p.Status}
	r.subtasks[p.ParentTaskID] = append(r.subtasks[p.ParentTaskID], s)
	return &s, nil
}

func (r *fakeRepo) UpdateSubtask(_ context.Context, subtaskID string, u store.SubtaskUpdates) (*store.Subtask, error) {
	for parent, subs := range r.subtasks {
		for i := range subs {
			if subs[i].ID != subtaskID {
				continue
			}
			if u.Status != nil {
				subs[i].Status = *u.Status
			}
			if u.Title != nil {
				subs[i].Title = *u.Title
			}
			r.subtasks[parent] = subs
			return &subs[i], nil
		}
	}
	return nil, store.ErrSubtaskNotFound
}

func (r *fakeRepo) DeleteSubtask(_ context.Context, subtaskID string) (*store.Subtask, error) {
	for parent, subs := range r.subtasks {
		for i := range subs {
			if subs[i].ID == subtaskID {
				removed := subs[i]
				r.subtasks[parent] = append(subs[:i], subs[i+1:]...)
				return &removed, nil
			}
		}
	}
	return nil, store.ErrSubtaskNotFound
}

// newTestHandlers wires handlers over a fake repository and a real router.
func newTestHandlers(repo store.Repository) (*Handlers, *Router, *Registry) {
	registry := NewRegistry()
	router := NewRouter(registry, 50, time.Hour, zerolog.Nop())
	authn := auth.New(auth.Config{
		JWTSecret: "test-secret-which-is-long-enough-00",
		Issuer:    "taskwire-test",
	}, nil, nil, zerolog.Nop())
	handlers := NewHandlers(repo, router, authn, nil, time.Second, zerolog.Nop())
	return handlers, router, registry
}

// request builds an inbound frame for direct handler invocation.
func request(t *testing.T, frameType, id string, payload any) *wire.Frame {
	t.Helper()
	f := &wire.Frame{Type: frameType, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		f.Payload = raw
	}
	return f
}

func payloadMap(t *testing.T, f wire.Frame) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return m
}

func TestHandleCreateTaskRepliesAndPublishes(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	h, router, registry := newTestHandlers(repo)

	creator := newTestClient("conn-creator", "write:board")
	watcher := newTestClient("conn-watcher", "subscribe:all")
	registry.Add(creator)
	registry.Add(watcher)
	mustSubscribe(t, router, "conn-watcher", wire.ChannelTask, Filter{"boardId": "B1"})

	h.handleCreateTask(creator, request(t, "create_task", "req-1", map[string]any{
		"title":    "Ship it",
		"board_id": "B1",
	}))

	reply := recvFrame(t, creator)
	if reply.Type != "task_created" {
		t.Fatalf("reply type = %q, want task_created", reply.Type)
	}
	if reply.ID != "req-1" {
		t.Errorf("reply id = %q, want req-1", reply.ID)
	}

	event := recvFrame(t, watcher)
	if event.Type != wire.EventTaskCreated {
		t.Errorf("event type = %q, want %q", event.Type, wire.EventTaskCreated)
	}
}

func TestHandleCreateTaskDeniedWithoutBoardPermission(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	h, _, registry := newTestHandlers(repo)
	c := newTestClient("conn-1", "read:all")
	registry.Add(c)

	h.handleCreateTask(c, request(t, "create_task", "req-1", map[string]any{
		"title": "Nope", "board_id": "B1",
	}))

	recvError(t, c, wire.CodeInsufficientPermissions)
	if len(repo.tasks) != 0 {
		t.Error("task created despite permission denial")
	}
}

func TestHandleUpdateTaskResourcePermission(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.tasks["T1"] = &store.Task{ID: "T1", BoardID: "B1", Status: "todo"}
	h, _, registry := newTestHandlers(repo)

	// Resource-scoped permission satisfies the composed check for that task
	// only.
	c := newTestClient("conn-1", "write:task:T1")
	registry.Add(c)

	h.handleUpdateTask(c, request(t, "update_task", "req-1", map[string]any{
		"taskId":  "T1",
		"updates": map[string]any{"status": "done"},
	}))
	if reply := recvFrame(t, c); reply.Type != "task_updated" {
		t.Fatalf("reply type = %q, want task_updated", reply.Type)
	}
	if repo.tasks["T1"].Status != "done" {
		t.Errorf("task status = %q, want done", repo.tasks["T1"].Status)
	}

	h.handleUpdateTask(c, request(t, "update_task", "req-2", map[string]any{
		"taskId":  "T2",
		"updates": map[string]any{"status": "done"},
	}))
	recvError(t, c, wire.CodeInsufficientPermissions)
}

func TestHandleGetTaskNotFound(t *testing.T) {
	t.Parallel()

	h, _, registry := newTestHandlers(newFakeRepo())
	c := newTestClient("conn-1", "read:all")
	registry.Add(c)

	h.handleGetTask(c, request(t, "get_task", "req-1", map[string]any{"taskId": "T404"}))
	recvError(t, c, wire.CodeTaskNotFound)
}

func TestHandleAddNoteSanitizesContent(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.tasks["T1"] = &store.Task{ID: "T1", BoardID: "B1"}
	h, _, registry := newTestHandlers(repo)
	c := newTestClient("conn-1", "write:all")
	registry.Add(c)

	h.handleAddNote(c, request(t, "add_note", "req-1", map[string]any{
		"content": `<b>bold</b><script>alert("x")</script>`,
		"task_id": "T1",
	}))

	if reply := recvFrame(t, c); reply.Type != "note_added" {
		t.Fatalf("reply type = %q, want note_added", reply.Type)
	}
	if strings.Contains(repo.lastNoteContent, "<script>") {
		t.Errorf("stored content retains script tag: %q", repo.lastNoteContent)
	}
	if !strings.Contains(repo.lastNoteContent, "<b>bold</b>") {
		t.Errorf("stored content lost allowed markup: %q", repo.lastNoteContent)
	}
}

func TestParentProgress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		subs []store.Subtask
		want int
	}{
		{"no subtasks", nil, 0},
		{"one of four done", []store.Subtask{
			{Status: store.StatusDone}, {Status: "todo"}, {Status: "todo"}, {Status: "todo"},
		}, 25},
		{"one of three done rounds down", []store.Subtask{
			{Status: store.StatusDone}, {Status: "todo"}, {Status: "todo"},
		}, 33},
		{"two of three done rounds up", []store.Subtask{
			{Status: store.StatusDone}, {Status: store.StatusDone}, {Status: "todo"},
		}, 67},
		{"all done", []store.Subtask{{Status: store.StatusDone}}, 100},
	}

	for _, tt := range tests {
		if got := parentProgress(tt.subs); got != tt.want {
			t.Errorf("%s: parentProgress = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestHandleCreateSubtaskReportsParentProgress(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.tasks["T1"] = &store.Task{ID: "T1", BoardID: "B1"}
	repo.subtasks["T1"] = []store.Subtask{
		{ID: "s1", ParentTaskID: "T1", Status: store.StatusDone},
		{ID: "s2", ParentTaskID: "T1", Status: "todo"},
		{ID: "s3", ParentTaskID: "T1", Status: "todo"},
	}
	h, router, registry := newTestHandlers(repo)

	c := newTestClient("conn-1", "write:all")
	watcher := newTestClient("conn-w", "subscribe:all")
	registry.Add(c)
	registry.Add(watcher)
	mustSubscribe(t, router, "conn-w", wire.ChannelSubtasks, nil)

	h.handleCreateSubtask(c, request(t, "create_subtask", "req-1", map[string]any{
		"parentTaskId": "T1",
		"title":        "Fourth",
	}))

	reply := recvFrame(t, c)
	if reply.Type != "subtask_created" {
		t.Fatalf("reply type = %q, want subtask_created", reply.Type)
	}
	// Progress is computed after the mutation: 1 done of 4.
	if got := payloadMap(t, reply)["parentProgress"]; got != float64(25) {
		t.Errorf("parentProgress = %v, want 25", got)
	}

	event := recvFrame(t, watcher)
	if event.Type != wire.EventSubtaskCreated {
		t.Errorf("event type = %q, want %q", event.Type, wire.EventSubtaskCreated)
	}
}

func TestHandleUpdateSubtaskCompletionEvent(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.tasks["T1"] = &store.Task{ID: "T1", BoardID: "B1"}
	repo.subtasks["T1"] = []store.Subtask{{ID: "s1", ParentTaskID: "T1", Status: "todo"}}
	h, router, registry := newTestHandlers(repo)

	c := newTestClient("conn-1", "write:all")
	watcher := newTestClient("conn-w", "subscribe:all")
	registry.Add(c)
	registry.Add(watcher)
	mustSubscribe(t, router, "conn-w", wire.ChannelSubtasks, nil)

	h.handleUpdateSubtask(c, request(t, "update_subtask", "req-1", map[string]any{
		"subtaskId": "s1",
		"updates":   map[string]any{"status": store.StatusDone},
	}))

	reply := recvFrame(t, c)
	if got := payloadMap(t, reply)["parentProgress"]; got != float64(100) {
		t.Errorf("parentProgress = %v, want 100", got)
	}

	event := recvFrame(t, watcher)
	if event.Type != wire.EventSubtaskCompleted {
		t.Errorf("event type = %q, want %q", event.Type, wire.EventSubtaskCompleted)
	}
}

func TestHandleAddDependencyCycleRejected(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.depErr = store.ErrDependencyCycle
	h, router, registry := newTestHandlers(repo)

	c := newTestClient("conn-1", "write:all")
	watcher := newTestClient("conn-w", "subscribe:all")
	registry.Add(c)
	registry.Add(watcher)
	mustSubscribe(t, router, "conn-w", wire.ChannelDependencies, nil)

	h.handleAddDependency(c, request(t, "add_dependency", "req-1", map[string]any{
		"taskId":          "T1",
		"dependsOnTaskId": "T2",
	}))

	f := recvError(t, c, wire.CodeDependencyAddFailed)
	var p wire.ErrorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if !strings.Contains(p.Message, "cycle") {
		t.Errorf("error message = %q, want cycle mention", p.Message)
	}

	// A rejected edge must not produce an event.
	queueEmpty(t, watcher)
}

func TestHandleAddDependencySelfRejected(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.depErr = store.ErrSelfDependency
	h, _, registry := newTestHandlers(repo)
	c := newTestClient("conn-1", "write:all")
	registry.Add(c)

	h.handleAddDependency(c, request(t, "add_dependency", "req-1", map[string]any{
		"taskId":          "T1",
		"dependsOnTaskId": "T1",
	}))
	recvError(t, c, wire.CodeDependencyAddFailed)
}

func TestHandleAddDependencySuccessPublishes(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	h, router, registry := newTestHandlers(repo)

	c := newTestClient("conn-1", "write:all")
	watcher := newTestClient("conn-w", "subscribe:all")
	registry.Add(c)
	registry.Add(watcher)
	mustSubscribe(t, router, "conn-w", wire.ChannelDependencies, nil)

	h.handleAddDependency(c, request(t, "add_dependency", "req-1", map[string]any{
		"taskId":          "T1",
		"dependsOnTaskId": "T2",
	}))

	if reply := recvFrame(t, c); reply.Type != "dependency_added" {
		t.Fatalf("reply type = %q, want dependency_added", reply.Type)
	}
	if event := recvFrame(t, watcher); event.Type != wire.EventDependencyAdded {
		t.Errorf("event type = %q, want %q", event.Type, wire.EventDependencyAdded)
	}
}

func TestHandleBulkOperationPartialFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.tasks["T1"] = &store.Task{ID: "T1", BoardID: "B1", Status: "todo"}
	repo.tasks["T3"] = &store.Task{ID: "T3", BoardID: "B1", Status: "todo"}
	h, _, registry := newTestHandlers(repo)

	// T1 is writable by resource id, T2 is not permitted, T3 is permitted but
	// absent from the repository after deletion below.
	c := newTestClient("conn-1", "write:task:T1", "write:task:T4")
	registry.Add(c)
	delete(repo.tasks, "T3")
	c.perms.Add("write:task:T3")

	h.handleBulkOperation(c, request(t, "bulk_operation", "req-1", map[string]any{
		"operation": "update",
		"taskIds":   []string{"T1", "T2", "T3"},
		"updates":   map[string]any{"status": "done"},
	}))

	reply := recvFrame(t, c)
	if reply.Type != "bulk_result" {
		t.Fatalf("reply type = %q, want bulk_result", reply.Type)
	}
	p := payloadMap(t, reply)

	succeeded, _ := p["succeeded"].([]any)
	if len(succeeded) != 1 || succeeded[0] != "T1" {
		t.Errorf("succeeded = %v, want [T1]", succeeded)
	}

	failed, _ := p["failed"].(map[string]any)
	if failed["T2"] != wire.CodeInsufficientPermissions {
		t.Errorf("failed[T2] = %v, want %q", failed["T2"], wire.CodeInsufficientPermissions)
	}
	if failed["T3"] != wire.CodeTaskNotFound {
		t.Errorf("failed[T3] = %v, want %q", failed["T3"], wire.CodeTaskNotFound)
	}
}

func TestHandleBulkOperationUnknownOperation(t *testing.T) {
	t.Parallel()

	h, _, registry := newTestHandlers(newFakeRepo())
	c := newTestClient("conn-1", "write:all")
	registry.Add(c)

	h.handleBulkOperation(c, request(t, "bulk_operation", "req-1", map[string]any{
		"operation": "explode",
		"taskIds":   []string{"T1"},
	}))
	recvError(t, c, wire.CodeInvalidRequest)
}

func TestHandleTypingRequiresTarget(t *testing.T) {
	t.Parallel()

	h, _, registry := newTestHandlers(newFakeRepo())
	c := newTestClient("conn-1")
	registry.Add(c)

	h.handleTypingStart(c, request(t, "typing_start", "req-1", map[string]any{}))
	recvError(t, c, wire.CodeInvalidRequest)
}

func TestHandleTypingPublishesToTaskChannel(t *testing.T) {
	t.Parallel()

	h, router, registry := newTestHandlers(newFakeRepo())
	c := newTestClient("conn-1")
	watcher := newTestClient("conn-w", "subscribe:all")
	registry.Add(c)
	registry.Add(watcher)
	mustSubscribe(t, router, "conn-w", wire.ChannelTask, nil)

	h.handleTypingStart(c, request(t, "typing_start", "req-1", map[string]any{"taskId": "T1"}))

	if reply := recvFrame(t, c); reply.Type != "ack" {
		t.Fatalf("reply type = %q, want ack", reply.Type)
	}
	event := recvFrame(t, watcher)
	if event.Type != wire.EventTypingStart {
		t.Errorf("event type = %q, want %q", event.Type, wire.EventTypingStart)
	}
	if got := payloadMap(t, event)["userId"]; got != "user-conn-1" {
		t.Errorf("event userId = %v, want user-conn-1", got)
	}
}

func TestHandleUserPresence(t *testing.T) {
	t.Parallel()

	h, router, registry := newTestHandlers(newFakeRepo())
	c := newTestClient("conn-1")
	watcher := newTestClient("conn-w", "subscribe:all")
	registry.Add(c)
	registry.Add(watcher)
	mustSubscribe(t, router, "conn-w", wire.ChannelUserPresence, nil)

	h.handleUserPresence(c, request(t, "user_presence", "req-1", map[string]any{"status": "away"}))

	reply := recvFrame(t, c)
	if reply.Type != "presence_updated" {
		t.Fatalf("reply type = %q, want presence_updated", reply.Type)
	}
	event := recvFrame(t, watcher)
	if got := payloadMap(t, event)["status"]; got != "away" {
		t.Errorf("event status = %v, want away", got)
	}
}

func TestHandleUserPresenceInvalidStatus(t *testing.T) {
	t.Parallel()

	h, _, registry := newTestHandlers(newFakeRepo())
	c := newTestClient("conn-1")
	registry.Add(c)

	h.handleUserPresence(c, request(t, "user_presence", "req-1", map[string]any{"status": "zombie"}))
	recvError(t, c, wire.CodeInvalidRequest)
}

func TestHandleSubscribeErrors(t *testing.T) {
	t.Parallel()

	h, router, registry := newTestHandlers(newFakeRepo())
	c := newTestClient("conn-1", "subscribe:task")
	registry.Add(c)

	h.handleSubscribe(c, request(t, "subscribe", "req-1", map[string]any{"channel": "nonsense"}))
	recvError(t, c, wire.CodeInvalidRequest)

	h.handleSubscribe(c, request(t, "subscribe", "req-2", map[string]any{"channel": "board"}))
	recvError(t, c, wire.CodeInsufficientPermissions)

	for i := 0; i < 50; i++ {
		mustSubscribe(t, router, "conn-1", wire.ChannelTask, Filter{"n": i})
	}
	h.handleSubscribe(c, request(t, "subscribe", "req-3", map[string]any{"channel": "task"}))
	recvError(t, c, wire.CodeSubscriptionLimit)
}

func TestHandleUnsubscribeReportsCount(t *testing.T) {
	t.Parallel()

	h, router, registry := newTestHandlers(newFakeRepo())
	c := newTestClient("conn-1", "subscribe:all")
	registry.Add(c)
	mustSubscribe(t, router, "conn-1", wire.ChannelTask, nil)

	h.handleUnsubscribe(c, request(t, "unsubscribe", "req-1", map[string]any{"channel": "task"}))

	reply := recvFrame(t, c)
	if reply.Type != "unsubscribed" {
		t.Fatalf("reply type = %q, want unsubscribed", reply.Type)
	}
	if got := payloadMap(t, reply)["removed"]; got != float64(1) {
		t.Errorf("removed = %v, want 1", got)
	}
}
