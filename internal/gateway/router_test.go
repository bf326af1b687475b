package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskwire/taskwire-server/internal/auth"
	"github.com/taskwire/taskwire-server/internal/permission"
	"github.com/taskwire/taskwire-server/internal/wire"
)

// newTestClient builds an authenticated client with a buffered queue and no
// underlying connection. Suitable for exercising routing and dispatch without
// a WebSocket.
func newTestClient(id string, perms ...string) *Client {
	return &Client{
		id:            id,
		log:           zerolog.Nop(),
		send:          make(chan []byte, 64),
		state:         StateOpenAuth,
		identity:      &auth.Identity{ID: "user-" + id, Role: "user"},
		perms:         permission.NewSet(perms...),
		connectedAt:   time.Now(),
		lastHeartbeat: time.Now(),
	}
}

// recvFrame pops the next queued outbound frame, failing the test when the
// queue is empty.
func recvFrame(t *testing.T, c *Client) wire.Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f wire.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		return f
	default:
		t.Fatal("no outbound frame queued")
		return wire.Frame{}
	}
}

// recvError pops the next frame and asserts it is an error with the given
// code.
func recvError(t *testing.T, c *Client, wantCode string) wire.Frame {
	t.Helper()
	f := recvFrame(t, c)
	if f.Type != wire.TypeError {
		t.Fatalf("frame type = %q, want error", f.Type)
	}
	var p wire.ErrorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if p.Code != wantCode {
		t.Fatalf("error code = %q, want %q", p.Code, wantCode)
	}
	return f
}

// queueEmpty asserts no outbound frame is waiting.
func queueEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected outbound frame: %s", raw)
	default:
	}
}

func newTestRouter(maxPerConn int) (*Router, *Registry) {
	registry := NewRegistry()
	return NewRouter(registry, maxPerConn, time.Hour, zerolog.Nop()), registry
}

func TestSubscribeUnknownChannel(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)
	registry.Add(newTestClient("conn-1", "subscribe:all"))

	if _, err := router.Subscribe("conn-1", "nonsense", nil); err != ErrChannelUnknown {
		t.Errorf("err = %v, want ErrChannelUnknown", err)
	}
}

func TestSubscribeConnectionNotFound(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(50)
	if _, err := router.Subscribe("conn-ghost", wire.ChannelTask, nil); err != ErrConnectionNotFound {
		t.Errorf("err = %v, want ErrConnectionNotFound", err)
	}
}

func TestSubscribeClosedConnection(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)
	c := newTestClient("conn-1", "subscribe:all")
	registry.Add(c)

	// Simulates a teardown finishing between the registry lookup and the
	// index insert: the client is still reachable but no longer open.
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if _, err := router.Subscribe("conn-1", wire.ChannelTask, nil); err != ErrConnectionNotFound {
		t.Errorf("err = %v, want ErrConnectionNotFound", err)
	}
	if got := router.Stats().TotalSubscriptions; got != 0 {
		t.Errorf("TotalSubscriptions = %d, want 0", got)
	}
}

func TestSubscribeRequiresChannelPermission(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)
	registry.Add(newTestClient("conn-1", "subscribe:board"))

	if _, err := router.Subscribe("conn-1", wire.ChannelTask, nil); err != ErrSubscriptionDenied {
		t.Errorf("err = %v, want ErrSubscriptionDenied", err)
	}
	if _, err := router.Subscribe("conn-1", wire.ChannelBoard, nil); err != nil {
		t.Errorf("permitted channel rejected: %v", err)
	}
}

func TestSubscribeCap(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)
	registry.Add(newTestClient("conn-1", "subscribe:all"))

	for i := 0; i < 50; i++ {
		if _, err := router.Subscribe("conn-1", wire.ChannelTask, Filter{"boardId": i}); err != nil {
			t.Fatalf("subscription %d rejected: %v", i+1, err)
		}
	}
	if _, err := router.Subscribe("conn-1", wire.ChannelTask, nil); err != ErrSubscriptionLimit {
		t.Errorf("51st subscription err = %v, want ErrSubscriptionLimit", err)
	}
	if got := router.SubscriptionCount("conn-1"); got != 50 {
		t.Errorf("SubscriptionCount = %d, want 50", got)
	}
}

func TestPublishFansOutByFilter(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)

	b1 := newTestClient("conn-b1", "subscribe:all")
	b2 := newTestClient("conn-b2", "subscribe:all")
	all := newTestClient("conn-all", "subscribe:all")
	registry.Add(b1)
	registry.Add(b2)
	registry.Add(all)

	mustSubscribe(t, router, "conn-b1", wire.ChannelTask, Filter{"boardId": "B1"})
	mustSubscribe(t, router, "conn-b2", wire.ChannelTask, Filter{"boardId": "B2"})
	mustSubscribe(t, router, "conn-all", wire.ChannelTask, nil)

	delivered := router.Publish(wire.ChannelTask, Event{
		Type:    wire.EventTaskUpdated,
		Payload: map[string]any{"taskId": "T1", "boardId": "B1"},
	})
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}

	for _, c := range []*Client{b1, all} {
		f := recvFrame(t, c)
		if f.Type != wire.EventTaskUpdated {
			t.Errorf("%s received type %q, want %q", c.ID(), f.Type, wire.EventTaskUpdated)
		}
	}
	queueEmpty(t, b2)
}

func TestPublishRecipientsShareOneFrame(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)
	a := newTestClient("conn-a", "subscribe:all")
	b := newTestClient("conn-b", "subscribe:all")
	registry.Add(a)
	registry.Add(b)
	mustSubscribe(t, router, "conn-a", wire.ChannelBoard, nil)
	mustSubscribe(t, router, "conn-b", wire.ChannelBoard, nil)

	router.Publish(wire.ChannelBoard, Event{Type: wire.EventBoardUpdated, Payload: map[string]any{"boardId": "B1"}})

	rawA := <-a.send
	rawB := <-b.send
	if string(rawA) != string(rawB) {
		t.Error("recipients received different bytes for the same publish")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(50)
	if got := router.Publish(wire.ChannelTask, Event{Type: wire.EventTaskUpdated}); got != 0 {
		t.Errorf("delivered = %d, want 0", got)
	}
}

func TestPublishRemovesDeadConnections(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)
	c := newTestClient("conn-1", "subscribe:all")
	registry.Add(c)
	mustSubscribe(t, router, "conn-1", wire.ChannelTask, nil)

	registry.Remove("conn-1")
	if got := router.Publish(wire.ChannelTask, Event{Type: wire.EventTaskUpdated}); got != 0 {
		t.Errorf("delivered = %d, want 0", got)
	}
	if got := router.Stats().TotalSubscriptions; got != 0 {
		t.Errorf("TotalSubscriptions after GC = %d, want 0", got)
	}
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)
	registry.Add(newTestClient("conn-1", "subscribe:all"))

	subID := mustSubscribe(t, router, "conn-1", wire.ChannelTask, nil)
	mustSubscribe(t, router, "conn-1", wire.ChannelBoard, nil)

	if !router.Unsubscribe(subID) {
		t.Error("Unsubscribe returned false for a live subscription")
	}
	if router.Unsubscribe(subID) {
		t.Error("Unsubscribe returned true for a removed subscription")
	}

	stats := router.Stats()
	if stats.TotalSubscriptions != 1 {
		t.Errorf("TotalSubscriptions = %d, want 1", stats.TotalSubscriptions)
	}
	if stats.ByChannel["task"] != 0 {
		t.Errorf("ByChannel[task] = %d, want 0", stats.ByChannel["task"])
	}
	if stats.ByChannel["board"] != 1 {
		t.Errorf("ByChannel[board] = %d, want 1", stats.ByChannel["board"])
	}
}

func TestUnsubscribeAllClearsIndices(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)
	registry.Add(newTestClient("conn-1", "subscribe:all"))

	mustSubscribe(t, router, "conn-1", wire.ChannelTask, nil)
	mustSubscribe(t, router, "conn-1", wire.ChannelBoard, nil)
	mustSubscribe(t, router, "conn-1", wire.ChannelSubtasks, nil)

	if got := router.UnsubscribeAll("conn-1"); got != 3 {
		t.Errorf("UnsubscribeAll = %d, want 3", got)
	}

	stats := router.Stats()
	if stats.TotalSubscriptions != 0 || stats.Connections != 0 {
		t.Errorf("Stats after UnsubscribeAll = %+v, want empty", stats)
	}
}

func TestUnsubscribeChannelOnlyRemovesThatChannel(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)
	registry.Add(newTestClient("conn-1", "subscribe:all"))

	mustSubscribe(t, router, "conn-1", wire.ChannelTask, Filter{"boardId": "B1"})
	mustSubscribe(t, router, "conn-1", wire.ChannelTask, Filter{"boardId": "B2"})
	mustSubscribe(t, router, "conn-1", wire.ChannelBoard, nil)

	if got := router.UnsubscribeChannel("conn-1", wire.ChannelTask); got != 2 {
		t.Errorf("UnsubscribeChannel = %d, want 2", got)
	}
	if got := router.SubscriptionCount("conn-1"); got != 1 {
		t.Errorf("SubscriptionCount = %d, want 1", got)
	}
}

func TestSetClientFilterReplaces(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)
	c := newTestClient("conn-1", "subscribe:all")
	registry.Add(c)
	mustSubscribe(t, router, "conn-1", wire.ChannelTask, Filter{"boardId": "B1"})

	if got := router.SetClientFilter("conn-1", wire.ChannelTask, Filter{"boardId": "B2"}); got != 1 {
		t.Fatalf("SetClientFilter = %d, want 1", got)
	}
	if got := router.SetClientFilter("conn-1", wire.ChannelBoard, nil); got != 0 {
		t.Errorf("SetClientFilter on unsubscribed channel = %d, want 0", got)
	}

	// Old filter no longer matches, new one does.
	router.Publish(wire.ChannelTask, Event{Type: wire.EventTaskUpdated, Payload: map[string]any{"boardId": "B1"}})
	queueEmpty(t, c)
	router.Publish(wire.ChannelTask, Event{Type: wire.EventTaskUpdated, Payload: map[string]any{"boardId": "B2"}})
	recvFrame(t, c)
}

func TestPublishTaskUpdateStampsRoutingIDs(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(50)
	taskSub := newTestClient("conn-task", "subscribe:all")
	boardSub := newTestClient("conn-board", "subscribe:all")
	registry.Add(taskSub)
	registry.Add(boardSub)
	mustSubscribe(t, router, "conn-task", wire.ChannelTask, Filter{"taskId": "T1"})
	mustSubscribe(t, router, "conn-board", wire.ChannelBoard, Filter{"boardId": "B1"})

	delivered := router.PublishTaskUpdate("T1", "B1", Event{
		Type:    wire.EventTaskUpdated,
		Payload: map[string]any{"status": "done"},
	})
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}

	f := recvFrame(t, taskSub)
	var payload map[string]any
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["taskId"] != "T1" || payload["boardId"] != "B1" {
		t.Errorf("payload = %v, want stamped taskId/boardId", payload)
	}
	recvFrame(t, boardSub)
}

func TestEvictIdleSubscriptions(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	router := NewRouter(registry, 50, time.Minute, zerolog.Nop())

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	router.now = func() time.Time { return base }

	registry.Add(newTestClient("conn-1", "subscribe:all"))
	mustSubscribe(t, router, "conn-1", wire.ChannelTask, nil)
	staleID := mustSubscribe(t, router, "conn-1", wire.ChannelBoard, nil)

	// Publishing touches the task subscription; the board one stays idle.
	router.now = func() time.Time { return base.Add(2 * time.Minute) }
	router.Publish(wire.ChannelTask, Event{Type: wire.EventTaskUpdated})

	if got := router.evictIdle(); got != 1 {
		t.Errorf("evictIdle = %d, want 1", got)
	}
	if router.Unsubscribe(staleID) {
		t.Error("stale subscription still present after eviction")
	}
	if got := router.Stats().TotalSubscriptions; got != 1 {
		t.Errorf("TotalSubscriptions = %d, want 1", got)
	}
}

func mustSubscribe(t *testing.T, router *Router, connID string, channel wire.Channel, filter Filter) string {
	t.Helper()
	subID, err := router.Subscribe(connID, channel, filter)
	if err != nil {
		t.Fatalf("Subscribe(%s, %s): %v", connID, channel, err)
	}
	return subID
}
