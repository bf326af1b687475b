package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskwire/taskwire-server/internal/wire"
)

// Subscription binds one connection to one channel with an optional filter.
type Subscription struct {
	ID           string
	ConnID       string
	Channel      wire.Channel
	Filter       Filter
	CreatedAt    time.Time
	lastActivity time.Time
}

// Event is a publishable record: the event type plus a payload whose leaf
// fields carry the routing information filters match against.
type Event struct {
	Type    string
	Payload map[string]any
}

// RouterStats is a point-in-time snapshot of the router's indices.
type RouterStats struct {
	TotalSubscriptions int            `json:"totalSubscriptions"`
	ByChannel          map[string]int `json:"byChannel"`
	Connections        int            `json:"connections"`
}

// Router maps (channel, filter) pairs to connections and performs fan-out
// with per-subscription filter matching. Subscriptions are kept in three
// indices (by id, by connection, by channel) that are mutated together under
// one lock.
type Router struct {
	registry   *Registry
	maxPerConn int
	idleTTL    time.Duration
	log        zerolog.Logger

	mu        sync.RWMutex
	subs      map[string]*Subscription
	byConn    map[string]map[string]*Subscription
	byChannel map[wire.Channel]map[string]*Subscription

	now func() time.Time
}

// NewRouter creates a subscription router over the given registry.
func NewRouter(registry *Registry, maxPerConn int, idleTTL time.Duration, logger zerolog.Logger) *Router {
	return &Router{
		registry:   registry,
		maxPerConn: maxPerConn,
		idleTTL:    idleTTL,
		log:        logger.With().Str("component", "router").Logger(),
		subs:       make(map[string]*Subscription),
		byConn:     make(map[string]map[string]*Subscription),
		byChannel:  make(map[wire.Channel]map[string]*Subscription),
		now:        time.Now,
	}
}

// Subscribe registers a subscription for the connection. The connection must
// exist, hold the subscribe:<channel> permission, and be under its
// subscription cap.
func (r *Router) Subscribe(connID string, channel wire.Channel, filter Filter) (string, error) {
	if !wire.ValidChannel(string(channel)) {
		return "", ErrChannelUnknown
	}

	client, ok := r.registry.Get(connID)
	if !ok {
		return "", ErrConnectionNotFound
	}
	if !client.Permissions().Has("subscribe:" + string(channel)) {
		return "", ErrSubscriptionDenied
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The connection may have torn down (and run UnsubscribeAll) between the
	// registry lookup and this lock. Inserting now would orphan the
	// subscription.
	if !client.IsOpen() {
		return "", ErrConnectionNotFound
	}

	if len(r.byConn[connID]) >= r.maxPerConn {
		return "", ErrSubscriptionLimit
	}

	now := r.now()
	sub := &Subscription{
		ID:           "sub-" + uuid.NewString(),
		ConnID:       connID,
		Channel:      channel,
		Filter:       filter.Clone(),
		CreatedAt:    now,
		lastActivity: now,
	}

	r.subs[sub.ID] = sub
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]*Subscription)
	}
	r.byConn[connID][sub.ID] = sub
	if r.byChannel[channel] == nil {
		r.byChannel[channel] = make(map[string]*Subscription)
	}
	r.byChannel[channel][sub.ID] = sub

	r.log.Debug().Str("conn_id", connID).Str("sub_id", sub.ID).Str("channel", string(channel)).
		Msg("Subscription added")
	return sub.ID, nil
}

// Unsubscribe removes a subscription by id and reports whether it existed.
func (r *Router) Unsubscribe(subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(subID)
}

// UnsubscribeAll removes every subscription owned by the connection and
// returns the number removed.
func (r *Router) UnsubscribeAll(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for subID := range r.byConn[connID] {
		if r.removeLocked(subID) {
			count++
		}
	}
	return count
}

// UnsubscribeChannel removes the connection's subscriptions to one channel and
// returns the number removed.
func (r *Router) UnsubscribeChannel(connID string, channel wire.Channel) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for subID, sub := range r.byConn[connID] {
		if sub.Channel == channel && r.removeLocked(subID) {
			count++
		}
	}
	return count
}

// removeLocked deletes a subscription from all three indices. Caller holds
// the write lock.
func (r *Router) removeLocked(subID string) bool {
	sub, ok := r.subs[subID]
	if !ok {
		return false
	}
	delete(r.subs, subID)
	delete(r.byConn[sub.ConnID], subID)
	if len(r.byConn[sub.ConnID]) == 0 {
		delete(r.byConn, sub.ConnID)
	}
	delete(r.byChannel[sub.Channel], subID)
	if len(r.byChannel[sub.Channel]) == 0 {
		delete(r.byChannel, sub.Channel)
	}
	return true
}

// SetClientFilter replaces the filter on the connection's subscriptions to
// the given channel. It returns the number of subscriptions updated.
func (r *Router) SetClientFilter(connID string, channel wire.Channel, filter Filter) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, sub := range r.byConn[connID] {
		if sub.Channel == channel {
			sub.Filter = filter.Clone()
			sub.lastActivity = r.now()
			count++
		}
	}
	return count
}

// Publish fans an event out to every matching subscription on the channel and
// returns the number of connections the event was enqueued for.
func (r *Router) Publish(channel wire.Channel, event Event) int {
	return r.PublishFunc(channel, event, nil)
}

// PublishFunc is Publish with an additional predicate over the receiving
// client. A nil predicate admits every client.
func (r *Router) PublishFunc(channel wire.Channel, event Event, pred func(*Client) bool) int {
	// One frame per publish call: every recipient receives identical bytes,
	// and enqueue order across recipients follows the caller's issue order.
	frame, err := wire.NewFrame(event.Type, "evt-"+uuid.NewString(), event.Payload)
	if err != nil {
		r.log.Error().Err(err).Str("event", event.Type).Msg("Failed to build event frame")
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.byChannel[channel]
	if len(bucket) == 0 {
		return 0
	}

	delivered := 0
	var dead []string
	now := r.now()

	for subID, sub := range bucket {
		client, ok := r.registry.Get(sub.ConnID)
		if !ok || !client.IsOpen() {
			dead = append(dead, subID)
			continue
		}
		if !sub.Filter.Matches(event.Payload) {
			continue
		}
		if pred != nil && !pred(client) {
			continue
		}
		if client.enqueue(frame) {
			delivered++
			sub.lastActivity = now
		}
	}

	// Subscriptions whose connection has vanished are collected during the
	// scan and removed here rather than waiting for the idle sweep.
	for _, subID := range dead {
		r.removeLocked(subID)
	}

	return delivered
}

// PublishTaskUpdate fans a task-scoped event out on both the task and board
// channels. The task and board ids are stamped into the payload so
// subscription filters on either key match.
func (r *Router) PublishTaskUpdate(taskID, boardID string, event Event) int {
	payload := make(map[string]any, len(event.Payload)+2)
	for k, v := range event.Payload {
		payload[k] = v
	}
	if _, ok := payload["taskId"]; !ok {
		payload["taskId"] = taskID
	}
	if _, ok := payload["boardId"]; !ok {
		payload["boardId"] = boardID
	}
	stamped := Event{Type: event.Type, Payload: payload}

	delivered := r.Publish(wire.ChannelTask, stamped)
	delivered += r.Publish(wire.ChannelBoard, stamped)
	return delivered
}

// Stats returns totals and per-channel subscription counts.
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byChannel := make(map[string]int, len(r.byChannel))
	for ch, bucket := range r.byChannel {
		byChannel[string(ch)] = len(bucket)
	}
	return RouterStats{
		TotalSubscriptions: len(r.subs),
		ByChannel:          byChannel,
		Connections:        len(r.byConn),
	}
}

// SubscriptionCount returns the number of subscriptions held by a connection.
func (r *Router) SubscriptionCount(connID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn[connID])
}

// Run evicts idle subscriptions until the context is cancelled. Subscriptions
// with no delivery or filter activity for longer than the idle TTL are
// removed.
func (r *Router) Run(ctx context.Context) error {
	interval := r.idleTTL / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.evictIdle(); n > 0 {
				r.log.Info().Int("evicted", n).Msg("Idle subscriptions evicted")
			}
		}
	}
}

func (r *Router) evictIdle() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.idleTTL)
	var idle []string
	for subID, sub := range r.subs {
		if sub.lastActivity.Before(cutoff) {
			idle = append(idle, subID)
		}
	}
	for _, subID := range idle {
		r.removeLocked(subID)
	}
	return len(idle)
}
