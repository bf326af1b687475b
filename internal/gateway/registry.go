package gateway

import "sync"

// Registry owns the set of live connections keyed by connection id. It only
// manages membership; it never mutates a client's inner fields.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Client
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Client)}
}

// Add inserts a client. Adding the same id twice replaces the previous entry.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Remove deletes a client by id and reports whether it was present.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return false
	}
	delete(r.conns, connID)
	return true
}

// Get returns the client with the given id.
func (r *Registry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Iter calls fn for each live client until fn returns false. The snapshot is
// taken under the read lock so fn itself runs without holding it.
func (r *Registry) Iter(fn func(*Client) bool) {
	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		if !fn(c) {
			return
		}
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
