// Package ratelimit provides fixed-window admission control for connection
// attempts (keyed by source address) and inbound messages (keyed by connection
// id), with optional allow/deny lists and toggleable burst and adaptive
// policies.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the limiter thresholds and optional policies. Burst detection
// and adaptive scaling are disabled unless explicitly enabled.
type Config struct {
	// Window is the fixed window length for both tables.
	Window time.Duration
	// ConnectionLimit is the maximum admitted connections per source key per
	// window.
	ConnectionLimit int
	// MessageLimit is the maximum admitted messages per connection per window.
	MessageLimit int

	// BurstDetection rejects a key whose count within BurstWindow exceeds
	// BurstLimit even if the window limit has headroom.
	BurstDetection bool
	BurstWindow    time.Duration
	BurstLimit     int

	// Adaptive halves the effective limits while LoadSignal exceeds
	// LoadThreshold. LoadSignal must be safe for concurrent use.
	Adaptive      bool
	LoadSignal    func() float64
	LoadThreshold float64
}

// Status is a non-mutating snapshot of one key's window.
type Status struct {
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type entry struct {
	count        int
	windowStart  time.Time
	lastActivity time.Time

	burstCount int
	burstStart time.Time
}

// Limiter implements fixed-window admission control. Connection and message
// windows are tracked in separate tables because their key spaces (source
// address vs connection id) are unrelated.
type Limiter struct {
	cfg Config
	log zerolog.Logger

	mu          sync.Mutex
	connections map[string]*entry
	messages    map[string]*entry
	allow       map[string]struct{}
	deny        map[string]struct{}

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter with the given configuration.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	return &Limiter{
		cfg:         cfg,
		log:         logger.With().Str("component", "ratelimit").Logger(),
		connections: make(map[string]*entry),
		messages:    make(map[string]*entry),
		allow:       make(map[string]struct{}),
		deny:        make(map[string]struct{}),
		now:         time.Now,
	}
}

// AdmitConnection consumes one unit against the source key's connection
// window and reports whether the connection may proceed.
func (l *Limiter) AdmitConnection(sourceKey string) bool {
	return l.admit(l.connections, sourceKey, l.cfg.ConnectionLimit)
}

// AdmitMessage consumes one unit against the connection's message window and
// reports whether the message may proceed.
func (l *Limiter) AdmitMessage(connID string) bool {
	return l.admit(l.messages, connID, l.cfg.MessageLimit)
}

// admit implements the shared fixed-window algorithm. The deny list is
// consulted before any counting; allow-listed keys bypass counting but are
// still logged.
func (l *Limiter) admit(table map[string]*entry, key string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, denied := l.deny[key]; denied {
		l.log.Info().Str("key", key).Msg("Denied key rejected")
		return false
	}
	if _, allowed := l.allow[key]; allowed {
		l.log.Debug().Str("key", key).Msg("Allow-listed key admitted without counting")
		return true
	}

	now := l.now()
	limit = l.effectiveLimit(limit)

	e, ok := table[key]
	// A clock that moved behind the window start is treated as a fresh window.
	if !ok || now.Sub(e.windowStart) >= l.cfg.Window || now.Before(e.windowStart) {
		table[key] = &entry{count: 1, windowStart: now, lastActivity: now, burstCount: 1, burstStart: now}
		return true
	}

	e.lastActivity = now

	if l.cfg.BurstDetection {
		if now.Sub(e.burstStart) >= l.cfg.BurstWindow || now.Before(e.burstStart) {
			e.burstCount = 0
			e.burstStart = now
		}
		e.burstCount++
		if e.burstCount > l.cfg.BurstLimit {
			l.log.Warn().Str("key", key).Int("burst", e.burstCount).Msg("Burst threshold exceeded")
			return false
		}
	}

	if e.count >= limit {
		return false
	}
	e.count++
	return true
}

// effectiveLimit applies adaptive scaling when the external load signal is
// above the threshold.
func (l *Limiter) effectiveLimit(limit int) int {
	if !l.cfg.Adaptive || l.cfg.LoadSignal == nil {
		return limit
	}
	if l.cfg.LoadSignal() > l.cfg.LoadThreshold {
		scaled := limit / 2
		if scaled < 1 {
			scaled = 1
		}
		return scaled
	}
	return limit
}

// StatusConnection returns a snapshot of the source key's connection window
// without mutating it.
func (l *Limiter) StatusConnection(sourceKey string) Status {
	return l.status(l.connections, sourceKey, l.cfg.ConnectionLimit)
}

// StatusMessage returns a snapshot of the connection's message window without
// mutating it.
func (l *Limiter) StatusMessage(connID string) Status {
	return l.status(l.messages, connID, l.cfg.MessageLimit)
}

func (l *Limiter) status(table map[string]*entry, key string, limit int) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limit = l.effectiveLimit(limit)

	e, ok := table[key]
	if !ok || now.Sub(e.windowStart) >= l.cfg.Window || now.Before(e.windowStart) {
		return Status{Count: 0, Limit: limit, Remaining: limit, ResetAt: now.Add(l.cfg.Window)}
	}

	remaining := limit - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Count:     e.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   e.windowStart.Add(l.cfg.Window),
	}
}

// Release removes a connection's message-window state. Called on disconnect.
func (l *Limiter) Release(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.messages, connID)
}

// Allow adds a key to the allow list. Allow-listed keys bypass counting.
func (l *Limiter) Allow(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allow[key] = struct{}{}
}

// RemoveAllow removes a key from the allow list.
func (l *Limiter) RemoveAllow(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.allow, key)
}

// Deny adds a key to the deny list. Denied keys are rejected before counting.
func (l *Limiter) Deny(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deny[key] = struct{}{}
}

// RemoveDeny removes a key from the deny list.
func (l *Limiter) RemoveDeny(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.deny, key)
}

// Run sweeps idle entries from both tables until the context is cancelled.
// Entries whose last activity is older than one window are removed.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes entries idle for longer than one window. A panic while
// sweeping one table must not prevent the other from being swept.
func (l *Limiter) sweep() {
	for _, table := range []map[string]*entry{l.connections, l.messages} {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error().Interface("panic", r).Msg("Rate limit sweep failed")
				}
			}()
			l.mu.Lock()
			defer l.mu.Unlock()
			cutoff := l.now().Add(-l.cfg.Window)
			for key, e := range table {
				if e.lastActivity.Before(cutoff) {
					delete(table, key)
				}
			}
		}()
	}
}
