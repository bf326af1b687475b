package gateway

import "errors"

// Sentinel errors for gateway failure modes. Each maps to a wire error code or
// close code.
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection is closed")
	ErrChannelUnknown     = errors.New("unknown channel")
	ErrSubscriptionDenied = errors.New("subscription to channel not permitted")
	ErrSubscriptionLimit  = errors.New("subscription limit reached")
	ErrQueueFull          = errors.New("outbound queue full")
	ErrDraining           = errors.New("server is draining")
)
