// Package presence provides ephemeral user presence state backed by Valkey.
// Presence keys carry a TTL refreshed by gateway heartbeats, so a user whose
// connection silently dies drops to offline once the TTL lapses.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// presenceTTL is the lifetime of a presence key. Heartbeats refresh this
	// TTL so keys expire only when the client stops heartbeating.
	presenceTTL = 120 * time.Second

	// StatusOnline indicates the user is actively connected.
	StatusOnline = "online"
	// StatusAway indicates the user is connected but inactive.
	StatusAway = "away"
	// StatusOffline is the implicit status when no presence key exists.
	StatusOffline = "offline"
)

// Store reads and writes ephemeral presence state in Valkey.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a new presence store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Set stores the user's presence status with the standard TTL. Setting
// offline deletes the key instead, since offline is represented by absence.
func (s *Store) Set(ctx context.Context, userID, status string) error {
	if status == StatusOffline {
		return s.Delete(ctx, userID)
	}
	if err := s.rdb.Set(ctx, presenceKey(userID), status, presenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's current presence status. If the key does not exist
// the user is considered offline.
func (s *Store) Get(ctx context.Context, userID string) (string, error) {
	val, err := s.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("get presence for %s: %w", userID, err)
	}
	return val, nil
}

// Refresh extends the TTL of an existing presence key without changing the
// stored status.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	if err := s.rdb.Expire(ctx, presenceKey(userID), presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

// Delete removes the user's presence key. After deletion the user is
// considered offline.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	return nil
}

func presenceKey(userID string) string {
	return "presence:" + userID
}
