// Package valkey owns the Valkey client that backs presence state.
package valkey

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/taskwire/taskwire-server/internal/config"
)

// clientName identifies this process in CLIENT LIST output on the server.
const clientName = "taskwire"

// Connect builds a client from the configured URL and verifies it with a ping
// bounded by the dial timeout.
func Connect(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(normalizeScheme(cfg.ValkeyURL))
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	opts.ClientName = clientName
	opts.DialTimeout = cfg.ValkeyDialTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ValkeyDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}

	return client, nil
}

// normalizeScheme rewrites valkey:// to redis://, the only scheme go-redis
// accepts. Other URLs pass through untouched.
func normalizeScheme(rawURL string) string {
	const scheme = "valkey://"
	if len(rawURL) >= len(scheme) && strings.EqualFold(rawURL[:len(scheme)], scheme) {
		return "redis://" + rawURL[len(scheme):]
	}
	return rawURL
}
