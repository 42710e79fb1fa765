// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package redis provides a managed client for volatile data storage.

The engine uses it as the SSE session registry: each bootstrap call maps a
sessionId to the node currently serving it with a TTL, so reconnects land
on the right node and dead sessions age out without cleanup jobs.

Core Responsibilities:

  - Volatility: Handles data with TTL (Time-To-Live).
  - Speed: Low-latency session lookups off the primary database.
  - Safety: Manages connection pooling and retry logic automatically.
*/
package redis

import (
	stdctx "context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrogelstad/featherbone-server/internal/platform/constants"
)

// Opinionated default timeouts for Redis operations.
const (
	dialTimeout  = 3 * time.Second
	readTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
	pingTimeout  = 2 * time.Second
)

// NewClient parses a Redis URL and returns a ready-to-use client.
//
// # Parameters
//   - context: Context for the initial ping.
//   - redisURL: Redis connection URL.
//   - logger: Structured logger for connection events.
func NewClient(context stdctx.Context, redisURL string, logger *slog.Logger) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}

	// Pool configuration tuning
	options.PoolSize = 10
	options.MinIdleConns = 2
	options.MaxIdleConns = 5

	options.DialTimeout = dialTimeout
	options.ReadTimeout = readTimeout
	options.WriteTimeout = writeTimeout

	client := redis.NewClient(options)

	// Validate connectivity immediately at startup.
	if err := Ping(context, client); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("redis client connected",
		slog.String("addr", options.Addr),
		slog.Int("pool_size", options.PoolSize),
	)

	return client, nil
}

// Ping verifies that the Redis client is healthy.
func Ping(context stdctx.Context, client *redis.Client) error {
	pingCtx, cancel := stdctx.WithTimeout(context, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}

	return nil
}

// # Session Registry

// SessionRegistry maps SSE session ids to the node serving them.
type SessionRegistry struct {
	client *redis.Client
}

// NewSessionRegistry wraps a Redis client as a [SessionRegistry].
func NewSessionRegistry(client *redis.Client) *SessionRegistry {
	return &SessionRegistry{client: client}
}

// Register records that sessionID is served by nodeID, with a TTL that the
// SSE stream refreshes while the connection stays open.
func (r *SessionRegistry) Register(ctx stdctx.Context, sessionID, nodeID string) error {
	key := constants.RedisPrefixSession + sessionID
	if err := r.client.Set(ctx, key, nodeID, constants.SessionTTL).Err(); err != nil {
		return fmt.Errorf("redis: register session: %w", err)
	}
	return nil
}

// Refresh extends the TTL for an open session.
func (r *SessionRegistry) Refresh(ctx stdctx.Context, sessionID string) error {
	key := constants.RedisPrefixSession + sessionID
	if err := r.client.Expire(ctx, key, constants.SessionTTL).Err(); err != nil {
		return fmt.Errorf("redis: refresh session: %w", err)
	}
	return nil
}

// Lookup returns the node currently serving sessionID, or "" when the
// session is unknown or expired.
func (r *SessionRegistry) Lookup(ctx stdctx.Context, sessionID string) (string, error) {
	key := constants.RedisPrefixSession + sessionID
	node, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis: lookup session: %w", err)
	}
	return node, nil
}

// Remove drops a session registration on disconnect.
func (r *SessionRegistry) Remove(ctx stdctx.Context, sessionID string) error {
	key := constants.RedisPrefixSession + sessionID
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: remove session: %w", err)
	}
	return nil
}
