// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package constants provides centralized, immutable values for the entire
platform.

It defines default timeouts, rate limits, and cross-cutting keys that are
shared between different layers of the system.

Categories:

  - Server Timing: Read/Write/Idle timeouts for the HTTP server.
  - Rate Limiting: Burst capacities and IP tracking TTLs.
  - Security: Token issuer and header names.
  - Events: SSE buffering and session registry keys.
*/
package constants

import "time"

// # Metadata

const (
	AppName    = "featherbone-server"
	AppVersion = "0.1.0-dev"
)

// # Server Timing

const (
	// DefaultReadTimeout is the maximum duration for reading the entire request.
	DefaultReadTimeout = 5 * time.Second

	// DefaultWriteTimeout is the maximum duration before timing out writes of
	// the response. SSE streams opt out of this via per-route overrides.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultIdleTimeout is the maximum amount of time to wait for the next request.
	DefaultIdleTimeout = 120 * time.Second

	// DefaultReadHeaderTimeout is the amount of time allowed to read request headers.
	DefaultReadHeaderTimeout = 2 * time.Second

	// GlobalRequestTimeout is the deadline for the entire request lifecycle.
	GlobalRequestTimeout = 30 * time.Second

	// ShutdownTimeout is how long we wait for in-flight requests during shutdown.
	ShutdownTimeout = 30 * time.Second
)

// # Rate Limiting

const (
	// DefaultRateLimitRPS is the requests per second allowed per IP.
	DefaultRateLimitRPS = 100.0

	// DefaultRateLimitBurst is the maximum burst allowed for the rate limiter.
	DefaultRateLimitBurst = 150

	// RateLimitCleanupInterval is how often old IP entries are removed from memory.
	RateLimitCleanupInterval = 1 * time.Minute

	// RateLimitClientTTL is how long a client must be idle before its entry is deleted.
	RateLimitClientTTL = 3 * time.Minute
)

// # Security

const (
	// AuthIssuer is the standard 'iss' claim in tokens.
	AuthIssuer = "featherbone.app"

	// HeaderXRequestID is the correlation header.
	HeaderXRequestID = "X-Request-ID"

	// HeaderOrigin is the CORS origin header.
	HeaderOrigin = "Origin"

	// HeaderAuthorization carries the bearer token.
	HeaderAuthorization = "Authorization"
)

// # Events

const (
	// SessionBuffer is the per-session SSE channel capacity. A session whose
	// buffer overflows is disconnected rather than allowed to block fan-out.
	SessionBuffer = 64

	// SessionTTL is how long a session registration survives in Redis
	// without a heartbeat from its SSE connection.
	SessionTTL = 10 * time.Minute

	// RedisPrefixSession maps sessionId to the node currently serving it.
	RedisPrefixSession = "events:session:"

	// HeartbeatInterval paces SSE keep-alive comments and Redis session
	// refreshes; it must stay well under SessionTTL.
	HeartbeatInterval = 30 * time.Second
)
