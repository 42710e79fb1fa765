// Copyright (c) 2026 Featherbone. All rights reserved.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/jrogelstad/featherbone-server/internal/platform/constants"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// # Session Hub

// Hub is the per-node session table mapping session ids to SSE sinks.
// The listener writes into it; SSE handlers read from it.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]chan []byte
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]chan []byte)}
}

// Register creates the sink for a session, replacing any stale one.
func (h *Hub) Register(sessionID string) <-chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.sessions[sessionID]; ok {
		close(old)
	}
	ch := make(chan []byte, constants.SessionBuffer)
	h.sessions[sessionID] = ch
	return ch
}

// Unregister removes and closes a session's sink.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.sessions[sessionID]; ok {
		close(ch)
		delete(h.sessions, sessionID)
	}
}

// Publish writes a payload to a session's sink without blocking. A full
// buffer reports false; the caller is expected to disconnect the session.
func (h *Hub) Publish(sessionID string, payload []byte) bool {
	h.mu.Lock()
	ch, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		// Session lives on another node or already disconnected.
		return true
	}

	select {
	case ch <- payload:
		return true
	default:
		return false
	}
}

// # Listener

// Listener owns the node's dedicated LISTEN connection. The main pool is
// never used for this; notifications arrive on one long-lived conn.
type Listener struct {
	conn   *pgx.Conn
	hub    *Hub
	nodeID string
	logger *slog.Logger
}

// NewListener wraps a dedicated connection. The conn must not be shared
// with any other query traffic.
func NewListener(conn *pgx.Conn, hub *Hub, nodeID string, logger *slog.Logger) *Listener {
	return &Listener{conn: conn, hub: hub, nodeID: nodeID, logger: logger}
}

// Run subscribes to the node channel and dispatches payloads to session
// sinks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	channel := Channel(l.nodeID)
	if _, err := l.conn.Exec(ctx, "LISTEN "+tools.Ident(channel)); err != nil {
		return fmt.Errorf("events: listen %s: %w", channel, err)
	}
	l.logger.Info("event listener started", slog.String("channel", channel))

	for {
		notification, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("events: wait notification: %w", err)
		}

		envelope := Envelope{}
		if err := json.Unmarshal([]byte(notification.Payload), &envelope); err != nil {
			l.logger.Error("discarding malformed notification", slog.String("error", err.Error()))
			continue
		}

		sessionID := envelope.Message.Subscription.SessionID
		if !l.hub.Publish(sessionID, []byte(notification.Payload)) {
			l.logger.Warn("session buffer full, disconnecting",
				slog.String("session_id", sessionID),
			)
			l.hub.Unregister(sessionID)
		}
	}
}
