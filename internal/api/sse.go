// Copyright (c) 2026 Featherbone. All rights reserved.

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jrogelstad/featherbone-server/internal/events"
	"github.com/jrogelstad/featherbone-server/internal/lock"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/platform/constants"
	"github.com/jrogelstad/featherbone-server/internal/platform/respond"
)

// # Event Streaming

// handleSSEBootstrap mints a session and registers it against this node.
// The event key doubles as the session id: one identifier correlates
// subscriptions, locks, and the stream.
func (s *Server) handleSSEBootstrap(writer http.ResponseWriter, request *http.Request) {
	sessionID := uuid.NewString()

	if err := s.sessions.Register(request.Context(), sessionID, s.cfg.NodeID); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{
		"sessionId": sessionID,
		"eventKey":  sessionID,
	})
}

// handleSSEStream serves the server-sent event stream for one session.
// Closing the connection tears the session down: its subscriptions,
// locks, and registry entry all go with it.
func (s *Server) handleSSEStream(writer http.ResponseWriter, request *http.Request) {
	sessionID := chi.URLParam(request, "sessionId")

	node, err := s.sessions.Lookup(request.Context(), sessionID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	if node == "" {
		respond.Error(writer, request, apperr.NotFound("Session", sessionID))
		return
	}

	flusher, ok := writer.(http.Flusher)
	if !ok {
		respond.Error(writer, request, apperr.Internal(fmt.Errorf("streaming unsupported")))
		return
	}

	messages := s.hub.Register(sessionID)
	defer s.teardownSession(sessionID)

	header := writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	writer.WriteHeader(http.StatusOK)

	fmt.Fprintf(writer, ": connected %s\n\n", sessionID)
	flusher.Flush()

	heartbeat := time.NewTicker(constants.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-request.Context().Done():
			return

		case payload, open := <-messages:
			// A closed channel means the hub dropped this session, either
			// for overflow or because a newer stream replaced it.
			if !open {
				return
			}
			fmt.Fprintf(writer, "data: %s\n\n", payload)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(writer, ": heartbeat\n\n")
			flusher.Flush()
			if err := s.sessions.Refresh(request.Context(), sessionID); err != nil {
				s.logger.Warn("session refresh failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// teardownSession cleans up everything keyed to a disconnected session.
// The request context is gone by now, so cleanup gets its own deadline.
func (s *Server) teardownSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.hub.Unregister(sessionID)

	if err := s.events.Unsubscribe(ctx, s.pool, sessionID, events.ScopeSession); err != nil {
		s.logger.Error("session unsubscribe failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	if _, err := lock.Unlock(ctx, s.pool, lock.UnlockRequest{SessionID: sessionID}); err != nil {
		s.logger.Error("session unlock failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.sessions.Remove(ctx, sessionID); err != nil {
		s.logger.Error("session remove failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}
