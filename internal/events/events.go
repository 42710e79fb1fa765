// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package events implements the subscription and notification bus.

# Architecture

  - Subscriptions: rows in "$subscription" expressing interest in an
    object id or a feather name, keyed by node + session + subscription.
  - Notify: runs after a pipeline commit; for every changed record it
    finds the nodes holding a matching subscription and posts one
    pg_notify per node.
  - Listener (listen.go): one long-lived connection per node dedicated to
    LISTEN; payloads fan out in-process to per-session SSE sinks held by
    the [Hub].

Notifications are emitted only after commit, so a subscriber never
observes a change earlier than the transaction that produced it.
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// Subscription identifies a client's interest registration.
type Subscription struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	NodeID    string `json:"nodeId"`
	// Merge keeps prior targets of the same subscription id; by default a
	// re-subscribe replaces them.
	Merge bool `json:"merge,omitempty"`
}

// Envelope is the payload written to SSE sinks and carried over NOTIFY.
type Envelope struct {
	Message Message `json:"message"`
}

// Message is the inner notification body.
type Message struct {
	Subscription Subscription `json:"subscription"`
	// Action is one of create, update, delete.
	Action string `json:"action"`
	// Data is the sanitized object, or the object id for deletes.
	Data any `json:"data"`
}

// Service maintains subscription rows and emits notifications.
type Service struct {
	nodeID string
}

// New constructs an event service for this node.
func New(nodeID string) *Service {
	return &Service{nodeID: nodeID}
}

// # Subscription Maintenance

// Subscribe registers interest in the given object ids and, optionally, a
// feather name so that inserts notify even when no id pre-exists. Unless
// sub.Merge is set, prior targets of the subscription are dropped first.
func (s *Service) Subscribe(ctx context.Context, db tools.DB, sub Subscription, ids []string, featherName string) error {
	if sub.ID == "" || sub.SessionID == "" {
		return apperr.Validation("Subscribe requires a subscription id and session id")
	}
	if sub.NodeID == "" {
		sub.NodeID = s.nodeID
	}

	if !sub.Merge {
		_, err := db.Exec(ctx, `
			DELETE FROM "$subscription"
			WHERE node_id = $1 AND session_id = $2 AND subscription_id = $3`,
			sub.NodeID, sub.SessionID, sub.ID,
		)
		if err != nil {
			return fmt.Errorf("events: clear subscription: %w", err)
		}
	}

	targets := make([]string, 0, len(ids)+1)
	targets = append(targets, ids...)
	if featherName != "" {
		targets = append(targets, featherName)
	}

	for _, target := range targets {
		_, err := db.Exec(ctx, `
			INSERT INTO "$subscription" (node_id, session_id, subscription_id, target)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`,
			sub.NodeID, sub.SessionID, sub.ID, target,
		)
		if err != nil {
			return fmt.Errorf("events: subscribe %s: %w", target, err)
		}
	}
	return nil
}

// UnsubscribeScope selects how much of the subscription table one
// unsubscribe call clears.
type UnsubscribeScope string

const (
	ScopeSubscription UnsubscribeScope = "subscription"
	ScopeSession      UnsubscribeScope = "session"
	ScopeNode         UnsubscribeScope = "node"
)

// Unsubscribe deletes subscription rows at the given scope. An empty id
// resolves without error.
func (s *Service) Unsubscribe(ctx context.Context, db tools.DB, id string, scope UnsubscribeScope) error {
	if id == "" {
		return nil
	}

	var sql string
	switch scope {
	case ScopeSubscription, "":
		sql = `DELETE FROM "$subscription" WHERE subscription_id = $1`
	case ScopeSession:
		sql = `DELETE FROM "$subscription" WHERE session_id = $1`
	case ScopeNode:
		sql = `DELETE FROM "$subscription" WHERE node_id = $1`
	default:
		return apperr.Validation("Unknown unsubscribe scope %s", scope)
	}

	if _, err := db.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("events: unsubscribe: %w", err)
	}
	return nil
}

// # Notification

// Change is one committed mutation to broadcast.
type Change struct {
	// ID is the changed object's id.
	ID string
	// Feathers is the object's inheritance chain; subscriptions on any
	// ancestor name match.
	Feathers []string
	// Action is one of create, update, delete.
	Action string
	// Data is the sanitized object (the id alone for deletes).
	Data any
}

// Notify posts one pg_notify per node holding a subscription matching the
// change. Call only after the producing transaction has committed.
func (s *Service) Notify(ctx context.Context, db tools.DB, change Change) error {
	targets := append([]string{change.ID}, change.Feathers...)

	rows, err := db.Query(ctx, `
		SELECT DISTINCT node_id, session_id, subscription_id
		FROM "$subscription"
		WHERE target = ANY($1)`,
		targets,
	)
	if err != nil {
		return fmt.Errorf("events: match subscriptions: %w", err)
	}
	defer rows.Close()

	var matches []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.NodeID, &sub.SessionID, &sub.ID); err != nil {
			return fmt.Errorf("events: scan subscription: %w", err)
		}
		matches = append(matches, sub)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, sub := range matches {
		envelope := Envelope{Message: Message{
			Subscription: sub,
			Action:       change.Action,
			Data:         change.Data,
		}}
		payload, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("events: encode notification: %w", err)
		}
		if _, err := db.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel(sub.NodeID), string(payload)); err != nil {
			return fmt.Errorf("events: notify %s: %w", sub.NodeID, err)
		}
	}
	return nil
}

// Channel returns the LISTEN channel name for a node.
func Channel(nodeID string) string {
	return "node_" + nodeID
}
