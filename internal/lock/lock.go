// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package lock implements advisory record locks.

A lock is a JSON document stored on the object row itself, so it rides
along with every read and survives node restarts. Locks are advisory for
reads and binding for writes: the engine refuses updates and deletes from
any session other than the holder's.
*/
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// Record is the lock document stored on a row.
type Record struct {
	Username  string    `json:"username"`
	SessionID string    `json:"sessionId"`
	NodeID    string    `json:"nodeId"`
	Created   time.Time `json:"created"`
}

// Lock locks the object id for user on the given session. It reports
// whether the lock is held by that session afterwards: re-locking a record
// the session already holds succeeds, locking a record held by another
// session fails without error.
func Lock(ctx context.Context, db tools.DB, nodeID, id, username, sessionID string) (bool, error) {
	if id == "" {
		return false, apperr.Validation("Lock requires an id")
	}
	if sessionID == "" {
		return false, apperr.Validation("Lock requires an event key")
	}

	record := Record{
		Username:  username,
		SessionID: sessionID,
		NodeID:    nodeID,
		Created:   time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("lock: encode: %w", err)
	}

	tag, err := db.Exec(ctx,
		`UPDATE object SET lock = $1 WHERE id = $2 AND lock IS NULL AND NOT is_deleted`,
		payload, id,
	)
	if err != nil {
		return false, fmt.Errorf("lock: acquire: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Either the row is already locked or it does not exist.
	holder, err := Holder(ctx, db, id)
	if err != nil {
		return false, err
	}
	if holder == nil {
		return false, apperr.NotFound("Object", id)
	}
	return holder.SessionID == sessionID, nil
}

// UnlockRequest selects locks to release. At least one criterion must be
// set; criteria combine conjunctively.
type UnlockRequest struct {
	ID        string
	Username  string
	SessionID string
	NodeID    string
}

// Unlock releases every lock matching the criteria and returns the ids of
// the records released.
func Unlock(ctx context.Context, db tools.DB, req UnlockRequest) ([]string, error) {
	params := &tools.Params{}
	where := ""
	and := func(clause string) {
		if where != "" {
			where += " AND "
		}
		where += clause
	}

	if req.ID != "" {
		and("id = " + params.Add(req.ID))
	}
	if req.Username != "" {
		and("lock->>'username' = " + params.Add(req.Username))
	}
	if req.SessionID != "" {
		and("lock->>'sessionId' = " + params.Add(req.SessionID))
	}
	if req.NodeID != "" {
		and("lock->>'nodeId' = " + params.Add(req.NodeID))
	}
	if where == "" {
		return nil, apperr.Validation("Unlock requires at least one criterion")
	}

	sql := fmt.Sprintf(
		`UPDATE object SET lock = NULL WHERE lock IS NOT NULL AND %s RETURNING id`,
		where,
	)
	rows, err := db.Query(ctx, sql, params.Args()...)
	if err != nil {
		return nil, fmt.Errorf("lock: release: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("lock: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Holder returns the current lock on id, or nil when the record exists
// unlocked. A missing record also returns nil.
func Holder(ctx context.Context, db tools.DB, id string) (*Record, error) {
	var raw []byte
	err := db.QueryRow(ctx, `SELECT lock FROM object WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock: read: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	record := &Record{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("lock: decode: %w", err)
	}
	return record, nil
}

// Enforce returns a conflict error when id is locked by a session other
// than sessionID. Writes call this before touching the row.
func Enforce(ctx context.Context, db tools.DB, id, sessionID string) error {
	holder, err := Holder(ctx, db, id)
	if err != nil {
		return err
	}
	if holder == nil || holder.SessionID == sessionID {
		return nil
	}
	return apperr.Conflict("Record is locked by %s", holder.Username)
}
