// Copyright (c) 2026 Featherbone. All rights reserved.

package crud

import (
	"context"
	"fmt"

	"github.com/jrogelstad/featherbone-server/internal/authz"
	"github.com/jrogelstad/featherbone-server/internal/lock"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// Delete removes one object and, recursively in the same transaction,
// every row its parentOf arrays own. Soft deletes flag the rows; hard
// deletes remove them physically, private composites included.
func (e *Engine) Delete(ctx context.Context, db tools.DB, req Request) (bool, error) {
	f, err := e.fetch(ctx, db, req)
	if err != nil {
		return false, err
	}
	if f.IsReadOnly && !req.IsSuperUser {
		return false, apperr.Validation("Feather %s is read only", f.Name)
	}

	if !req.IsSuperUser && !req.IsChild {
		allowed, err := e.authz.IsAuthorized(ctx, db, authz.CheckRequest{
			Action:  "canDelete",
			Feather: f.Name,
			ID:      req.ID,
			User:    req.User,
		})
		if err != nil {
			return false, err
		}
		if !allowed {
			return false, apperr.Unauthorized("Not authorized")
		}
	}

	old, err := e.selectByID(ctx, db, f, req.ID, true)
	if err != nil {
		return false, err
	}
	if deleted, _ := old["isDeleted"].(bool); deleted && !req.IsHard {
		return false, apperr.NotFound("Object", req.ID)
	}

	if err := lock.Enforce(ctx, db, req.ID, req.EventKey); err != nil {
		return false, err
	}

	for _, name := range f.PropertyOrder {
		prop := f.Properties[name]

		switch {
		case prop.IsToMany():
			items, _ := old[name].([]any)
			for _, item := range items {
				child, _ := item.(map[string]any)
				childID, _ := child["id"].(string)
				if childID == "" {
					continue
				}
				if err := e.deleteChild(ctx, db, req, prop.Type.Relation.Feather, childID); err != nil {
					return false, err
				}
			}

		case prop.IsComposite() && req.IsHard:
			child, _ := old[name].(map[string]any)
			childID, _ := child["id"].(string)
			if childID == "" {
				continue
			}
			if err := e.deleteChild(ctx, db, req, prop.Type.Relation.Feather, childID); err != nil {
				return false, err
			}
		}
	}

	key, err := tools.GetKey(ctx, db, source{db: db, defs: e.catalog}, tools.KeyQuery{
		Name:        req.Name,
		ID:          req.ID,
		ShowDeleted: true,
		IsSuperUser: true,
	})
	if err != nil {
		return false, err
	}

	table := tools.Ident(tools.TableOf(f.Name))
	if req.IsHard {
		// Removing a folder permanently revokes the member grants it had
		// pushed into its subtree.
		if e.isFolder(ctx, f.Name) {
			err := e.authz.PropagateAuth(ctx, db, authz.PropagateRequest{FolderID: req.ID, IsDeleted: true})
			if err != nil {
				return false, err
			}
		}
		sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table, tools.PKCol())
		if _, err := db.Exec(ctx, sql, key); err != nil {
			return false, fmt.Errorf("crud: delete %s: %w", f.Name, err)
		}
	} else {
		sql := fmt.Sprintf(
			"UPDATE %s SET is_deleted = true, lock = NULL, updated = now(), updated_by = $1 WHERE %s = $2",
			table, tools.PKCol(),
		)
		if _, err := db.Exec(ctx, sql, req.User, key); err != nil {
			return false, fmt.Errorf("crud: soft delete %s: %w", f.Name, err)
		}
	}

	if err := writeLog(ctx, db, req.ID, "DELETE", req.User, old); err != nil {
		return false, err
	}
	e.recordChange(ctx, req, "delete", req.ID)

	return true, nil
}

// deleteChild recurses Delete for one owned row.
func (e *Engine) deleteChild(ctx context.Context, db tools.DB, parent Request, featherName, id string) error {
	_, err := e.Delete(ctx, db, Request{
		Name:        featherName,
		ID:          id,
		User:        parent.User,
		EventKey:    parent.EventKey,
		IsChild:     true,
		IsHard:      parent.IsHard,
		IsSuperUser: parent.IsSuperUser,
		Changes:     parent.Changes,
	})
	return err
}
