// Copyright (c) 2026 Featherbone. All rights reserved.

package crud

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wI2L/jsondiff"

	"github.com/jrogelstad/featherbone-server/internal/authz"
	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// systemProps are assigned by the engine, never from request data.
var systemProps = map[string]bool{
	"id":        true,
	"created":   true,
	"createdBy": true,
	"updated":   true,
	"updatedBy": true,
	"isDeleted": true,
	"lock":      true,
	"etag":      true,
}

// Insert creates one object, recursing into composite children and
// parentOf arrays inside the same transaction. The result is a JSON-patch
// from the request body to the persisted record.
func (e *Engine) Insert(ctx context.Context, db tools.DB, req Request) (json.RawMessage, error) {
	f, err := e.fetch(ctx, db, req)
	if err != nil {
		return nil, err
	}
	if f.IsReadOnly && !req.IsSuperUser {
		return nil, apperr.Validation("Feather %s is read only", f.Name)
	}

	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	if err := rejectUnknown(f, data); err != nil {
		return nil, err
	}

	if req.ID == "" {
		if id, _ := data["id"].(string); id != "" {
			req.ID = id
		} else {
			req.ID = newID()
		}
	}
	data["id"] = req.ID

	// Snapshot the caller's body before recursion stamps back-references
	// into it; the returned patch is computed against this.
	snapshot, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("crud: snapshot request: %w", err)
	}

	if name, prop, ok := naturalKey(f); ok {
		if err := e.checkNaturalKey(ctx, db, f, name, prop, data[name]); err != nil {
			return nil, err
		}
	}

	if !req.IsSuperUser && !req.IsChild {
		allowed, err := e.authz.IsAuthorized(ctx, db, authz.CheckRequest{
			Action:  "canCreate",
			Feather: f.Name,
			Folder:  folderID(f, data),
			User:    req.User,
		})
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, apperr.Unauthorized("Not authorized")
		}
	}

	pk, err := nextPK(ctx, db)
	if err != nil {
		return nil, err
	}

	params := &tools.Params{}
	columns := []string{"_pk", "id", "created", "created_by", "updated", "updated_by", "is_deleted", "lock", "etag"}
	values := []string{
		params.Add(pk),
		params.Add(req.ID),
		"now()", params.Add(req.User),
		"now()", params.Add(req.User),
		"false", "NULL",
		params.Add(newID()),
	}

	type pending struct {
		rel   *feather.Relation
		items []any
	}
	var children []pending

	for _, name := range f.PropertyOrder {
		if systemProps[name] {
			continue
		}
		prop := f.Properties[name]
		value, provided := data[name]

		switch {
		case prop.IsToMany():
			items, _ := value.([]any)
			children = append(children, pending{rel: prop.Type.Relation, items: items})
			continue

		case prop.IsComposite():
			childPK := tools.NoRelation
			if child, ok := value.(map[string]any); ok {
				childID, err := e.insertChild(ctx, db, req, prop.Type.Relation.Feather, child)
				if err != nil {
					return nil, err
				}
				childPK, err = tools.PKForID(ctx, db, childID)
				if err != nil {
					return nil, err
				}
			}
			columns = append(columns, tools.Ident(tools.ColumnOf(name)))
			values = append(values, params.Add(childPK))
			continue

		case prop.IsToOne():
			target, err := resolveToOne(ctx, db, value)
			if err != nil {
				return nil, err
			}
			columns = append(columns, tools.Ident(tools.ColumnOf(name)))
			values = append(values, params.Add(target))
			continue

		case prop.Autonumber != nil:
			generated, err := nextAutonumber(ctx, db, prop.Autonumber)
			if err != nil {
				return nil, err
			}
			columns = append(columns, tools.Ident(tools.ColumnOf(name)))
			values = append(values, params.Add(generated))
			continue
		}

		if !provided {
			value = e.resolveDefault(req.User, prop)
		}
		columns = append(columns, tools.Ident(tools.ColumnOf(name)))

		switch {
		case prop.IsMoney():
			amount, currency, effective, base := e.moneyParts(value)
			values = append(values, fmt.Sprintf("ROW(%s, %s, %s, %s)::money_composite",
				params.Add(amount), params.Add(currency), params.Add(effective), params.Add(base)))
		case prop.Type.Scalar == "object" || prop.Type.Scalar == "array":
			encoded, err := encodeJSON(value)
			if err != nil {
				return nil, err
			}
			values = append(values, params.Add(encoded))
		default:
			values = append(values, params.Add(value))
		}
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		tools.Ident(tools.TableOf(f.Name)),
		strings.Join(columns, ", "),
		strings.Join(values, ", "),
	)
	if _, err := db.Exec(ctx, sql, params.Args()...); err != nil {
		return nil, fmt.Errorf("crud: insert %s: %w", f.Name, err)
	}

	// Children go in after the parent row so triggers reading the parent
	// inside the transaction see it.
	for _, group := range children {
		for _, item := range group.items {
			child, ok := item.(map[string]any)
			if !ok {
				return nil, apperr.Validation("Array property of %s must contain objects", f.Name)
			}
			child[group.rel.ParentOf] = pk
			if _, err := e.insertChild(ctx, db, req, group.rel.Feather, child); err != nil {
				return nil, err
			}
		}
	}

	persisted, err := e.selectByID(ctx, db, f, req.ID, true)
	if err != nil {
		return nil, err
	}

	if err := writeLog(ctx, db, req.ID, "POST", req.User, persisted); err != nil {
		return nil, err
	}

	if e.isFolder(ctx, f.Name) {
		if parent := folderID(f, data); parent != "" {
			err := e.authz.PropagateAuth(ctx, db, authz.PropagateRequest{FolderID: parent})
			if err != nil {
				return nil, err
			}
		}
	}

	e.recordChange(ctx, req, "create", persisted)

	persistedJSON, err := json.Marshal(persisted)
	if err != nil {
		return nil, fmt.Errorf("crud: encode persisted: %w", err)
	}
	// Diff against the caller's pre-trigger intent when the pipeline
	// carried one; otherwise the body snapshot is the intent.
	baseline := snapshot
	if len(req.CacheRec) > 0 {
		baseline = req.CacheRec
	}
	patch, err := jsondiff.CompareJSON(baseline, persistedJSON)
	if err != nil {
		return nil, fmt.Errorf("crud: diff result: %w", err)
	}
	return json.Marshal(patch)
}

// insertChild recurses Insert for a composite or parentOf element and
// returns the child's id.
func (e *Engine) insertChild(ctx context.Context, db tools.DB, parent Request, featherName string, data map[string]any) (string, error) {
	child := Request{
		Name:        featherName,
		Data:        data,
		User:        parent.User,
		EventKey:    parent.EventKey,
		IsChild:     true,
		IsSuperUser: parent.IsSuperUser,
		Changes:     parent.Changes,
	}
	if id, _ := data["id"].(string); id != "" {
		child.ID = id
	}
	if _, err := e.Insert(ctx, db, child); err != nil {
		return "", err
	}
	id, _ := data["id"].(string)
	return id, nil
}

// folderID extracts the id of the folder the record is being attached to,
// when the feather declares a to-one relation into the folder feather.
func folderID(f *feather.Feather, data map[string]any) string {
	for _, name := range f.PropertyOrder {
		prop := f.Properties[name]
		if !prop.IsToOne() || prop.Type.Relation.Feather != authz.FolderFeather {
			continue
		}
		switch v := data[name].(type) {
		case string:
			return v
		case map[string]any:
			id, _ := v["id"].(string)
			return id
		}
	}
	return ""
}

// subscribeResults registers read results when a subscription rode along.
func (e *Engine) subscribeResults(ctx context.Context, db tools.DB, req Request, ids []string) error {
	if req.Subscription == nil {
		return nil
	}
	return e.events.Subscribe(ctx, db, *req.Subscription, ids, watchedFeather(req))
}

// watchedFeather names the feather an unconstrained list read also
// watches, so late-arriving rows stream. Filtered reads watch only their
// result ids; a criteria-bearing filter cannot vouch for future rows.
func watchedFeather(req Request) string {
	if req.ID != "" {
		return ""
	}
	if req.Filter != nil && len(req.Filter.Criteria) > 0 {
		return ""
	}
	return req.Name
}
