// Copyright (c) 2026 Featherbone. All rights reserved.

package crud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/jrogelstad/featherbone-server/internal/authz"
	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/lock"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// Update applies an RFC 6902 patch to one object. Composite children and
// parentOf arrays are reconciled in lockstep. The result is a JSON-patch
// from the caller's intended record to the persisted one, so clients
// reconcile trigger mutations without a second read.
func (e *Engine) Update(ctx context.Context, db tools.DB, req Request) (json.RawMessage, error) {
	var ops []any
	if len(req.Patch) > 0 {
		if err := json.Unmarshal(req.Patch, &ops); err != nil {
			return nil, apperr.Validation("Patch must be a JSON array of operations")
		}
	}
	if len(ops) == 0 {
		return json.RawMessage("[]"), nil
	}

	f, err := e.fetch(ctx, db, req)
	if err != nil {
		return nil, err
	}
	if f.IsReadOnly && !req.IsSuperUser {
		return nil, apperr.Validation("Feather %s is read only", f.Name)
	}

	if !req.IsSuperUser && !req.IsChild {
		allowed, err := e.authz.IsAuthorized(ctx, db, authz.CheckRequest{
			Action:  "canUpdate",
			Feather: f.Name,
			ID:      req.ID,
			User:    req.User,
		})
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, apperr.Unauthorized("Not authorized")
		}
	}

	key, err := tools.GetKey(ctx, db, source{db: db, defs: e.catalog}, tools.KeyQuery{
		Name:        req.Name,
		ID:          req.ID,
		IsSuperUser: true,
	})
	if err != nil {
		return nil, err
	}

	if err := lock.Enforce(ctx, db, req.ID, req.EventKey); err != nil {
		return nil, err
	}

	old, err := e.selectByID(ctx, db, f, req.ID, false)
	if err != nil {
		return nil, err
	}
	if req.ETag != "" {
		if etag, _ := old["etag"].(string); etag != req.ETag {
			return nil, apperr.Conflict("Object updated by another process")
		}
	}

	// Back-pointers to the parent are immutable through the child, so they
	// are held out of the patched document.
	oldRec := stripBackPointers(f, old)
	oldJSON, err := json.Marshal(oldRec)
	if err != nil {
		return nil, fmt.Errorf("crud: encode old record: %w", err)
	}

	decoded, err := jsonpatch.DecodePatch(req.Patch)
	if err != nil {
		return nil, apperr.Validation("Patch is not a valid JSON patch: %v", err)
	}
	newJSON, err := decoded.Apply(oldJSON)
	if err != nil {
		if errors.Is(err, jsonpatch.ErrTestFailed) {
			return nil, apperr.Conflict("Patch test failed: %v", err)
		}
		return nil, apperr.Validation("Patch could not be applied: %v", err)
	}

	newRec := map[string]any{}
	if err := json.Unmarshal(newJSON, &newRec); err != nil {
		return nil, apperr.Validation("Patched record is not an object")
	}
	if err := rejectUnknown(f, newRec); err != nil {
		return nil, err
	}
	if id, _ := newRec["id"].(string); id != req.ID {
		return nil, apperr.Validation("Id may not be changed on %s", f.Name)
	}

	for _, name := range f.PropertyOrder {
		prop := f.Properties[name]
		if prop.IsRequired && newRec[name] == nil {
			return nil, apperr.Validation("%s requires a value on %s", label(name, prop), f.Name)
		}
	}

	if name, prop, ok := naturalKey(f); ok {
		if !reflect.DeepEqual(oldRec[name], newRec[name]) {
			if err := e.checkNaturalKey(ctx, db, f, name, prop, newRec[name]); err != nil {
				return nil, err
			}
		}
	}

	params := &tools.Params{}
	assignments, err := e.buildAssignments(ctx, db, req, f, key, oldRec, newRec, params)
	if err != nil {
		return nil, err
	}

	assignments = append(assignments,
		"updated = now()",
		"updated_by = "+params.Add(req.User),
		"etag = "+params.Add(newID()),
		"lock = NULL",
	)

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		tools.Ident(tools.TableOf(f.Name)),
		strings.Join(assignments, ", "),
		tools.PKCol(), params.Add(key),
	)
	if _, err := db.Exec(ctx, sql, params.Args()...); err != nil {
		return nil, fmt.Errorf("crud: update %s: %w", f.Name, err)
	}

	persisted, err := e.selectByID(ctx, db, f, req.ID, false)
	if err != nil {
		return nil, err
	}
	persistedJSON, err := json.Marshal(persisted)
	if err != nil {
		return nil, fmt.Errorf("crud: encode persisted: %w", err)
	}

	serverChange, err := jsondiff.CompareJSON(oldJSON, persistedJSON)
	if err != nil {
		return nil, fmt.Errorf("crud: server diff: %w", err)
	}
	if err := writeLog(ctx, db, req.ID, "PATCH", req.User, serverChange); err != nil {
		return nil, err
	}

	e.recordChange(ctx, req, "update", persisted)

	cache := req.CacheRec
	if len(cache) == 0 {
		cache = newJSON
	}
	result, err := jsondiff.CompareJSON(cache, persistedJSON)
	if err != nil {
		return nil, fmt.Errorf("crud: result diff: %w", err)
	}
	return json.Marshal(result)
}

// buildAssignments walks the property list comparing old and new values,
// producing SET clauses and reconciling relations.
func (e *Engine) buildAssignments(ctx context.Context, db tools.DB, req Request, f *feather.Feather, parentPK int64, oldRec, newRec map[string]any, params *tools.Params) ([]string, error) {
	var assignments []string

	for _, name := range f.PropertyOrder {
		if systemProps[name] {
			continue
		}
		prop := f.Properties[name]

		switch {
		case prop.IsChildOf():
			continue

		case prop.IsToMany():
			err := e.reconcileChildren(ctx, db, req, prop.Type.Relation, parentPK, oldRec[name], newRec[name])
			if err != nil {
				return nil, err
			}
			continue

		case prop.IsComposite():
			assignment, err := e.reconcileComposite(ctx, db, req, prop.Type.Relation, oldRec[name], newRec[name], params)
			if err != nil {
				return nil, err
			}
			if assignment != "" {
				assignments = append(assignments, tools.Ident(tools.ColumnOf(name))+" = "+assignment)
			}
			continue
		}

		if reflect.DeepEqual(oldRec[name], newRec[name]) {
			continue
		}
		col := tools.Ident(tools.ColumnOf(name))

		switch {
		case prop.IsToOne():
			target, err := resolveToOne(ctx, db, newRec[name])
			if err != nil {
				return nil, err
			}
			assignments = append(assignments, col+" = "+params.Add(target))

		case prop.IsMoney():
			amount, currency, effective, base := e.moneyParts(newRec[name])
			assignments = append(assignments, fmt.Sprintf("%s = ROW(%s, %s, %s, %s)::money_composite",
				col, params.Add(amount), params.Add(currency), params.Add(effective), params.Add(base)))

		case prop.Type.Scalar == "object" || prop.Type.Scalar == "array":
			encoded, err := encodeJSON(newRec[name])
			if err != nil {
				return nil, err
			}
			assignments = append(assignments, col+" = "+params.Add(encoded))

		default:
			assignments = append(assignments, col+" = "+params.Add(newRec[name]))
		}
	}
	return assignments, nil
}

// reconcileComposite writes a private child in lockstep with its parent.
// It returns the SET expression for the parent's column when the child was
// attached or detached.
func (e *Engine) reconcileComposite(ctx context.Context, db tools.DB, req Request, rel *feather.Relation, oldValue, newValue any, params *tools.Params) (string, error) {
	oldChild, _ := oldValue.(map[string]any)
	newChild, _ := newValue.(map[string]any)

	switch {
	case oldChild == nil && newChild == nil:
		return "", nil

	case oldChild == nil:
		childID, err := e.insertChild(ctx, db, req, rel.Feather, newChild)
		if err != nil {
			return "", err
		}
		childPK, err := tools.PKForID(ctx, db, childID)
		if err != nil {
			return "", err
		}
		return params.Add(childPK), nil

	case newChild == nil:
		oldID, _ := oldChild["id"].(string)
		_, err := e.Delete(ctx, db, Request{
			Name:        rel.Feather,
			ID:          oldID,
			User:        req.User,
			EventKey:    req.EventKey,
			IsChild:     true,
			IsHard:      true,
			IsSuperUser: req.IsSuperUser,
			Changes:     req.Changes,
		})
		if err != nil {
			return "", err
		}
		return params.Add(tools.NoRelation), nil
	}

	oldID, _ := oldChild["id"].(string)
	newChildID, _ := newChild["id"].(string)
	if newChildID != "" && newChildID != oldID {
		return "", apperr.Validation("Id may not be changed on child %s", rel.Feather)
	}

	if err := e.patchChild(ctx, db, req, rel.Feather, oldID, oldChild, newChild); err != nil {
		return "", err
	}
	return "", nil
}

// reconcileChildren computes the id set difference between the old and new
// parentOf arrays: missing children are deleted, shared ones patched, new
// ones inserted with the back-reference stamped.
func (e *Engine) reconcileChildren(ctx context.Context, db tools.DB, req Request, rel *feather.Relation, parentPK int64, oldValue, newValue any) error {
	oldItems, _ := oldValue.([]any)
	newItems, _ := newValue.([]any)

	oldByID := make(map[string]map[string]any, len(oldItems))
	for _, item := range oldItems {
		child, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := child["id"].(string); id != "" {
			oldByID[id] = child
		}
	}

	seen := make(map[string]bool, len(newItems))
	for _, item := range newItems {
		child, ok := item.(map[string]any)
		if !ok {
			return apperr.Validation("Array property of %s must contain objects", req.Name)
		}
		id, _ := child["id"].(string)

		if id == "" || oldByID[id] == nil {
			child[rel.ParentOf] = parentPK
			if _, err := e.insertChild(ctx, db, req, rel.Feather, child); err != nil {
				return err
			}
			if id, _ = child["id"].(string); id != "" {
				seen[id] = true
			}
			continue
		}

		seen[id] = true
		if err := e.patchChild(ctx, db, req, rel.Feather, id, oldByID[id], child); err != nil {
			return err
		}
	}

	for id := range oldByID {
		if seen[id] {
			continue
		}
		_, err := e.Delete(ctx, db, Request{
			Name:        rel.Feather,
			ID:          id,
			User:        req.User,
			EventKey:    req.EventKey,
			IsChild:     true,
			IsHard:      req.IsHard,
			IsSuperUser: req.IsSuperUser,
			Changes:     req.Changes,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// patchChild recursively updates one child row from the per-row diff.
func (e *Engine) patchChild(ctx context.Context, db tools.DB, req Request, featherName, id string, oldChild, newChild map[string]any) error {
	oldJSON, err := json.Marshal(oldChild)
	if err != nil {
		return fmt.Errorf("crud: encode child: %w", err)
	}
	newJSON, err := json.Marshal(newChild)
	if err != nil {
		return fmt.Errorf("crud: encode child: %w", err)
	}
	diff, err := jsondiff.CompareJSON(oldJSON, newJSON)
	if err != nil {
		return fmt.Errorf("crud: child diff: %w", err)
	}
	if len(diff) == 0 {
		return nil
	}
	patch, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("crud: encode child diff: %w", err)
	}

	_, err = e.Update(ctx, db, Request{
		Name:        featherName,
		ID:          id,
		Patch:       patch,
		User:        req.User,
		EventKey:    req.EventKey,
		IsChild:     true,
		IsSuperUser: req.IsSuperUser,
		Changes:     req.Changes,
	})
	return err
}

// stripBackPointers removes childOf back-references from a record copy.
func stripBackPointers(f *feather.Feather, record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for key, value := range record {
		if prop, ok := f.Properties[key]; ok && prop.IsChildOf() {
			continue
		}
		out[key] = value
	}
	return out
}
