// Copyright (c) 2026 Featherbone. All rights reserved.

package crud

import (
	"context"
	"fmt"
	"strings"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// Select reads one object (when an id is given) or a filtered list.
// Results are sanitized records with relations resolved: to-one relations
// become embedded objects of their named property list, to-many relations
// become ordered arrays.
func (e *Engine) Select(ctx context.Context, db tools.DB, req Request) (any, error) {
	f, err := e.fetch(ctx, db, req)
	if err != nil {
		return nil, err
	}
	src := source{db: db, defs: e.catalog}

	if req.ID != "" {
		key, err := tools.GetKey(ctx, db, src, tools.KeyQuery{
			Name:        req.Name,
			ID:          req.ID,
			ShowDeleted: req.ShowDeleted,
			User:        req.User,
			IsSuperUser: req.IsSuperUser || req.IsChild,
		})
		if err != nil {
			return nil, err
		}
		records, err := e.selectByKeys(ctx, db, f, []int64{key})
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, apperr.NotFound("Object", req.ID)
		}
		if err := e.subscribeResults(ctx, db, req, []string{req.ID}); err != nil {
			return nil, err
		}
		return records[0], nil
	}

	// An explicit zero limit means the caller wants no rows and no
	// subscription, just the shape of a list response.
	if req.Filter != nil && req.Filter.Limit != nil && *req.Filter.Limit == 0 {
		return []map[string]any{}, nil
	}

	keys, err := tools.GetKeys(ctx, db, src, tools.KeyQuery{
		Name:        req.Name,
		Filter:      req.Filter,
		ShowDeleted: req.ShowDeleted,
		User:        req.User,
		IsSuperUser: req.IsSuperUser || req.IsChild,
	})
	if err != nil {
		return nil, err
	}

	records, err := e.selectByKeys(ctx, db, f, keys)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(records))
	for _, record := range records {
		if id, ok := record["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	if err := e.subscribeResults(ctx, db, req, ids); err != nil {
		return nil, err
	}
	return records, nil
}

// selectByID re-reads one object by id without an authorization clause.
// Write operations use it to return the persisted state.
func (e *Engine) selectByID(ctx context.Context, db tools.DB, f *feather.Feather, id string, showDeleted bool) (map[string]any, error) {
	key, err := tools.GetKey(ctx, db, source{db: db, defs: e.catalog}, tools.KeyQuery{
		Name:        f.Name,
		ID:          id,
		ShowDeleted: showDeleted,
		IsSuperUser: true,
	})
	if err != nil {
		return nil, err
	}
	records, err := e.selectByKeys(ctx, db, f, []int64{key})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperr.NotFound("Object", id)
	}
	return records[0], nil
}

// selectByKeys materializes full records for an ordered key set.
func (e *Engine) selectByKeys(ctx context.Context, db tools.DB, f *feather.Feather, keys []int64) ([]map[string]any, error) {
	if len(keys) == 0 {
		return []map[string]any{}, nil
	}

	names, exprs := selectColumns(f)
	sql := fmt.Sprintf(
		"SELECT t.%s, %s FROM %s t WHERE t.%s = ANY($1) ORDER BY array_position($1, t.%s)",
		tools.PKCol(),
		strings.Join(exprs, ", "),
		tools.Ident(tools.TableOf(f.Name)),
		tools.PKCol(), tools.PKCol(),
	)

	rows, err := db.Query(ctx, sql, keys)
	if err != nil {
		return nil, fmt.Errorf("crud: select %s: %w", f.Name, err)
	}

	type rawRow struct {
		pk     int64
		values []any
	}
	var raw []rawRow
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("crud: scan %s: %w", f.Name, err)
		}
		pk, _ := values[0].(int64)
		raw = append(raw, rawRow{pk: pk, values: values[1:]})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crud: rows %s: %w", f.Name, err)
	}

	records := make([]map[string]any, 0, len(raw))
	for _, row := range raw {
		record := make(map[string]any, len(names)+4)
		for i, name := range names {
			record[name] = row.values[i]
		}
		if err := e.resolveRelations(ctx, db, f, row.pk, record); err != nil {
			return nil, err
		}
		sanitized, _ := tools.Sanitize(record).(map[string]any)
		records = append(records, sanitized)
	}
	return records, nil
}

// selectColumns builds the positional property and column expression lists
// for a merged feather. To-many relations have no column and are resolved
// afterwards.
func selectColumns(f *feather.Feather) (names []string, exprs []string) {
	for _, name := range f.PropertyOrder {
		prop := f.Properties[name]
		if prop.IsToMany() {
			continue
		}

		col := tools.Ident(tools.ColumnOf(name))
		switch {
		case prop.IsMoney():
			exprs = append(exprs, fmt.Sprintf("to_jsonb(t.%s) AS %s", col, col))
		default:
			exprs = append(exprs, "t."+col)
		}
		names = append(names, name)
	}
	return names, exprs
}

// resolveRelations replaces surrogate keys with embedded objects and
// attaches ordered to-many arrays.
func (e *Engine) resolveRelations(ctx context.Context, db tools.DB, f *feather.Feather, pk int64, record map[string]any) error {
	for _, name := range f.PropertyOrder {
		prop := f.Properties[name]

		switch {
		case prop.IsToMany():
			children, err := e.selectChildren(ctx, db, prop.Type.Relation, pk)
			if err != nil {
				return err
			}
			record[name] = children

		case prop.IsToOne():
			target, _ := record[name].(int64)
			if target == tools.NoRelation || target == 0 {
				record[name] = nil
				continue
			}
			embedded, err := e.selectStub(ctx, db, prop.Type.Relation, target)
			if err != nil {
				return err
			}
			record[name] = embedded
		}
	}
	return nil
}

// selectChildren reads a parentOf array: child rows filtered by the
// back-reference, ordered by insertion.
func (e *Engine) selectChildren(ctx context.Context, db tools.DB, rel *feather.Relation, parentPK int64) ([]map[string]any, error) {
	child, err := e.catalog.FeatherTx(ctx, db, rel.Feather, true)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(
		"SELECT c.%s FROM %s c WHERE c.%s = $1 AND NOT c.is_deleted ORDER BY c.%s",
		tools.PKCol(),
		tools.Ident(tools.TableOf(child.Name)),
		tools.Ident(tools.ColumnOf(rel.ParentOf)),
		tools.PKCol(),
	)
	rows, err := db.Query(ctx, sql, parentPK)
	if err != nil {
		return nil, fmt.Errorf("crud: children of %s: %w", rel.Feather, err)
	}
	defer rows.Close()

	var keys []int64
	for rows.Next() {
		var key int64
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("crud: child key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return e.selectByKeys(ctx, db, child, keys)
}

// selectStub reads the named property list of a related object in one
// query. Relation-typed properties inside the list resolve to the related
// id alone, which terminates the recursion.
func (e *Engine) selectStub(ctx context.Context, db tools.DB, rel *feather.Relation, pk int64) (map[string]any, error) {
	related, err := e.catalog.FeatherTx(ctx, db, rel.Feather, true)
	if err != nil {
		return nil, err
	}

	names := rel.Properties
	if len(names) == 0 {
		names = related.PropertyOrder
	}

	stubNames := []string{"id"}
	exprs := []string{"t.id"}
	for _, name := range names {
		if name == "id" {
			continue
		}
		prop, ok := related.Properties[name]
		if !ok || prop.IsToMany() {
			continue
		}
		col := tools.Ident(tools.ColumnOf(name))
		switch {
		case prop.IsToOne():
			exprs = append(exprs, fmt.Sprintf(
				"(SELECT jsonb_build_object('id', o.id) FROM object o WHERE o.%s = t.%s) AS %s",
				tools.PKCol(), col, col,
			))
		case prop.IsMoney():
			exprs = append(exprs, fmt.Sprintf("to_jsonb(t.%s) AS %s", col, col))
		default:
			exprs = append(exprs, "t."+col)
		}
		stubNames = append(stubNames, name)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s t WHERE t.%s = $1",
		strings.Join(exprs, ", "),
		tools.Ident(tools.TableOf(related.Name)),
		tools.PKCol(),
	)

	rows, err := db.Query(ctx, sql, pk)
	if err != nil {
		return nil, fmt.Errorf("crud: stub %s: %w", related.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("crud: stub values: %w", err)
	}

	stub := make(map[string]any, len(stubNames))
	for i, name := range stubNames {
		stub[name] = values[i]
	}
	sanitized, _ := tools.Sanitize(stub).(map[string]any)
	return sanitized, nil
}
