// Copyright (c) 2026 Featherbone. All rights reserved.

package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
)

// NoRelation is the surrogate-key sentinel stored when a to-one relation
// is empty.
const NoRelation int64 = -1

// KeyQuery describes a logical-id or filtered surrogate-key lookup.
type KeyQuery struct {
	// Name is the feather whose table is probed.
	Name string
	// ID limits the lookup to one logical id. Mutually exclusive with
	// Filter.
	ID string
	// Filter selects a key set per the filter model.
	Filter *Filter
	// ShowDeleted includes soft-deleted rows.
	ShowDeleted bool
	// User is the principal authorization is evaluated for.
	User string
	// Action is the grant checked (canRead unless stated otherwise).
	Action string
	// IsSuperUser bypasses the authorization clause.
	IsSuperUser bool
}

// GetKey resolves a single logical id to its surrogate key, honoring
// authorization. Returns [apperr.NotFound] when no visible row matches.
func GetKey(ctx context.Context, db DB, source FeatherSource, query KeyQuery) (int64, error) {
	query.Filter = nil
	keys, err := getKeys(ctx, db, source, query, true)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, apperr.NotFound("Object", query.ID)
	}
	return keys[0], nil
}

// GetKeys resolves a filter to the matching surrogate keys, honoring
// authorization and the filter model (criteria, sort, offset, limit).
func GetKeys(ctx context.Context, db DB, source FeatherSource, query KeyQuery) ([]int64, error) {
	return getKeys(ctx, db, source, query, false)
}

func getKeys(ctx context.Context, db DB, source FeatherSource, query KeyQuery, single bool) ([]int64, error) {
	f, err := source.Feather(ctx, query.Name, true)
	if err != nil {
		return nil, err
	}

	action := query.Action
	if action == "" {
		action = "canRead"
	}

	params := &Params{}
	joins := NewJoins("t")
	table := Ident(TableOf(f.Name))

	conditions := []string{}
	if !query.ShowDeleted {
		conditions = append(conditions, "NOT t.is_deleted")
	}

	if single {
		conditions = append(conditions, "t.id = "+params.Add(query.ID))
	} else if query.Filter != nil {
		criteria, err := BuildWhere(ctx, source, f, query.Filter.Criteria, params, joins)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, criteria...)
	}

	if !query.IsSuperUser {
		authClause, err := BuildAuthSQL(action, "t", f.Name, query.User, params)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, authClause)
	}

	sql := fmt.Sprintf("SELECT t.%s FROM %s t", PKCol(), table)
	sql += joins.SQL()
	if len(conditions) > 0 {
		sql += " WHERE " + strings.Join(conditions, " AND ")
	}

	if !single && query.Filter != nil {
		orderBy, err := ProcessSort(ctx, source, f, query.Filter.Sort, joins)
		if err != nil {
			return nil, err
		}
		sql += " " + orderBy

		if query.Filter.Limit != nil {
			sql += " LIMIT " + params.Add(*query.Filter.Limit)
		}
		if query.Filter.Offset != nil {
			sql += " OFFSET " + params.Add(*query.Filter.Offset)
		}
	}

	rows, err := db.Query(ctx, sql, params.Args()...)
	if err != nil {
		return nil, fmt.Errorf("tools: key query failed: %w", err)
	}
	defer rows.Close()

	var keys []int64
	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("tools: key scan failed: %w", err)
		}
		keys = append(keys, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tools: key rows failed: %w", err)
	}

	return keys, nil
}

// PKForID resolves a logical id to its surrogate key in the root object
// table without an authorization check. Used internally for relation
// resolution, where visibility was already established by the caller.
func PKForID(ctx context.Context, db DB, id string) (int64, error) {
	var pk int64
	err := db.QueryRow(ctx, "SELECT _pk FROM object WHERE id = $1", id).Scan(&pk)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NoRelation, nil
		}
		return 0, fmt.Errorf("tools: pk lookup failed: %w", err)
	}
	return pk, nil
}
