// Copyright (c) 2026 Featherbone. All rights reserved.

package tools

import (
	"fmt"

	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
)

// authActions are the grant flags BuildAuthSQL may test. canCreate is
// checked against the feather row directly by the authorization component,
// never as a row filter.
var authActions = map[string]bool{
	"can_read":   true,
	"can_update": true,
	"can_delete": true,
}

// MemberRolesSQL returns a subquery yielding the surrogate keys of every
// role the user is a transitive member of, walking role-in-role edges with
// a recursive CTE.
func MemberRolesSQL(params *Params, username string) string {
	user := params.Add(username)
	return fmt.Sprintf(`(
		WITH RECURSIVE member_roles AS (
			SELECT rm.role_pk
			FROM role_member rm
			WHERE rm.member = %s
			UNION
			SELECT rm.role_pk
			FROM role_member rm
			JOIN role r ON rm.member = r.name
			JOIN member_roles mr ON r._pk = mr.role_pk
		)
		SELECT role_pk FROM member_roles
	)`, user)
}

// BuildAuthSQL returns a WHERE fragment restricting alias's rows to those
// the user may act on.
//
// The candidate surrogate-key set is intersected with rows granted to any
// role the user transitively belongs to — either directly on the object or
// by class on the feather's catalog row — and explicit non-inherited
// denies on the object are then subtracted.
//
// action is the camelCase grant name: canRead, canUpdate or canDelete.
// Super-user requests skip this function entirely.
func BuildAuthSQL(action, alias, featherName, username string, params *Params) (string, error) {
	column := ColumnOf(action)
	if !authActions[column] {
		return "", apperr.Validation("Invalid argument: unknown authorization action %q", action)
	}

	roles := MemberRolesSQL(params, username)
	featherParam := params.Add(featherName)

	clause := fmt.Sprintf(`(%[1]s.%[2]s IN (
		SELECT a.object_pk FROM "$auth" a
		WHERE a.%[3]s
		  AND a.role_pk IN %[4]s
	)
	OR EXISTS (
		SELECT 1 FROM "$auth" a
		JOIN "$feather" f ON f._pk = a.object_pk
		WHERE f.name = %[5]s
		  AND a.%[3]s
		  AND a.role_pk IN %[4]s
	))
	AND NOT EXISTS (
		SELECT 1 FROM "$auth" a
		WHERE a.object_pk = %[1]s.%[2]s
		  AND NOT a.%[3]s
		  AND NOT a.is_inherited
		  AND a.role_pk IN %[4]s
	)`, alias, PKCol(), column, roles, featherParam)

	return clause, nil
}
