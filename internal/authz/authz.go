// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package authz implements the role-based authorization matrix.

Grants live in the "$auth" table and attach to three kinds of rows:

  - a feather's catalog row ("$feather") — authorizes by class;
  - any object row — authorizes that object;
  - a folder object with isMemberAuth — propagated onto contained objects
    and transitively to child folders with isInherited set.

Tie-breaking: a direct (non-inherited) grant beats an inherited one;
among equals the most permissive wins; a super-user bypasses every check
before this package is consulted.
*/
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// FolderFeather is the feather whose member grants propagate to content.
const FolderFeather = "Folder"

// Definitions is the slice of the feather catalog propagation needs.
type Definitions interface {
	tools.FeatherSource
	All(ctx context.Context, db tools.DB) ([]*feather.Feather, error)
	Chain(ctx context.Context, name string) ([]string, error)
}

// Service evaluates and maintains authorization grants.
type Service struct {
	catalog Definitions
}

// New constructs an authorization service.
func New(catalog Definitions) *Service {
	return &Service{catalog: catalog}
}

// # Checks

// CheckRequest describes one authorization question.
type CheckRequest struct {
	// Action is one of canCreate, canRead, canUpdate, canDelete.
	Action string
	// Feather names the class; required for every action.
	Feather string
	// ID is the object checked for read/update/delete actions.
	ID string
	// Folder optionally scopes a create to a folder; the user then also
	// needs a member grant on that folder.
	Folder string
	// User is the principal.
	User string
}

// IsAuthorized answers req. Callers handle the super-user bypass.
func (s *Service) IsAuthorized(ctx context.Context, db tools.DB, req CheckRequest) (bool, error) {
	if req.Action == "canCreate" {
		return s.checkCreate(ctx, db, req)
	}
	return s.checkRow(ctx, db, req)
}

// checkCreate requires a class grant on the feather row and, when a
// folder is supplied, a member grant on that folder.
func (s *Service) checkCreate(ctx context.Context, db tools.DB, req CheckRequest) (bool, error) {
	params := &tools.Params{}
	roles := tools.MemberRolesSQL(params, req.User)
	featherParam := params.Add(req.Feather)

	sql := fmt.Sprintf(`SELECT EXISTS (
		SELECT 1 FROM "$auth" a
		JOIN "$feather" f ON f._pk = a.object_pk
		WHERE f.name = %s
		  AND a.can_create
		  AND a.role_pk IN %s
	)`, featherParam, roles)

	var allowed bool
	if err := db.QueryRow(ctx, sql, params.Args()...).Scan(&allowed); err != nil {
		return false, fmt.Errorf("authz: create check: %w", err)
	}
	if !allowed || req.Folder == "" {
		return allowed, nil
	}

	folderParams := &tools.Params{}
	folderRoles := tools.MemberRolesSQL(folderParams, req.User)
	folderParam := folderParams.Add(req.Folder)

	folderSQL := fmt.Sprintf(`SELECT EXISTS (
		SELECT 1 FROM "$auth" a
		JOIN object o ON o._pk = a.object_pk
		WHERE o.id = %s
		  AND a.is_member_auth
		  AND a.can_create
		  AND a.role_pk IN %s
	)`, folderParam, folderRoles)

	var folderAllowed bool
	if err := db.QueryRow(ctx, folderSQL, folderParams.Args()...).Scan(&folderAllowed); err != nil {
		return false, fmt.Errorf("authz: folder check: %w", err)
	}
	return folderAllowed, nil
}

// checkRow joins the object's surrogate key through the auth table.
func (s *Service) checkRow(ctx context.Context, db tools.DB, req CheckRequest) (bool, error) {
	params := &tools.Params{}
	authClause, err := tools.BuildAuthSQL(req.Action, "o", req.Feather, req.User, params)
	if err != nil {
		return false, err
	}
	idParam := params.Add(req.ID)

	sql := fmt.Sprintf(`SELECT EXISTS (
		SELECT 1 FROM object o
		WHERE o.id = %s AND %s
	)`, idParam, authClause)

	var allowed bool
	if err := db.QueryRow(ctx, sql, params.Args()...).Scan(&allowed); err != nil {
		return false, fmt.Errorf("authz: row check: %w", err)
	}
	return allowed, nil
}

// # Grant Maintenance

// Actions is a partial update of the four grant flags; nil leaves a flag
// unchanged.
type Actions struct {
	CanCreate *bool `json:"canCreate,omitempty"`
	CanRead   *bool `json:"canRead,omitempty"`
	CanUpdate *bool `json:"canUpdate,omitempty"`
	CanDelete *bool `json:"canDelete,omitempty"`
}

// SaveRequest upserts one grant.
type SaveRequest struct {
	// ID targets an object row; Feather targets a catalog row. Exactly
	// one must be set.
	ID      string
	Feather string
	// Role is the granted role's name.
	Role string
	// IsMember marks a folder member grant, which propagates.
	IsMember bool
	Actions  Actions
	User     string
}

// SaveAuthorization upserts a grant. Clearing the last action on a member
// grant deletes the row. Saving a member grant on a folder triggers
// propagation to its contents.
func (s *Service) SaveAuthorization(ctx context.Context, db tools.DB, req SaveRequest) error {
	if (req.ID == "") == (req.Feather == "") {
		return apperr.Validation("Authorization requires exactly one of id or feather")
	}
	if req.Role == "" {
		return apperr.Validation("Authorization requires a role")
	}

	objectPK, err := s.targetPK(ctx, db, req)
	if err != nil {
		return err
	}

	var rolePK int64
	err = db.QueryRow(ctx, "SELECT _pk FROM role WHERE name = $1", req.Role).Scan(&rolePK)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("Role", req.Role)
		}
		return fmt.Errorf("authz: role lookup: %w", err)
	}

	// Merge the partial action set over the existing row.
	current := [4]bool{}
	err = db.QueryRow(ctx, `
		SELECT can_create, can_read, can_update, can_delete
		FROM "$auth"
		WHERE object_pk = $1 AND role_pk = $2 AND is_member_auth = $3`,
		objectPK, rolePK, req.IsMember,
	).Scan(&current[0], &current[1], &current[2], &current[3])
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("authz: grant lookup: %w", err)
	}

	apply := func(target *bool, value *bool) {
		if value != nil {
			*target = *value
		}
	}
	apply(&current[0], req.Actions.CanCreate)
	apply(&current[1], req.Actions.CanRead)
	apply(&current[2], req.Actions.CanUpdate)
	apply(&current[3], req.Actions.CanDelete)

	empty := !current[0] && !current[1] && !current[2] && !current[3]
	if empty && req.IsMember {
		_, err = db.Exec(ctx, `
			DELETE FROM "$auth"
			WHERE object_pk = $1 AND role_pk = $2 AND is_member_auth = $3`,
			objectPK, rolePK, req.IsMember,
		)
		if err != nil {
			return fmt.Errorf("authz: delete grant: %w", err)
		}
	} else {
		_, err = db.Exec(ctx, `
			INSERT INTO "$auth" (object_pk, role_pk, can_create, can_read, can_update, can_delete, is_member_auth, is_inherited)
			VALUES ($1, $2, $3, $4, $5, $6, $7, false)
			ON CONFLICT (object_pk, role_pk, is_member_auth) DO UPDATE SET
				can_create = EXCLUDED.can_create,
				can_read = EXCLUDED.can_read,
				can_update = EXCLUDED.can_update,
				can_delete = EXCLUDED.can_delete,
				is_inherited = false`,
			objectPK, rolePK, current[0], current[1], current[2], current[3], req.IsMember,
		)
		if err != nil {
			return fmt.Errorf("authz: upsert grant: %w", err)
		}
	}

	if req.IsMember && req.ID != "" {
		return s.PropagateAuth(ctx, db, PropagateRequest{FolderID: req.ID, RolePK: &rolePK, IsDeleted: empty})
	}
	return nil
}

// targetPK resolves the grant target to its surrogate key.
func (s *Service) targetPK(ctx context.Context, db tools.DB, req SaveRequest) (int64, error) {
	if req.Feather != "" {
		var pk int64
		err := db.QueryRow(ctx, `SELECT _pk FROM "$feather" WHERE name = $1`, req.Feather).Scan(&pk)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, apperr.NotFound("Feather", req.Feather)
			}
			return 0, fmt.Errorf("authz: feather lookup: %w", err)
		}
		return pk, nil
	}

	pk, err := tools.PKForID(ctx, db, req.ID)
	if err != nil {
		return 0, err
	}
	if pk == tools.NoRelation {
		return 0, apperr.NotFound("Object", req.ID)
	}
	return pk, nil
}
