// Copyright (c) 2026 Featherbone. All rights reserved.

package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// PropagateRequest describes one propagation pass over a folder tree.
type PropagateRequest struct {
	// FolderID is the folder whose member grants flow downward.
	FolderID string
	// RolePK limits propagation to one role; nil walks every role holding
	// a member grant on the folder.
	RolePK *int64
	// IsDeleted revokes the inherited grants instead of writing them. Used
	// when a member grant is cleared or a folder is hard-deleted.
	IsDeleted bool
}

// container is a table holding a to-one reference into the folder feather.
type container struct {
	table    string
	column   string
	isFolder bool
}

// PropagateAuth pushes a folder's member grants onto its contents and,
// transitively, onto child folders. Objects carrying a direct grant for
// the same role are left alone.
func (s *Service) PropagateAuth(ctx context.Context, db tools.DB, req PropagateRequest) error {
	folderPK, err := tools.PKForID(ctx, db, req.FolderID)
	if err != nil {
		return err
	}
	if folderPK == tools.NoRelation {
		return apperr.NotFound("Folder", req.FolderID)
	}

	roles, err := s.memberRoles(ctx, db, folderPK, req.RolePK)
	if err != nil {
		return err
	}
	if len(roles) == 0 {
		return nil
	}

	containers, err := s.containers(ctx, db)
	if err != nil {
		return err
	}

	for _, rolePK := range roles {
		visited := map[int64]bool{}
		if err := s.propagateFolder(ctx, db, folderPK, rolePK, req.IsDeleted, containers, visited); err != nil {
			return err
		}
	}
	return nil
}

// memberRoles lists the roles whose member grants apply to the folder.
func (s *Service) memberRoles(ctx context.Context, db tools.DB, folderPK int64, only *int64) ([]int64, error) {
	if only != nil {
		return []int64{*only}, nil
	}

	rows, err := db.Query(ctx,
		`SELECT role_pk FROM "$auth" WHERE object_pk = $1 AND is_member_auth`,
		folderPK,
	)
	if err != nil {
		return nil, fmt.Errorf("authz: member roles: %w", err)
	}
	defer rows.Close()

	var roles []int64
	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("authz: scan role: %w", err)
		}
		roles = append(roles, pk)
	}
	return roles, rows.Err()
}

// containers scans the catalog for feathers holding a to-one property into
// the folder feather. Each hit is one physical table to sweep.
func (s *Service) containers(ctx context.Context, db tools.DB) ([]container, error) {
	feathers, err := s.catalog.All(ctx, db)
	if err != nil {
		return nil, err
	}

	var out []container
	for _, f := range feathers {
		isFolder, err := s.inheritsFolder(ctx, f.Name)
		if err != nil {
			return nil, err
		}
		// Stored definitions are unmerged, so the properties map is walked
		// directly rather than through a merge-time ordering.
		for name, prop := range f.Properties {
			if !prop.IsToOne() || prop.Type.Relation.Feather != FolderFeather {
				continue
			}
			out = append(out, container{
				table:    tools.TableOf(f.Name),
				column:   tools.ColumnOf(name),
				isFolder: isFolder,
			})
		}
	}
	return out, nil
}

// inheritsFolder reports whether name is the folder feather or descends
// from it.
func (s *Service) inheritsFolder(ctx context.Context, name string) (bool, error) {
	if name == FolderFeather {
		return true, nil
	}
	chain, err := s.catalog.Chain(ctx, name)
	if err != nil {
		// A feather referenced before its ancestors exist is simply not a
		// folder yet.
		if apperr.StatusOf(err) == 404 {
			return false, nil
		}
		return false, err
	}
	for _, ancestor := range chain {
		if ancestor == FolderFeather {
			return true, nil
		}
	}
	return false, nil
}

// propagateFolder writes or revokes inherited grants for one role under
// one folder, then recurses into child folders.
func (s *Service) propagateFolder(ctx context.Context, db tools.DB, folderPK, rolePK int64, isDeleted bool, containers []container, visited map[int64]bool) error {
	if visited[folderPK] {
		return nil
	}
	visited[folderPK] = true

	var grant [4]bool
	if !isDeleted {
		err := db.QueryRow(ctx, `
			SELECT can_create, can_read, can_update, can_delete
			FROM "$auth"
			WHERE object_pk = $1 AND role_pk = $2 AND is_member_auth`,
			folderPK, rolePK,
		).Scan(&grant[0], &grant[1], &grant[2], &grant[3])
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("authz: folder grant: %w", err)
		}
	}

	for _, c := range containers {
		table := tools.Ident(c.table)
		column := tools.Ident(c.column)

		if isDeleted {
			sql := fmt.Sprintf(`
				DELETE FROM "$auth" a
				USING %s t
				WHERE t._pk = a.object_pk
				  AND t.%s = $1
				  AND a.role_pk = $2
				  AND a.is_inherited`, table, column)
			if _, err := db.Exec(ctx, sql, folderPK, rolePK); err != nil {
				return fmt.Errorf("authz: revoke inherited: %w", err)
			}
		} else {
			sql := fmt.Sprintf(`
				INSERT INTO "$auth" (object_pk, role_pk, can_create, can_read, can_update, can_delete, is_member_auth, is_inherited)
				SELECT t._pk, $2, $3, $4, $5, $6, false, true
				FROM %s t
				WHERE t.%s = $1
				  AND NOT EXISTS (
					SELECT 1 FROM "$auth" d
					WHERE d.object_pk = t._pk AND d.role_pk = $2 AND NOT d.is_inherited
				  )
				ON CONFLICT (object_pk, role_pk, is_member_auth) DO UPDATE SET
					can_create = EXCLUDED.can_create,
					can_read = EXCLUDED.can_read,
					can_update = EXCLUDED.can_update,
					can_delete = EXCLUDED.can_delete
				WHERE "$auth".is_inherited`, table, column)
			if _, err := db.Exec(ctx, sql, folderPK, rolePK, grant[0], grant[1], grant[2], grant[3]); err != nil {
				return fmt.Errorf("authz: write inherited: %w", err)
			}
		}

		if !c.isFolder {
			continue
		}

		// Child folders also receive an inherited member grant so that
		// grants saved later inside them resolve, then recurse.
		if !isDeleted {
			sql := fmt.Sprintf(`
				INSERT INTO "$auth" (object_pk, role_pk, can_create, can_read, can_update, can_delete, is_member_auth, is_inherited)
				SELECT t._pk, $2, $3, $4, $5, $6, true, true
				FROM %s t
				WHERE t.%s = $1
				  AND NOT EXISTS (
					SELECT 1 FROM "$auth" d
					WHERE d.object_pk = t._pk AND d.role_pk = $2 AND d.is_member_auth AND NOT d.is_inherited
				  )
				ON CONFLICT (object_pk, role_pk, is_member_auth) DO UPDATE SET
					can_create = EXCLUDED.can_create,
					can_read = EXCLUDED.can_read,
					can_update = EXCLUDED.can_update,
					can_delete = EXCLUDED.can_delete
				WHERE "$auth".is_inherited`, table, column)
			if _, err := db.Exec(ctx, sql, folderPK, rolePK, grant[0], grant[1], grant[2], grant[3]); err != nil {
				return fmt.Errorf("authz: write member grant: %w", err)
			}
		}

		childSQL := fmt.Sprintf(`SELECT t._pk FROM %s t WHERE t.%s = $1`, table, column)
		rows, err := db.Query(ctx, childSQL, folderPK)
		if err != nil {
			return fmt.Errorf("authz: child folders: %w", err)
		}
		var children []int64
		for rows.Next() {
			var pk int64
			if err := rows.Scan(&pk); err != nil {
				rows.Close()
				return fmt.Errorf("authz: scan child folder: %w", err)
			}
			children = append(children, pk)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, child := range children {
			if err := s.propagateFolder(ctx, db, child, rolePK, isDeleted, containers, visited); err != nil {
				return err
			}
		}
	}
	return nil
}
