// Copyright (c) 2026 Featherbone. All rights reserved.

// Package workbook persists workbook metadata: the client-side layout
// documents that bind feathers to forms and lists. The core stores and
// serves them verbatim; their interior shape belongs to clients.
package workbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// Workbook is one stored layout document.
type Workbook struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	ETag       string          `json:"etag"`
}

// GetWorkbook returns one workbook by name.
func GetWorkbook(ctx context.Context, db tools.DB, name string) (*Workbook, error) {
	wb := &Workbook{Name: name}
	err := db.QueryRow(ctx,
		`SELECT definition, etag FROM "$workbook" WHERE name = $1`,
		name,
	).Scan(&wb.Definition, &wb.ETag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Workbook", name)
		}
		return nil, fmt.Errorf("workbook: load %s: %w", name, err)
	}
	return wb, nil
}

// GetWorkbooks lists every stored workbook.
func GetWorkbooks(ctx context.Context, db tools.DB) ([]Workbook, error) {
	rows, err := db.Query(ctx, `SELECT name, definition, etag FROM "$workbook" ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("workbook: list: %w", err)
	}
	defer rows.Close()

	var workbooks []Workbook
	for rows.Next() {
		var wb Workbook
		if err := rows.Scan(&wb.Name, &wb.Definition, &wb.ETag); err != nil {
			return nil, fmt.Errorf("workbook: scan: %w", err)
		}
		workbooks = append(workbooks, wb)
	}
	return workbooks, rows.Err()
}

// SaveWorkbook upserts a workbook. A non-empty incoming etag must match
// the stored row.
func SaveWorkbook(ctx context.Context, db tools.DB, in Workbook, user string) (*Workbook, error) {
	if in.Name == "" {
		return nil, apperr.Validation("Workbook requires a name")
	}
	if len(in.Definition) == 0 {
		return nil, apperr.Validation("Workbook %s requires a definition", in.Name)
	}

	if in.ETag != "" {
		var stored string
		err := db.QueryRow(ctx, `SELECT etag FROM "$workbook" WHERE name = $1`, in.Name).Scan(&stored)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workbook: etag check %s: %w", in.Name, err)
		}
		if err == nil && stored != in.ETag {
			return nil, apperr.Conflict("Workbook %s updated by another process", in.Name)
		}
	}
	in.ETag = uuid.NewString()

	_, err := db.Exec(ctx, `
		INSERT INTO "$workbook" (name, definition, etag, updated, updated_by)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (name) DO UPDATE SET
			definition = EXCLUDED.definition,
			etag = EXCLUDED.etag,
			updated = now(),
			updated_by = EXCLUDED.updated_by`,
		in.Name, in.Definition, in.ETag, user,
	)
	if err != nil {
		return nil, fmt.Errorf("workbook: save %s: %w", in.Name, err)
	}
	return &in, nil
}

// DeleteWorkbook removes a workbook by name.
func DeleteWorkbook(ctx context.Context, db tools.DB, name string) error {
	tag, err := db.Exec(ctx, `DELETE FROM "$workbook" WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("workbook: delete %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Workbook", name)
	}
	return nil
}
