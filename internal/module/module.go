// Copyright (c) 2026 Featherbone. All rights reserved.

// Package module lists installed feature modules. Installation and
// packaging are handled out of band; the core only reports what is
// present.
package module

import (
	"context"
	"fmt"
	"time"

	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// Module is one installed module row.
type Module struct {
	Name    string    `json:"name"`
	Version string    `json:"version"`
	Updated time.Time `json:"updated"`
}

// GetModules lists installed modules. Scripts stay server-side.
func GetModules(ctx context.Context, db tools.DB) ([]Module, error) {
	rows, err := db.Query(ctx, `SELECT name, version, updated FROM "$module" ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("module: list: %w", err)
	}
	defer rows.Close()

	var modules []Module
	for rows.Next() {
		var m Module
		if err := rows.Scan(&m.Name, &m.Version, &m.Updated); err != nil {
			return nil, fmt.Errorf("module: scan: %w", err)
		}
		modules = append(modules, m)
	}
	return modules, rows.Err()
}
