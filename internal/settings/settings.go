// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package settings stores named configuration blobs.

Each blob carries a definition (the schema of its data, surfaced to admin
clients) and the data itself. Blobs are cached in-process and revalidated
by etag on every read, the same strategy the feather catalog uses.
*/
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// Settings is one named blob.
type Settings struct {
	Name       string          `json:"name"`
	Module     string          `json:"module,omitempty"`
	Definition json.RawMessage `json:"definition,omitempty"`
	Data       json.RawMessage `json:"data"`
	ETag       string          `json:"etag"`
}

// Service loads and saves settings with an etag-revalidated cache.
type Service struct {
	db tools.DB

	mu    sync.RWMutex
	cache map[string]*Settings
}

// New constructs a settings service.
func New(db tools.DB) *Service {
	return &Service{db: db, cache: make(map[string]*Settings)}
}

// GetSettings returns one blob by name.
func (s *Service) GetSettings(ctx context.Context, db tools.DB, name string) (*Settings, error) {
	var etag string
	err := db.QueryRow(ctx, `SELECT etag FROM "$settings" WHERE name = $1`, name).Scan(&etag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Settings", name)
		}
		return nil, fmt.Errorf("settings: etag %s: %w", name, err)
	}

	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && cached.ETag == etag {
		return cached, nil
	}

	loaded := &Settings{Name: name}
	err = db.QueryRow(ctx,
		`SELECT module, definition, data, etag FROM "$settings" WHERE name = $1`,
		name,
	).Scan(&loaded.Module, &loaded.Definition, &loaded.Data, &loaded.ETag)
	if err != nil {
		return nil, fmt.Errorf("settings: load %s: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = loaded
	s.mu.Unlock()
	return loaded, nil
}

// SaveSettings upserts a blob and invalidates the cache entry. An empty
// incoming etag skips the stale check, matching first-write semantics.
func (s *Service) SaveSettings(ctx context.Context, db tools.DB, in Settings, user string) (*Settings, error) {
	if in.Name == "" {
		return nil, apperr.Validation("Settings require a name")
	}

	if in.ETag != "" {
		var stored string
		err := db.QueryRow(ctx, `SELECT etag FROM "$settings" WHERE name = $1`, in.Name).Scan(&stored)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("settings: etag check %s: %w", in.Name, err)
		}
		if err == nil && stored != in.ETag {
			return nil, apperr.Conflict("Settings %s updated by another process", in.Name)
		}
	}

	if len(in.Data) == 0 {
		in.Data = json.RawMessage("{}")
	}
	if len(in.Definition) == 0 {
		in.Definition = json.RawMessage("{}")
	}
	in.ETag = uuid.NewString()

	_, err := db.Exec(ctx, `
		INSERT INTO "$settings" (name, module, definition, data, etag, updated, updated_by)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
		ON CONFLICT (name) DO UPDATE SET
			module = EXCLUDED.module,
			definition = EXCLUDED.definition,
			data = EXCLUDED.data,
			etag = EXCLUDED.etag,
			updated = now(),
			updated_by = EXCLUDED.updated_by`,
		in.Name, in.Module, in.Definition, in.Data, in.ETag, user,
	)
	if err != nil {
		return nil, fmt.Errorf("settings: save %s: %w", in.Name, err)
	}

	s.mu.Lock()
	delete(s.cache, in.Name)
	s.mu.Unlock()
	return &in, nil
}

// Definition is the schema entry of one blob, without its data.
type Definition struct {
	Name       string          `json:"name"`
	Module     string          `json:"module,omitempty"`
	Definition json.RawMessage `json:"definition"`
}

// GetSettingsDefinition lists the schemas of every stored blob.
func (s *Service) GetSettingsDefinition(ctx context.Context, db tools.DB) ([]Definition, error) {
	rows, err := db.Query(ctx, `SELECT name, module, definition FROM "$settings" ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("settings: list definitions: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var def Definition
		if err := rows.Scan(&def.Name, &def.Module, &def.Definition); err != nil {
			return nil, fmt.Errorf("settings: scan definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}
