// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package catalog persists feather definitions and keeps the physical schema
in sync with them.

# Architecture

  - Catalog: Loads, caches, and merges feather definitions from the
    "$feather" table. Implements [tools.FeatherSource].
  - DDL synthesis (ddl.go): Creates and alters the inheriting tables,
    autonumber sequences, and dependent views when a feather is saved or
    deleted.

# Caching

Definitions are cached in-process keyed by name. Every read first compares
the cached etag against the row's etag column, so changes made by another
node are picked up on the next request without an invalidation channel.
The inheritance chain per feather is materialized at load time; the
trigger walk never re-traverses the catalog per request.
*/
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// Catalog loads and saves feather definitions.
type Catalog struct {
	db tools.DB

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// cacheEntry is a parsed definition plus the etag it was read at.
type cacheEntry struct {
	etag   string
	own    *feather.Feather
	merged *feather.Feather
	chain  []string
}

// New constructs a catalog over the given pool.
func New(db tools.DB) *Catalog {
	return &Catalog{db: db, cache: make(map[string]*cacheEntry)}
}

// # Lookup

// Feather returns a feather definition by name. With includeInherited the
// returned descriptor carries the merged property list of the full
// inheritance chain, inherited properties first.
//
// Implements [tools.FeatherSource].
func (c *Catalog) Feather(ctx context.Context, name string, includeInherited bool) (*feather.Feather, error) {
	return c.FeatherTx(ctx, c.db, name, includeInherited)
}

// FeatherTx is [Catalog.Feather] against an explicit DB handle so reads
// inside the pipeline's transaction see uncommitted saves.
func (c *Catalog) FeatherTx(ctx context.Context, db tools.DB, name string, includeInherited bool) (*feather.Feather, error) {
	if name == feather.ObjectName {
		return feather.Object(), nil
	}

	entry, err := c.entry(ctx, db, name)
	if err != nil {
		return nil, err
	}
	if includeInherited {
		return entry.merged, nil
	}
	return entry.own, nil
}

// Chain returns the inheritance chain for a feather, root-first and
// including the feather itself (e.g. [Object, Document, Invoice]).
func (c *Catalog) Chain(ctx context.Context, name string) ([]string, error) {
	if name == feather.ObjectName {
		return []string{feather.ObjectName}, nil
	}
	entry, err := c.entry(ctx, c.db, name)
	if err != nil {
		return nil, err
	}
	return entry.chain, nil
}

// entry loads a cache entry, revalidating the cached copy against the
// stored etag.
func (c *Catalog) entry(ctx context.Context, db tools.DB, name string) (*cacheEntry, error) {
	var etag string
	var raw []byte
	err := db.QueryRow(ctx,
		`SELECT etag, definition FROM "$feather" WHERE name = $1 AND NOT is_deleted`,
		name,
	).Scan(&etag, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Feather", name)
		}
		return nil, fmt.Errorf("catalog: load %s: %w", name, err)
	}

	c.mu.RLock()
	cached, ok := c.cache[name]
	c.mu.RUnlock()
	if ok && cached.etag == etag {
		return cached, nil
	}

	own := &feather.Feather{}
	if err := json.Unmarshal(raw, own); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", name, err)
	}
	if own.Inherits == "" {
		own.Inherits = feather.ObjectName
	}

	chainFeathers, chainNames, err := c.resolveChain(ctx, db, own)
	if err != nil {
		return nil, err
	}

	entry := &cacheEntry{
		etag:   etag,
		own:    own,
		merged: feather.Merge(chainFeathers),
		chain:  chainNames,
	}

	c.mu.Lock()
	c.cache[name] = entry
	c.mu.Unlock()

	return entry, nil
}

// resolveChain walks Inherits up to Object, returning the chain root-first.
func (c *Catalog) resolveChain(ctx context.Context, db tools.DB, own *feather.Feather) ([]*feather.Feather, []string, error) {
	var reversed []*feather.Feather
	reversed = append(reversed, own)

	seen := map[string]bool{own.Name: true}
	parent := own.Inherits
	for parent != feather.ObjectName {
		if seen[parent] {
			return nil, nil, apperr.Validation("Feather %s has a circular inheritance chain", own.Name)
		}
		seen[parent] = true

		ancestor, err := c.FeatherTx(ctx, db, parent, false)
		if err != nil {
			return nil, nil, err
		}
		reversed = append(reversed, ancestor)
		parent = ancestor.Inherits
		if parent == "" {
			parent = feather.ObjectName
		}
	}
	reversed = append(reversed, feather.Object())

	chain := make([]*feather.Feather, 0, len(reversed))
	names := make([]string, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		chain = append(chain, reversed[i])
		names = append(names, reversed[i].Name)
	}
	return chain, names, nil
}

// invalidate drops a cached entry after a save or delete.
func (c *Catalog) invalidate(name string) {
	c.mu.Lock()
	// Merged descriptors embed ancestor properties, so a change anywhere
	// in a chain invalidates everything; entries revalidate by etag on the
	// next read anyway, this just frees the obvious ones.
	delete(c.cache, name)
	c.mu.Unlock()
}

// All returns every stored feather definition (own properties, unmerged).
func (c *Catalog) All(ctx context.Context, db tools.DB) ([]*feather.Feather, error) {
	return c.all(ctx, db)
}

// all returns every stored feather definition (own properties, unmerged).
func (c *Catalog) all(ctx context.Context, db tools.DB) ([]*feather.Feather, error) {
	rows, err := db.Query(ctx, `SELECT definition FROM "$feather" WHERE NOT is_deleted`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list feathers: %w", err)
	}
	defer rows.Close()

	var feathers []*feather.Feather
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("catalog: scan feather: %w", err)
		}
		f := &feather.Feather{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, fmt.Errorf("catalog: parse feather: %w", err)
		}
		feathers = append(feathers, f)
	}
	return feathers, rows.Err()
}
