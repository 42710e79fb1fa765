// Copyright (c) 2026 Featherbone. All rights reserved.

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// SaveFeather persists a feather definition and synchronizes the physical
// schema. It is idempotent: the first save creates the table inheriting
// from the parent's table; later saves diff the incoming properties
// against the stored definition, dropping removed columns (parentOf
// markers are re-injected from the old definition instead), adding new
// ones, and re-creating dependent views up the inheritance chain and out
// to every feather that references this one.
//
// A childOf property automatically injects the matching parentOf property
// on the parent feather; two properties claiming the same parentOf slot is
// an error.
//
// db is the pipeline's transaction so catalog row, DDL, and view rebuilds
// commit atomically.
func (c *Catalog) SaveFeather(ctx context.Context, db tools.DB, spec *feather.Feather, user string) error {
	if spec == nil || spec.Name == "" {
		return apperr.Validation("Feather name is required")
	}
	if spec.Name == feather.ObjectName {
		return apperr.Validation("Feather %s is read only", feather.ObjectName)
	}
	if spec.Inherits == "" {
		spec.Inherits = feather.ObjectName
	}
	if spec.Plural == "" {
		spec.Plural = spec.Name + "s"
	}
	if spec.Properties == nil {
		spec.Properties = map[string]feather.Property{}
	}

	parent, err := c.FeatherTx(ctx, db, spec.Inherits, false)
	if err != nil {
		return err
	}

	old, err := c.ownStored(ctx, db, spec.Name)
	if err != nil {
		return err
	}

	// parentOf markers are maintained by childOf injection, not by the
	// caller; keep the stored ones when the incoming spec omits them.
	if old != nil {
		for name, prop := range old.Properties {
			if !prop.IsToMany() {
				continue
			}
			if _, redeclared := spec.Properties[name]; !redeclared {
				spec.Properties[name] = prop
			}
		}
	}

	if err := validateProperties(spec); err != nil {
		return err
	}

	table := tools.TableOf(spec.Name)
	if old == nil {
		parentTable := tools.TableOf(parent.Name)
		createSQL := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s () INHERITS (%s)",
			tools.Ident(table), tools.Ident(parentTable),
		)
		if _, err := db.Exec(ctx, createSQL); err != nil {
			return fmt.Errorf("catalog: create table %s: %w", table, err)
		}
	}

	if err := c.syncColumns(ctx, db, table, old, spec); err != nil {
		return err
	}
	if err := c.syncSequences(ctx, db, spec); err != nil {
		return err
	}

	if err := c.upsertRow(ctx, db, spec); err != nil {
		return err
	}
	c.invalidate(spec.Name)

	// childOf on this feather augments the parent side of the relation.
	for propName, prop := range spec.Properties {
		rel := prop.Type.Relation
		if rel == nil || rel.ChildOf == "" {
			continue
		}
		if err := c.injectParentOf(ctx, db, rel.Feather, rel.ChildOf, spec.Name, propName, user); err != nil {
			return err
		}
	}

	return c.rebuildDependentViews(ctx, db, spec.Name)
}

// DeleteFeather drops the feather's table and views, removes the catalog
// entry, and rebuilds any parent feather whose parentOf pointed at it.
func (c *Catalog) DeleteFeather(ctx context.Context, db tools.DB, name, user string) error {
	stored, err := c.ownStored(ctx, db, name)
	if err != nil {
		return err
	}
	if stored == nil {
		return apperr.NotFound("Feather", name)
	}

	table := tools.TableOf(name)
	if _, err := db.Exec(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s CASCADE", tools.Ident("_"+table))); err != nil {
		return fmt.Errorf("catalog: drop view for %s: %w", name, err)
	}
	if _, err := db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", tools.Ident(table))); err != nil {
		return fmt.Errorf("catalog: drop table for %s: %w", name, err)
	}
	if _, err := db.Exec(ctx, `DELETE FROM "$feather" WHERE name = $1`, name); err != nil {
		return fmt.Errorf("catalog: delete %s: %w", name, err)
	}
	c.invalidate(name)

	// Strip dangling parentOf markers from feathers that pointed here.
	others, err := c.all(ctx, db)
	if err != nil {
		return err
	}
	for _, other := range others {
		changed := false
		for propName, prop := range other.Properties {
			rel := prop.Type.Relation
			if rel != nil && rel.Feather == name && rel.ParentOf != "" {
				delete(other.Properties, propName)
				changed = true
			}
		}
		if changed {
			if err := c.upsertRow(ctx, db, other); err != nil {
				return err
			}
			c.invalidate(other.Name)
			if err := c.rebuildView(ctx, db, other.Name); err != nil {
				return err
			}
		}
	}

	return nil
}

// # Validation

// validateProperties rejects specs the schema cannot express.
func validateProperties(spec *feather.Feather) error {
	slots := map[string]string{}
	for name, prop := range spec.Properties {
		if strings.HasPrefix(name, "_") {
			return apperr.Validation("Property %q on %s: names may not begin with underscore", name, spec.Name)
		}
		rel := prop.Type.Relation
		if rel == nil {
			if _, ok := tools.Types[prop.Type.Scalar]; !ok {
				return apperr.Validation("Property %q on %s has unknown type %q", name, spec.Name, prop.Type.Scalar)
			}
			if prop.Format != "" {
				if _, ok := tools.Formats[prop.Format]; !ok {
					return apperr.Validation("Property %q on %s has unknown format %q", name, spec.Name, prop.Format)
				}
			}
			continue
		}
		if rel.ParentOf != "" {
			key := rel.Feather + "→" + rel.ParentOf
			if otherProp, taken := slots[key]; taken {
				return apperr.Validation(
					"Properties %q and %q on %s claim the same parentOf slot %q",
					otherProp, name, spec.Name, rel.ParentOf,
				)
			}
			slots[key] = name
		}
	}
	return nil
}

// # Column Synchronization

// syncColumns diffs old vs new properties and issues ALTER TABLE.
func (c *Catalog) syncColumns(ctx context.Context, db tools.DB, table string, old, spec *feather.Feather) error {
	// Drop columns the new definition no longer declares.
	if old != nil {
		for name, prop := range old.Properties {
			if prop.IsToMany() {
				continue // never a column, and re-injected above anyway
			}
			if _, kept := spec.Properties[name]; kept {
				continue
			}
			dropSQL := fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s",
				tools.Ident(table), tools.Ident(tools.ColumnOf(name)))
			if _, err := db.Exec(ctx, dropSQL); err != nil {
				return fmt.Errorf("catalog: drop column %s.%s: %w", table, name, err)
			}
		}
	}

	// Add new columns in deterministic order.
	names := make([]string, 0, len(spec.Properties))
	for name := range spec.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop := spec.Properties[name]
		if prop.IsToMany() {
			continue
		}
		if old != nil {
			if _, existed := old.Properties[name]; existed {
				continue
			}
		}
		addSQL := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			tools.Ident(table), tools.Ident(tools.ColumnOf(name)), columnType(prop))
		if _, err := db.Exec(ctx, addSQL); err != nil {
			return fmt.Errorf("catalog: add column %s.%s: %w", table, name, err)
		}
	}

	return nil
}

// columnType resolves the physical column type for a property.
func columnType(prop feather.Property) string {
	if prop.IsToOne() {
		return "bigint"
	}
	if prop.Type.Scalar == "number" && prop.Precision > 0 {
		return fmt.Sprintf("numeric(%d,%d)", prop.Precision, prop.Scale)
	}
	return tools.DBTypeFor(prop)
}

// syncSequences creates autonumber sequences on first use.
func (c *Catalog) syncSequences(ctx context.Context, db tools.DB, spec *feather.Feather) error {
	for name, prop := range spec.Properties {
		if prop.Autonumber == nil {
			continue
		}
		if prop.Autonumber.Sequence == "" {
			return apperr.Validation("Autonumber property %q on %s requires a sequence", name, spec.Name)
		}
		seqSQL := "CREATE SEQUENCE IF NOT EXISTS " + tools.Ident(prop.Autonumber.Sequence)
		if _, err := db.Exec(ctx, seqSQL); err != nil {
			return fmt.Errorf("catalog: create sequence %s: %w", prop.Autonumber.Sequence, err)
		}
	}
	return nil
}

// # Catalog Rows

// ownStored loads the stored (unmerged) definition, or nil when absent.
func (c *Catalog) ownStored(ctx context.Context, db tools.DB, name string) (*feather.Feather, error) {
	var raw []byte
	err := db.QueryRow(ctx,
		`SELECT definition FROM "$feather" WHERE name = $1 AND NOT is_deleted`, name,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: load %s: %w", name, err)
	}
	f := &feather.Feather{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", name, err)
	}
	return f, nil
}

// upsertRow writes the definition with a fresh etag.
func (c *Catalog) upsertRow(ctx context.Context, db tools.DB, spec *feather.Feather) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("catalog: marshal %s: %w", spec.Name, err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO "$feather" (name, module, definition, etag)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			module = EXCLUDED.module,
			definition = EXCLUDED.definition,
			etag = EXCLUDED.etag,
			updated = now(),
			is_deleted = false`,
		spec.Name, spec.Module, raw, uuid.NewString(),
	)
	if err != nil {
		return fmt.Errorf("catalog: save %s: %w", spec.Name, err)
	}
	return nil
}

// injectParentOf augments the parent feather of a childOf relation with
// the matching parentOf property.
func (c *Catalog) injectParentOf(ctx context.Context, db tools.DB, parentName, slot, childName, backRef, user string) error {
	parent, err := c.ownStored(ctx, db, parentName)
	if err != nil {
		return err
	}
	if parent == nil {
		return apperr.NotFound("Feather", parentName)
	}

	injected := feather.Property{
		Description: fmt.Sprintf("Child %s records", childName),
		Type: feather.RelationType(feather.Relation{
			Feather:  childName,
			ParentOf: backRef,
		}),
	}

	if existing, ok := parent.Properties[slot]; ok {
		rel := existing.Type.Relation
		if rel == nil || rel.ParentOf == "" || rel.Feather != childName || rel.ParentOf != backRef {
			return apperr.Validation(
				"Property %q on %s already claims the parentOf slot targeted by %s.%s",
				slot, parentName, childName, backRef,
			)
		}
		return nil // already injected, idempotent save
	}

	parent.Properties[slot] = injected
	if err := c.upsertRow(ctx, db, parent); err != nil {
		return err
	}
	c.invalidate(parentName)
	return nil
}

// # Views

// rebuildDependentViews re-creates the feather's own view, its ancestors'
// views, and the view of every feather referencing this one.
func (c *Catalog) rebuildDependentViews(ctx context.Context, db tools.DB, name string) error {
	rebuilt := map[string]bool{}

	rebuild := func(n string) error {
		if rebuilt[n] || n == feather.ObjectName {
			return nil
		}
		rebuilt[n] = true
		return c.rebuildView(ctx, db, n)
	}

	if err := rebuild(name); err != nil {
		return err
	}

	chain, err := c.Chain(ctx, name)
	if err != nil {
		return err
	}
	for _, ancestor := range chain {
		if err := rebuild(ancestor); err != nil {
			return err
		}
	}

	others, err := c.all(ctx, db)
	if err != nil {
		return err
	}
	for _, other := range others {
		for _, prop := range other.Properties {
			rel := prop.Type.Relation
			if rel != nil && rel.Feather == name {
				if err := rebuild(other.Name); err != nil {
					return err
				}
				break
			}
		}
	}

	return nil
}

// rebuildView drops and re-creates the "_<table>" view with an explicit
// column list so dependent tooling sees schema changes immediately.
func (c *Catalog) rebuildView(ctx context.Context, db tools.DB, name string) error {
	merged, err := c.FeatherTx(ctx, db, name, true)
	if err != nil {
		return err
	}

	table := tools.TableOf(name)
	columns := []string{tools.PKCol()}
	for _, propName := range merged.PropertyOrder {
		prop := merged.Properties[propName]
		if prop.IsToMany() {
			continue
		}
		columns = append(columns, tools.Ident(tools.ColumnOf(propName)))
	}

	viewName := tools.Ident("_" + table)
	if _, err := db.Exec(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s CASCADE", viewName)); err != nil {
		return fmt.Errorf("catalog: drop view %s: %w", name, err)
	}
	createSQL := fmt.Sprintf("CREATE VIEW %s AS SELECT %s FROM %s",
		viewName, strings.Join(columns, ", "), tools.Ident(table))
	if _, err := db.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("catalog: create view %s: %w", name, err)
	}
	return nil
}
