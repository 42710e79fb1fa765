// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package crud executes the four uniform data operations over feathers.

# Architecture

  - Engine: stateless executor; every operation takes the DB handle the
    pipeline opened so nested calls share one transaction.
  - insert.go / select.go / update.go / delete.go: one file per verb.
  - Operations recurse: composite (isChild) relations and parentOf arrays
    are written and removed in lockstep with their parent, inside the same
    transaction.

Results are JSON-patch documents describing the difference between what
the caller sent and what was persisted, so clients reconcile server-side
mutations (defaults, autonumbers, trigger edits) without a second read.
*/
package crud

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jrogelstad/featherbone-server/internal/authz"
	"github.com/jrogelstad/featherbone-server/internal/events"
	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
	"github.com/jrogelstad/featherbone-server/pkg/casing"
)

// Definitions is the catalog surface the engine reads shapes through.
type Definitions interface {
	tools.FeatherSource
	FeatherTx(ctx context.Context, db tools.DB, name string, includeInherited bool) (*feather.Feather, error)
	Chain(ctx context.Context, name string) ([]string, error)
}

// Engine executes CRUD operations.
type Engine struct {
	catalog Definitions
	authz   *authz.Service
	events  *events.Service

	// BaseCurrency seeds empty money values.
	BaseCurrency string
}

// New constructs an engine.
func New(catalog Definitions, authz *authz.Service, events *events.Service) *Engine {
	return &Engine{
		catalog:      catalog,
		authz:        authz,
		events:       events,
		BaseCurrency: "USD",
	}
}

// Request is the uniform payload every operation takes.
type Request struct {
	// Name is the feather operated on.
	Name string
	// ID is the object id; generated on insert when empty.
	ID string
	// Data is the record body for inserts.
	Data map[string]any
	// Patch is the RFC 6902 document for updates.
	Patch json.RawMessage
	// CacheRec, when set by the pipeline, is the record reflecting the
	// original caller's intent before triggers ran; the returned diff is
	// computed against it.
	CacheRec json.RawMessage
	// ETag, when non-empty, must match the stored row on update.
	ETag string
	// Filter selects rows for list reads.
	Filter *tools.Filter
	// ShowDeleted includes soft-deleted rows in reads.
	ShowDeleted bool
	// Subscription, when present on a read, registers the result ids.
	Subscription *events.Subscription
	// User is the acting principal.
	User string
	// EventKey is the caller's session id, checked against record locks.
	EventKey string
	// IsHard removes rows physically on delete.
	IsHard bool

	// IsChild marks an internal recursion into a child feather.
	IsChild bool
	// IsSuperUser bypasses authorization.
	IsSuperUser bool

	// Changes collects committed mutations for post-commit notification.
	// Owned by the pipeline; nested recursions share the parent's.
	Changes *[]events.Change
}

// source adapts the catalog to [tools.FeatherSource] against an explicit
// DB handle, so key lookups inside a transaction see uncommitted saves.
type source struct {
	db   tools.DB
	defs Definitions
}

func (s source) Feather(ctx context.Context, name string, includeInherited bool) (*feather.Feather, error) {
	return s.defs.FeatherTx(ctx, s.db, name, includeInherited)
}

// # Shared Helpers

// fetch loads the merged feather and enforces the child-access rule: child
// feathers are reachable only through their parent unless the caller is
// recursing or a super-user.
func (e *Engine) fetch(ctx context.Context, db tools.DB, req Request) (*feather.Feather, error) {
	f, err := e.catalog.FeatherTx(ctx, db, req.Name, true)
	if err != nil {
		return nil, err
	}
	if f.IsChild && !req.IsChild && !req.IsSuperUser {
		return nil, apperr.Validation("Feather %s is a child and may not be accessed directly", f.Name)
	}
	return f, nil
}

// rejectUnknown fails when data carries a key the feather does not declare.
func rejectUnknown(f *feather.Feather, data map[string]any) error {
	for key := range data {
		if _, ok := f.Properties[key]; !ok {
			return apperr.Validation("Feather %s does not have a property %s", f.Name, key)
		}
	}
	return nil
}

// label returns the user-facing name of a property for messages.
func label(name string, prop feather.Property) string {
	if prop.Alias != "" {
		return prop.Alias
	}
	return casing.Label(name)
}

// checkNaturalKey probes the table for an existing row carrying value on
// the natural-key column. Conflicts carry the literal client message.
func (e *Engine) checkNaturalKey(ctx context.Context, db tools.DB, f *feather.Feather, name string, prop feather.Property, value any) error {
	if value == nil {
		return nil
	}

	sql := fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1 AND NOT is_deleted)`,
		tools.Ident(tools.TableOf(f.Name)), tools.Ident(tools.ColumnOf(name)),
	)
	var exists bool
	if err := db.QueryRow(ctx, sql, value).Scan(&exists); err != nil {
		return fmt.Errorf("crud: natural key probe: %w", err)
	}
	if exists {
		return apperr.Conflict(
			"Value '%v' assigned to %s on %s is not unique to data type %s.",
			value, label(name, prop), f.Name, f.Name,
		)
	}
	return nil
}

// naturalKey returns the single probe-worthy natural key property, if any.
func naturalKey(f *feather.Feather) (string, feather.Property, bool) {
	for _, name := range f.PropertyOrder {
		prop := f.Properties[name]
		if prop.IsNaturalKey && prop.Autonumber == nil {
			return name, prop, true
		}
	}
	return "", feather.Property{}, false
}

// nextPK draws the next surrogate key from the shared object sequence.
func nextPK(ctx context.Context, db tools.DB) (int64, error) {
	var pk int64
	if err := db.QueryRow(ctx, `SELECT nextval('object__pk_seq')`).Scan(&pk); err != nil {
		return 0, fmt.Errorf("crud: next pk: %w", err)
	}
	return pk, nil
}

// resolveToOne maps a relation value to the referenced surrogate key.
// Accepts an object with an id, a bare id string, a numeric key from
// internal recursion, or nil for the no-relation sentinel.
func resolveToOne(ctx context.Context, db tools.DB, value any) (int64, error) {
	switch v := value.(type) {
	case nil:
		return tools.NoRelation, nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		if v == "" {
			return tools.NoRelation, nil
		}
		return tools.PKForID(ctx, db, v)
	case map[string]any:
		id, _ := v["id"].(string)
		if id == "" {
			return tools.NoRelation, nil
		}
		return tools.PKForID(ctx, db, id)
	default:
		return 0, apperr.Validation("Relation value %v is not an object or id", value)
	}
}

// moneyParts splits a money value into its composite attributes, seeding
// the base currency when the client sent nothing.
func (e *Engine) moneyParts(value any) (amount, currency, effective, base any) {
	m, _ := value.(map[string]any)
	amount = m["amount"]
	currency = m["currency"]
	effective = m["effective"]
	base = m["baseAmount"]
	if amount == nil {
		amount = 0
	}
	if currency == nil || currency == "" {
		currency = e.BaseCurrency
	}
	return amount, currency, effective, base
}

// resolveDefault materializes a property default. Function-style names
// (trailing parentheses) are computed at insert time.
func (e *Engine) resolveDefault(user string, prop feather.Property) any {
	def := tools.DefaultFor(prop)
	name, ok := def.(string)
	if !ok || len(name) < 2 || name[len(name)-2:] != "()" {
		return def
	}

	switch name {
	case "now()":
		return time.Now().UTC().Format(time.RFC3339Nano)
	case "today()":
		return time.Now().UTC().Format("2006-01-02")
	case "money()":
		return map[string]any{
			"amount":     0,
			"currency":   e.BaseCurrency,
			"effective":  nil,
			"baseAmount": nil,
		}
	case "currentUser()":
		return user
	default:
		// Unknown function names fall through as literals.
		return name
	}
}

// nextAutonumber draws and formats the next value of an autonumber
// sequence: prefix + zero-padded counter + suffix.
func nextAutonumber(ctx context.Context, db tools.DB, auto *feather.Autonumber) (string, error) {
	var n int64
	// The catalog creates the sequence under its quoted raw name; draw from
	// the same spelling.
	sql := fmt.Sprintf(`SELECT nextval('%s')`, tools.Ident(auto.Sequence))
	if err := db.QueryRow(ctx, sql).Scan(&n); err != nil {
		return "", fmt.Errorf("crud: autonumber %s: %w", auto.Sequence, err)
	}

	length := auto.Length
	if length <= 0 {
		length = 0
	}
	return fmt.Sprintf("%s%0*d%s", auto.Prefix, length, n, auto.Suffix), nil
}

// encodeJSON marshals object and array scalars for jsonb columns,
// accepting already-encoded JSON strings as-is.
func encodeJSON(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if s, ok := value.(string); ok {
		if json.Valid([]byte(s)) {
			return []byte(s), nil
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("crud: encode json value: %w", err)
	}
	return encoded, nil
}

// writeLog appends a change-log row inside the caller's transaction, so a
// commit is atomic with its log.
func writeLog(ctx context.Context, db tools.DB, id, action, user string, change any) error {
	encoded, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("crud: encode log change: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO log (object_id, action, created_by, updated_by, change)
		VALUES ($1, $2, $3, $3, $4)`,
		id, action, user, encoded,
	)
	if err != nil {
		return fmt.Errorf("crud: write log: %w", err)
	}
	return nil
}

// recordChange queues a committed mutation for post-commit notification.
func (e *Engine) recordChange(ctx context.Context, req Request, action string, data any) {
	if req.Changes == nil {
		return
	}
	chain, err := e.catalog.Chain(ctx, req.Name)
	if err != nil {
		chain = []string{req.Name}
	}
	*req.Changes = append(*req.Changes, events.Change{
		ID:       req.ID,
		Feathers: chain,
		Action:   action,
		Data:     data,
	})
}

// newID mints a fresh object id.
func newID() string {
	return uuid.NewString()
}

// isFolder reports whether the feather is or descends from the folder
// feather, which carries authorization propagation side effects.
func (e *Engine) isFolder(ctx context.Context, name string) bool {
	if name == authz.FolderFeather {
		return true
	}
	chain, err := e.catalog.Chain(ctx, name)
	if err != nil {
		return false
	}
	for _, ancestor := range chain {
		if ancestor == authz.FolderFeather {
			return true
		}
	}
	return false
}
