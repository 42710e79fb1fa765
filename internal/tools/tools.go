// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package tools provides the SQL primitives shared by every engine component:
identifier escaping, the scalar type/format tables, row sanitizing, dotted
path resolution across relations, sort processing, the authorization
clause, and logical-id to surrogate-key lookups.

# Architecture

Everything here compiles abstract engine requests into parameterized SQL
fragments; nothing here owns a transaction. Callers pass a [DB] — either
the pool or the transaction the pipeline opened — and a [Params] collector
the fragments append placeholders to.
*/
package tools

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/pkg/casing"
)

// DB is the subset of pgx both [*pgxpool.Pool] and [pgx.Tx] satisfy.
// Engine components accept it so the same code runs pooled or inside the
// pipeline's transaction.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FeatherSource resolves feather names to merged descriptors. Implemented
// by the catalog; declared here so tools does not depend on it.
type FeatherSource interface {
	Feather(ctx context.Context, name string, includeInherited bool) (*feather.Feather, error)
}

// PKCol returns the internal surrogate primary key column name. It is
// never exposed to callers of the engine.
func PKCol() string { return "_pk" }

// Ident escapes a SQL identifier. Feather and property names reach SQL
// only through this function.
func Ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// TableOf returns the physical table name for a feather name.
func TableOf(featherName string) string {
	return casing.Snake(casing.Normalize(featherName))
}

// ColumnOf returns the physical column name for a property name.
func ColumnOf(propertyName string) string {
	return casing.Snake(propertyName)
}

// # Parameter Collection

// Params accumulates query arguments and hands out 1-based placeholders.
type Params struct {
	args []any
}

// Add appends a value and returns its "$n" placeholder.
func (p *Params) Add(value any) string {
	p.args = append(p.args, value)
	return "$" + strconv.Itoa(len(p.args))
}

// Args returns the accumulated arguments in placeholder order.
func (p *Params) Args() []any { return p.args }

// # Type Tables

// TypeDef maps a scalar keyword or format to its physical type and default
// value. A string default ending in "()" names a function resolved at
// row-insert time (e.g. "now()", "money()").
type TypeDef struct {
	DBType  string
	Default any
}

// Types maps every scalar keyword to its physical representation.
var Types = map[string]TypeDef{
	"string":  {DBType: "text", Default: ""},
	"integer": {DBType: "integer", Default: 0},
	"number":  {DBType: "numeric", Default: 0},
	"boolean": {DBType: "boolean", Default: false},
	"object":  {DBType: "jsonb", Default: map[string]any{}},
	"array":   {DBType: "jsonb", Default: []any{}},
}

// Formats refines scalar keywords. A format's entry overrides the bare
// type's physical column and default.
var Formats = map[string]TypeDef{
	"date":         {DBType: "date", Default: "today()"},
	"dateTime":     {DBType: "timestamp with time zone", Default: "now()"},
	"time":         {DBType: "time", Default: "00:00:00"},
	"color":        {DBType: "text", Default: "#000000"},
	"money":        {DBType: "money_composite", Default: "money()"},
	"enum":         {DBType: "text", Default: ""},
	"url":          {DBType: "text", Default: ""},
	"email":        {DBType: "text", Default: ""},
	"password":     {DBType: "text", Default: ""},
	"tel":          {DBType: "text", Default: ""},
	"textArea":     {DBType: "text", Default: ""},
	"script":       {DBType: "text", Default: ""},
	"icon":         {DBType: "text", Default: ""},
	"dataType":     {DBType: "jsonb", Default: map[string]any{}},
	"autoFk":       {DBType: "bigint", Default: -1},
	"autoLink":     {DBType: "text", Default: ""},
	"overloadType": {DBType: "jsonb", Default: map[string]any{}},
	"lock":         {DBType: "jsonb", Default: nil},
	"role":         {DBType: "text", Default: ""},
	"userAccount":  {DBType: "text", Default: ""},
}

// DBTypeFor resolves the physical column type for a property, format
// first.
func DBTypeFor(prop feather.Property) string {
	if def, ok := Formats[prop.Format]; ok {
		return def.DBType
	}
	if def, ok := Types[prop.Type.Scalar]; ok {
		return def.DBType
	}
	return "text"
}

// DefaultFor resolves the literal or function-reference default for a
// property, preferring the property's own default, then the format's, then
// the type's.
func DefaultFor(prop feather.Property) any {
	if prop.Default != nil {
		return prop.Default
	}
	if def, ok := Formats[prop.Format]; ok {
		return def.Default
	}
	if def, ok := Types[prop.Type.Scalar]; ok {
		return def.Default
	}
	return nil
}

// # Row Sanitizing

// Sanitize recursively prepares a database row for clients: keys beginning
// with "_" are dropped, remaining snake_case keys become camelCase, raw
// JSON subtrees are parsed, and arrays are sanitized element-wise.
// Strings pass through untouched.
func Sanitize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, sub := range v {
			if strings.HasPrefix(key, "_") {
				continue
			}
			out[casing.Camel(key)] = Sanitize(sub)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, sub := range v {
			out[i] = Sanitize(sub)
		}
		return out
	case []byte:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return string(v)
		}
		return Sanitize(decoded)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return string(v)
		}
		return Sanitize(decoded)
	default:
		return value
	}
}
