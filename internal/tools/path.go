// Copyright (c) 2026 Featherbone. All rights reserved.

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
)

// Joins collects the LEFT OUTER JOIN clauses a query accumulates while
// resolving dotted property paths. Each relation hop joins once no matter
// how many criteria traverse it.
type Joins struct {
	base    string
	clauses []string
	aliases map[string]string
}

// NewJoins creates a join collector rooted at the given base table alias.
func NewJoins(baseAlias string) *Joins {
	return &Joins{base: baseAlias, aliases: make(map[string]string)}
}

// Base returns the root table alias.
func (j *Joins) Base() string { return j.base }

// SQL renders the accumulated join clauses, or "" when no path crossed a
// relation.
func (j *Joins) SQL() string {
	if len(j.clauses) == 0 {
		return ""
	}
	return " " + strings.Join(j.clauses, " ")
}

// aliasFor returns the alias joined for a path prefix, creating the join
// clause on first use.
func (j *Joins) aliasFor(prefix, table, fromAlias, fromColumn string) string {
	if alias, ok := j.aliases[prefix]; ok {
		return alias
	}
	alias := fmt.Sprintf("j%d", len(j.aliases)+1)
	j.aliases[prefix] = alias
	j.clauses = append(j.clauses, fmt.Sprintf(
		"LEFT OUTER JOIN %s %s ON %s.%s = %s.%s",
		Ident(table), alias, alias, PKCol(), fromAlias, Ident(fromColumn),
	))
	return alias
}

// ResolvePath turns a dotted property path ("parent.child.attr") into a
// qualified column reference, appending the relation joins it needs.
//
// Every intermediate segment must be a to-one relation; the final segment
// may be a scalar or a to-one relation (compared by surrogate key).
func ResolvePath(ctx context.Context, source FeatherSource, f *feather.Feather, dotted string, joins *Joins) (string, error) {
	segments := strings.Split(dotted, ".")
	alias := joins.Base()
	current := f

	for i, segment := range segments {
		prop, ok := current.Properties[segment]
		if !ok {
			return "", apperr.Validation("Invalid argument: %q is not a property of %s", segment, current.Name)
		}

		last := i == len(segments)-1
		if last {
			if prop.IsToMany() {
				return "", apperr.Validation("Invalid argument: cannot filter or sort on to-many relation %q", dotted)
			}
			return alias + "." + Ident(ColumnOf(segment)), nil
		}

		if !prop.IsToOne() {
			return "", apperr.Validation("Invalid argument: %q in path %q is not a to-one relation", segment, dotted)
		}

		related, err := source.Feather(ctx, prop.Type.Relation.Feather, true)
		if err != nil {
			return "", err
		}

		prefix := strings.Join(segments[:i+1], ".")
		alias = joins.aliasFor(prefix, TableOf(related.Name), alias, ColumnOf(segment))
		current = related
	}

	// Unreachable: the loop always returns on the last segment.
	return "", apperr.Validation("Invalid argument: empty property path")
}
