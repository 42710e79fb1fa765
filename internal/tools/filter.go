// Copyright (c) 2026 Featherbone. All rights reserved.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
)

// # Filter Model

// Filter is the abstract query object accepted by select and key lookups.
type Filter struct {
	Criteria []Criterion `json:"criteria,omitempty"`
	Sort     []SortField `json:"sort,omitempty"`
	Offset   *int        `json:"offset,omitempty"`
	Limit    *int        `json:"limit,omitempty"`
}

// Criterion is a single predicate. When Property holds several names a
// disjunction of (property op value) is generated.
type Criterion struct {
	Property PropertyRef `json:"property"`
	Operator string      `json:"operator,omitempty"`
	Value    any         `json:"value"`
}

// SortField orders the result set by a property path.
type SortField struct {
	Property string `json:"property"`
	Order    string `json:"order,omitempty"`
}

// PropertyRef accepts either a single dotted property name or an array of
// names on the wire.
type PropertyRef []string

// UnmarshalJSON accepts a string or an array of strings.
func (r *PropertyRef) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = PropertyRef{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("tools: criterion property must be a name or array of names")
	}
	*r = PropertyRef(many)
	return nil
}

// MarshalJSON emits a bare string for single-name refs.
func (r PropertyRef) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

// operators maps every supported filter operator to its SQL spelling.
// "!=" is normalized to "<>".
var operators = map[string]string{
	"=":   "=",
	"!=":  "<>",
	"<>":  "<>",
	"<":   "<",
	">":   ">",
	"<=":  "<=",
	">=":  ">=",
	"~":   "~",
	"~*":  "~*",
	"!~":  "!~",
	"!~*": "!~*",
	"IN":  "IN",
}

// # WHERE Compilation

// BuildWhere compiles filter criteria into a parameterized SQL condition
// list. Join clauses needed by dotted paths accumulate on joins.
func BuildWhere(ctx context.Context, source FeatherSource, f *feather.Feather, criteria []Criterion, params *Params, joins *Joins) ([]string, error) {
	conditions := make([]string, 0, len(criteria))

	for _, criterion := range criteria {
		clause, err := buildCriterion(ctx, source, f, criterion, params, joins)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, clause)
	}

	return conditions, nil
}

// buildCriterion compiles one predicate, expanding multi-property refs
// into a disjunction.
func buildCriterion(ctx context.Context, source FeatherSource, f *feather.Feather, criterion Criterion, params *Params, joins *Joins) (string, error) {
	operator := criterion.Operator
	if operator == "" {
		operator = "="
	}
	sqlOp, ok := operators[operator]
	if !ok {
		return "", apperr.Validation("Invalid argument: unknown operator %q", operator)
	}

	if len(criterion.Property) == 0 {
		return "", apperr.Validation("Invalid argument: criterion requires a property")
	}

	clauses := make([]string, 0, len(criterion.Property))
	for _, path := range criterion.Property {
		column, err := ResolvePath(ctx, source, f, path, joins)
		if err != nil {
			return "", err
		}

		clause, err := buildComparison(column, operator, sqlOp, criterion.Value, params)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}

	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return "(" + strings.Join(clauses, " OR ") + ")", nil
}

// buildComparison renders a single column comparison.
func buildComparison(column, operator, sqlOp string, value any, params *Params) (string, error) {
	// NULL comparison: only equality operators make sense against SQL NULL.
	if value == nil {
		switch sqlOp {
		case "=":
			return column + " IS NULL", nil
		case "<>":
			return column + " IS NOT NULL", nil
		default:
			return "", apperr.Validation("Invalid argument: operator %q cannot compare to null", operator)
		}
	}

	if operator == "IN" {
		list, ok := value.([]any)
		if !ok {
			return "", apperr.Validation("Invalid argument: IN requires an array value")
		}
		if len(list) == 0 {
			// Empty IN list matches nothing.
			return "false", nil
		}
		placeholders := make([]string, len(list))
		for i, item := range list {
			placeholders[i] = params.Add(item)
		}
		return column + " IN (" + strings.Join(placeholders, ", ") + ")", nil
	}

	return column + " " + sqlOp + " " + params.Add(value), nil
}

// # Sort Compilation

// ProcessSort compiles sort fields into an ORDER BY clause. The surrogate
// key is always appended as the final tiebreaker so ordering is total.
func ProcessSort(ctx context.Context, source FeatherSource, f *feather.Feather, sort []SortField, joins *Joins) (string, error) {
	terms := make([]string, 0, len(sort)+1)

	for _, field := range sort {
		direction := strings.ToUpper(field.Order)
		switch direction {
		case "":
			direction = "ASC"
		case "ASC", "DESC":
		default:
			return "", apperr.Validation("Invalid argument: unknown sort direction %q", field.Order)
		}

		column, err := ResolvePath(ctx, source, f, field.Property, joins)
		if err != nil {
			return "", err
		}
		terms = append(terms, column+" "+direction)
	}

	terms = append(terms, joins.Base()+"."+PKCol())
	return "ORDER BY " + strings.Join(terms, ", "), nil
}
