// Copyright (c) 2026 Featherbone. All rights reserved.

package tools_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// fakeSource serves feathers from a map, standing in for the catalog.
type fakeSource struct {
	feathers map[string]*feather.Feather
}

func (s *fakeSource) Feather(_ context.Context, name string, _ bool) (*feather.Feather, error) {
	f, ok := s.feathers[name]
	if !ok {
		return nil, apperr.NotFound("Feather", name)
	}
	return f, nil
}

func testSource() *fakeSource {
	contact := &feather.Feather{
		Name: "Contact",
		Properties: map[string]feather.Property{
			"firstName": {Type: feather.ScalarType("string")},
			"lastName":  {Type: feather.ScalarType("string"), IsNaturalKey: true},
			"age":       {Type: feather.ScalarType("integer")},
			"parent": {Type: feather.RelationType(feather.Relation{
				Feather: "Contact",
			})},
			"addresses": {Type: feather.RelationType(feather.Relation{
				Feather:  "Address",
				ParentOf: "addresses",
			})},
		},
	}
	address := &feather.Feather{
		Name: "Address",
		Properties: map[string]feather.Property{
			"city": {Type: feather.ScalarType("string")},
		},
	}
	return &fakeSource{feathers: map[string]*feather.Feather{
		"Contact": contact,
		"Address": address,
	}}
}

func TestSanitize(t *testing.T) {
	row := map[string]any{
		"_pk":        int64(42),
		"first_name": "Ada",
		"sub_tree":   map[string]any{"_internal": 1, "base_amount": 10},
		"list":       []any{map[string]any{"is_deleted": false}},
		"raw":        []byte(`{"nested_key": true}`),
	}

	out, ok := tools.Sanitize(row).(map[string]any)
	require.True(t, ok)

	assert.NotContains(t, out, "_pk")
	assert.Equal(t, "Ada", out["firstName"])

	sub, ok := out["subTree"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, sub, "_internal")
	assert.Equal(t, 10, sub["baseAmount"])

	list, ok := out["list"].([]any)
	require.True(t, ok)
	first, ok := list[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, first["isDeleted"])

	raw, ok := out["raw"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, raw["nestedKey"])
}

func TestBuildWhereSimpleCriterion(t *testing.T) {
	source := testSource()
	f := source.feathers["Contact"]
	params := &tools.Params{}
	joins := tools.NewJoins("t")

	conditions, err := tools.BuildWhere(context.Background(), source, f,
		[]tools.Criterion{{Property: tools.PropertyRef{"lastName"}, Operator: "=", Value: "Lovelace"}},
		params, joins)
	require.NoError(t, err)
	require.Len(t, conditions, 1)

	assert.Equal(t, `t."last_name" = $1`, conditions[0])
	assert.Equal(t, []any{"Lovelace"}, params.Args())
	assert.Equal(t, "", joins.SQL())
}

func TestBuildWhereDisjunction(t *testing.T) {
	source := testSource()
	f := source.feathers["Contact"]
	params := &tools.Params{}

	conditions, err := tools.BuildWhere(context.Background(), source, f,
		[]tools.Criterion{{
			Property: tools.PropertyRef{"firstName", "lastName"},
			Operator: "~*",
			Value:    "ada",
		}},
		params, tools.NewJoins("t"))
	require.NoError(t, err)
	require.Len(t, conditions, 1)

	assert.Equal(t, `(t."first_name" ~* $1 OR t."last_name" ~* $2)`, conditions[0])
	assert.Equal(t, []any{"ada", "ada"}, params.Args())
}

func TestBuildWhereDottedPathJoinsOnce(t *testing.T) {
	source := testSource()
	f := source.feathers["Contact"]
	params := &tools.Params{}
	joins := tools.NewJoins("t")

	conditions, err := tools.BuildWhere(context.Background(), source, f,
		[]tools.Criterion{
			{Property: tools.PropertyRef{"parent.firstName"}, Value: "Ada"},
			{Property: tools.PropertyRef{"parent.lastName"}, Value: "Lovelace"},
		},
		params, joins)
	require.NoError(t, err)
	require.Len(t, conditions, 2)

	assert.Equal(t, `j1."first_name" = $1`, conditions[0])
	assert.Equal(t, `j1."last_name" = $2`, conditions[1])
	// The parent hop must join exactly once.
	assert.Equal(t, ` LEFT OUTER JOIN "contact" j1 ON j1._pk = t."parent"`, joins.SQL())
}

func TestBuildWhereNullSemantics(t *testing.T) {
	source := testSource()
	f := source.feathers["Contact"]

	tests := []struct {
		name     string
		operator string
		want     string
		wantErr  bool
	}{
		{"equals_null", "=", `t."age" IS NULL`, false},
		{"not_equals_null", "!=", `t."age" IS NOT NULL`, false},
		{"less_than_null", "<", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conditions, err := tools.BuildWhere(context.Background(), source, f,
				[]tools.Criterion{{Property: tools.PropertyRef{"age"}, Operator: tt.operator, Value: nil}},
				&tools.Params{}, tools.NewJoins("t"))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, 400, apperr.StatusOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, conditions[0])
		})
	}
}

func TestBuildWhereIN(t *testing.T) {
	source := testSource()
	f := source.feathers["Contact"]
	params := &tools.Params{}

	conditions, err := tools.BuildWhere(context.Background(), source, f,
		[]tools.Criterion{{Property: tools.PropertyRef{"age"}, Operator: "IN", Value: []any{30, 40}}},
		params, tools.NewJoins("t"))
	require.NoError(t, err)
	assert.Equal(t, `t."age" IN ($1, $2)`, conditions[0])

	// Empty list matches nothing rather than erroring.
	conditions, err = tools.BuildWhere(context.Background(), source, f,
		[]tools.Criterion{{Property: tools.PropertyRef{"age"}, Operator: "IN", Value: []any{}}},
		&tools.Params{}, tools.NewJoins("t"))
	require.NoError(t, err)
	assert.Equal(t, "false", conditions[0])
}

func TestBuildWhereRejectsUnknowns(t *testing.T) {
	source := testSource()
	f := source.feathers["Contact"]

	_, err := tools.BuildWhere(context.Background(), source, f,
		[]tools.Criterion{{Property: tools.PropertyRef{"age"}, Operator: "LIKE", Value: "x"}},
		&tools.Params{}, tools.NewJoins("t"))
	require.Error(t, err)
	assert.Equal(t, 400, apperr.StatusOf(err))

	_, err = tools.BuildWhere(context.Background(), source, f,
		[]tools.Criterion{{Property: tools.PropertyRef{"nope"}, Value: "x"}},
		&tools.Params{}, tools.NewJoins("t"))
	require.Error(t, err)
	assert.Equal(t, 400, apperr.StatusOf(err))

	// To-many relations are not filterable.
	_, err = tools.BuildWhere(context.Background(), source, f,
		[]tools.Criterion{{Property: tools.PropertyRef{"addresses"}, Value: "x"}},
		&tools.Params{}, tools.NewJoins("t"))
	require.Error(t, err)
	assert.Equal(t, 400, apperr.StatusOf(err))
}

func TestProcessSort(t *testing.T) {
	source := testSource()
	f := source.feathers["Contact"]

	orderBy, err := tools.ProcessSort(context.Background(), source, f,
		[]tools.SortField{
			{Property: "lastName", Order: "desc"},
			{Property: "firstName"},
		}, tools.NewJoins("t"))
	require.NoError(t, err)
	assert.Equal(t, `ORDER BY t."last_name" DESC, t."first_name" ASC, t._pk`, orderBy)
}

func TestProcessSortTiebreakerAlways(t *testing.T) {
	source := testSource()
	f := source.feathers["Contact"]

	orderBy, err := tools.ProcessSort(context.Background(), source, f, nil, tools.NewJoins("t"))
	require.NoError(t, err)
	assert.Equal(t, "ORDER BY t._pk", orderBy)
}

func TestProcessSortRejectsBadDirection(t *testing.T) {
	source := testSource()
	f := source.feathers["Contact"]

	_, err := tools.ProcessSort(context.Background(), source, f,
		[]tools.SortField{{Property: "lastName", Order: "SIDEWAYS"}}, tools.NewJoins("t"))
	require.Error(t, err)
	assert.Equal(t, 400, apperr.StatusOf(err))
}

func TestBuildAuthSQLRejectsUnknownAction(t *testing.T) {
	_, err := tools.BuildAuthSQL("canFly", "t", "Contact", "ada", &tools.Params{})
	require.Error(t, err)
	assert.Equal(t, 400, apperr.StatusOf(err))
}

func TestBuildAuthSQLBindsUserAndFeather(t *testing.T) {
	params := &tools.Params{}
	clause, err := tools.BuildAuthSQL("canRead", "t", "Contact", "ada", params)
	require.NoError(t, err)

	assert.Contains(t, clause, "can_read")
	assert.Contains(t, clause, "NOT a.is_inherited")
	assert.Equal(t, []any{"ada", "Contact"}, params.Args())
}
