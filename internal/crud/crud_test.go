// Copyright (c) 2026 Featherbone. All rights reserved.

package crud

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
)

func testEngine() *Engine {
	return &Engine{BaseCurrency: "USD"}
}

func contactFeather() *feather.Feather {
	f := &feather.Feather{
		Name: "Contact",
		Properties: map[string]feather.Property{
			"firstName": {Type: feather.ScalarType("string")},
			"lastName":  {Type: feather.ScalarType("string"), IsNaturalKey: true},
			"nickname":  {Type: feather.ScalarType("string"), Alias: "Handle"},
			"parent": {Type: feather.RelationType(feather.Relation{
				Feather: "Folder",
			})},
			"addresses": {Type: feather.RelationType(feather.Relation{
				Feather:  "Address",
				ParentOf: "addresses",
			})},
		},
	}
	f.PropertyOrder = []string{"firstName", "lastName", "nickname", "parent", "addresses"}
	return f
}

func TestRejectUnknown(t *testing.T) {
	f := contactFeather()

	err := rejectUnknown(f, map[string]any{"firstName": "Ada"})
	assert.NoError(t, err)

	err = rejectUnknown(f, map[string]any{"shoeSize": 42})
	require.Error(t, err)
	assert.Equal(t, 400, apperr.StatusOf(err))
	assert.Contains(t, err.Error(), "shoeSize")
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Last Name", label("lastName", feather.Property{}))
	assert.Equal(t, "Handle", label("nickname", feather.Property{Alias: "Handle"}))
}

func TestNaturalKey(t *testing.T) {
	f := contactFeather()

	name, prop, ok := naturalKey(f)
	require.True(t, ok)
	assert.Equal(t, "lastName", name)
	assert.True(t, prop.IsNaturalKey)

	// An autonumbered natural key is generated, never probed.
	withAuto := f.Properties["lastName"]
	withAuto.Autonumber = &feather.Autonumber{Sequence: "contact_seq"}
	f.Properties["lastName"] = withAuto
	_, _, ok = naturalKey(f)
	assert.False(t, ok)
}

func TestMoneyParts(t *testing.T) {
	e := testEngine()

	amount, currency, effective, base := e.moneyParts(map[string]any{
		"amount":     12.5,
		"currency":   "EUR",
		"effective":  "2026-01-01",
		"baseAmount": 13.0,
	})
	assert.Equal(t, 12.5, amount)
	assert.Equal(t, "EUR", currency)
	assert.Equal(t, "2026-01-01", effective)
	assert.Equal(t, 13.0, base)

	// Nothing sent: zero amount in the base currency.
	amount, currency, effective, base = e.moneyParts(nil)
	assert.Equal(t, 0, amount)
	assert.Equal(t, "USD", currency)
	assert.Nil(t, effective)
	assert.Nil(t, base)
}

func TestResolveDefault(t *testing.T) {
	e := testEngine()

	t.Run("literal passes through", func(t *testing.T) {
		got := e.resolveDefault("ada", feather.Property{
			Type:    feather.ScalarType("string"),
			Default: "pending",
		})
		assert.Equal(t, "pending", got)
	})

	t.Run("currentUser", func(t *testing.T) {
		got := e.resolveDefault("ada", feather.Property{
			Type:    feather.ScalarType("string"),
			Default: "currentUser()",
		})
		assert.Equal(t, "ada", got)
	})

	t.Run("money", func(t *testing.T) {
		got, ok := e.resolveDefault("ada", feather.Property{
			Type:    feather.ScalarType("object"),
			Format:  "money",
			Default: "money()",
		}).(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 0, got["amount"])
		assert.Equal(t, "USD", got["currency"])
	})

	t.Run("unknown function stays literal", func(t *testing.T) {
		got := e.resolveDefault("ada", feather.Property{
			Type:    feather.ScalarType("string"),
			Default: "sequence()",
		})
		assert.Equal(t, "sequence()", got)
	})
}

func TestResolveToOnePureCases(t *testing.T) {
	ctx := context.Background()

	pk, err := resolveToOne(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), pk)

	pk, err = resolveToOne(ctx, nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), pk)

	pk, err = resolveToOne(ctx, nil, int64(77))
	require.NoError(t, err)
	assert.Equal(t, int64(77), pk)

	pk, err = resolveToOne(ctx, nil, float64(88))
	require.NoError(t, err)
	assert.Equal(t, int64(88), pk)

	pk, err = resolveToOne(ctx, nil, map[string]any{"id": ""})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), pk)

	_, err = resolveToOne(ctx, nil, true)
	require.Error(t, err)
	assert.Equal(t, 400, apperr.StatusOf(err))
}

func TestEncodeJSON(t *testing.T) {
	got, err := encodeJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	// A valid JSON string is stored as-is, not double-encoded.
	got, err = encodeJSON(`{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got)

	got, err = encodeJSON(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got.([]byte)))
}

func TestStripBackPointers(t *testing.T) {
	f := &feather.Feather{
		Name: "Address",
		Properties: map[string]feather.Property{
			"city": {Type: feather.ScalarType("string")},
			"contact": {Type: feather.RelationType(feather.Relation{
				Feather: "Contact",
				ChildOf: "addresses",
			})},
		},
	}
	f.PropertyOrder = []string{"city", "contact"}

	out := stripBackPointers(f, map[string]any{
		"city":    "Berlin",
		"contact": map[string]any{"id": "abc"},
	})
	assert.Equal(t, map[string]any{"city": "Berlin"}, out)
}

func TestFolderID(t *testing.T) {
	f := contactFeather()

	assert.Equal(t, "f1", folderID(f, map[string]any{"parent": "f1"}))
	assert.Equal(t, "f2", folderID(f, map[string]any{
		"parent": map[string]any{"id": "f2"},
	}))
	assert.Equal(t, "", folderID(f, map[string]any{}))
}

func TestSelectColumns(t *testing.T) {
	f := &feather.Feather{
		Name: "Invoice",
		Properties: map[string]feather.Property{
			"number": {Type: feather.ScalarType("string")},
			"total":  {Type: feather.ScalarType("object"), Format: "money"},
			"lines": {Type: feather.RelationType(feather.Relation{
				Feather:  "InvoiceLine",
				ParentOf: "lines",
			})},
		},
	}
	f.PropertyOrder = []string{"number", "total", "lines"}

	names, exprs := selectColumns(f)
	assert.Equal(t, []string{"number", "total"}, names)
	require.Len(t, exprs, 2)
	assert.Equal(t, `t."number"`, exprs[0])
	// Money composites read back as jsonb.
	assert.Contains(t, exprs[1], "to_jsonb")
}
