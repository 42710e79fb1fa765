// Copyright (c) 2026 Featherbone. All rights reserved.

package feather_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/feather"
)

func TestPropertyTypeUnmarshalScalar(t *testing.T) {
	var p feather.Property
	require.NoError(t, json.Unmarshal([]byte(`{"type":"string","format":"email"}`), &p))

	assert.Equal(t, "string", p.Type.Scalar)
	assert.Nil(t, p.Type.Relation)
	assert.False(t, p.IsRelation())
}

func TestPropertyTypeUnmarshalRelation(t *testing.T) {
	raw := `{"type":{"relation":"OrderLine","parentOf":"lines"}}`

	var p feather.Property
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	require.NotNil(t, p.Type.Relation)
	assert.Equal(t, "OrderLine", p.Type.Relation.Feather)
	assert.True(t, p.IsToMany())
	assert.False(t, p.IsToOne())
}

func TestPropertyTypeUnmarshalRejectsMissingRelation(t *testing.T) {
	var p feather.Property
	err := json.Unmarshal([]byte(`{"type":{"parentOf":"lines"}}`), &p)
	assert.Error(t, err)
}

func TestPropertyTypeMarshalRoundTrip(t *testing.T) {
	original := feather.Property{
		Type: feather.RelationType(feather.Relation{Feather: "Contact", Properties: []string{"name"}}),
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded feather.Property
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NotNil(t, decoded.Type.Relation)
	assert.Equal(t, "Contact", decoded.Type.Relation.Feather)
	assert.Equal(t, []string{"name"}, decoded.Type.Relation.Properties)
}

func TestMergeInheritedFirstAndStamped(t *testing.T) {
	parent := &feather.Feather{
		Name: "Document",
		Properties: map[string]feather.Property{
			"owner":  {Type: feather.ScalarType("string")},
			"status": {Type: feather.ScalarType("string")},
		},
	}
	child := &feather.Feather{
		Name:     "Invoice",
		Inherits: "Document",
		Properties: map[string]feather.Property{
			"number": {Type: feather.ScalarType("string")},
			// Redeclares status: override must win and clear inheritedFrom.
			"status": {Type: feather.ScalarType("string"), IsRequired: true},
		},
	}

	merged := feather.Merge([]*feather.Feather{feather.Object(), parent, child})
	require.NotNil(t, merged)

	// Every Object property must be present and stamped.
	for _, name := range []string{"id", "created", "createdBy", "updated", "updatedBy", "isDeleted", "lock", "etag"} {
		prop, ok := merged.Properties[name]
		require.True(t, ok, name)
		assert.Equal(t, "Object", prop.InheritedFrom, name)
	}

	// Parent property inherited, stamped with the parent's name.
	assert.Equal(t, "Document", merged.Properties["owner"].InheritedFrom)

	// Child override: no inheritedFrom, child's descriptor.
	assert.Equal(t, "", merged.Properties["status"].InheritedFrom)
	assert.True(t, merged.Properties["status"].IsRequired)

	// Own property last, inherited first.
	order := merged.PropertyOrder
	require.NotEmpty(t, order)
	idxOwner := indexOf(order, "owner")
	idxNumber := indexOf(order, "number")
	idxID := indexOf(order, "id")
	assert.Less(t, idxID, idxOwner)
	assert.Less(t, idxOwner, idxNumber)
}

func TestMergeSingleFeather(t *testing.T) {
	f := &feather.Feather{
		Name:       "Tag",
		Properties: map[string]feather.Property{"label": {Type: feather.ScalarType("string")}},
	}

	merged := feather.Merge([]*feather.Feather{f})
	require.NotNil(t, merged)
	assert.Equal(t, []string{"label"}, merged.PropertyOrder)
	assert.Equal(t, "", merged.Properties["label"].InheritedFrom)
}

func indexOf(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}
