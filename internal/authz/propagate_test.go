// Copyright (c) 2026 Featherbone. All rights reserved.

package authz

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// fakeDefinitions serves stored (unmerged) feather definitions, the way
// the catalog hands them to propagation.
type fakeDefinitions struct {
	feathers map[string]*feather.Feather
	chains   map[string][]string
}

func (d *fakeDefinitions) Feather(_ context.Context, name string, _ bool) (*feather.Feather, error) {
	f, ok := d.feathers[name]
	if !ok {
		return nil, apperr.NotFound("Feather", name)
	}
	return f, nil
}

func (d *fakeDefinitions) All(_ context.Context, _ tools.DB) ([]*feather.Feather, error) {
	var out []*feather.Feather
	for _, f := range d.feathers {
		out = append(out, f)
	}
	return out, nil
}

func (d *fakeDefinitions) Chain(_ context.Context, name string) ([]string, error) {
	chain, ok := d.chains[name]
	if !ok {
		return nil, apperr.NotFound("Feather", name)
	}
	return chain, nil
}

// parseFeather mirrors how the catalog materializes stored rows: straight
// from JSON, with no merge pass.
func parseFeather(t *testing.T, raw string) *feather.Feather {
	t.Helper()
	f := &feather.Feather{}
	require.NoError(t, json.Unmarshal([]byte(raw), f))
	return f
}

func TestContainersFindsStoredDefinitions(t *testing.T) {
	defs := &fakeDefinitions{
		feathers: map[string]*feather.Feather{
			"Document": parseFeather(t, `{
				"name": "Document",
				"properties": {
					"name":   {"type": "string"},
					"folder": {"type": {"relation": "Folder"}}
				}
			}`),
			"Folder": parseFeather(t, `{
				"name": "Folder",
				"properties": {
					"name":   {"type": "string"},
					"parent": {"type": {"relation": "Folder"}}
				}
			}`),
			"Note": parseFeather(t, `{
				"name": "Note",
				"properties": {
					"body": {"type": "string"}
				}
			}`),
		},
		chains: map[string][]string{
			"Document": {"Object", "Document"},
			"Folder":   {"Object", "Folder"},
			"Note":     {"Object", "Note"},
		},
	}
	svc := New(defs)

	found, err := svc.containers(context.Background(), nil)
	require.NoError(t, err)

	byTable := map[string]container{}
	for _, c := range found {
		byTable[c.table] = c
	}

	require.Contains(t, byTable, "document", "a stored to-one into Folder is a container")
	assert.Equal(t, "folder", byTable["document"].column)
	assert.False(t, byTable["document"].isFolder)

	require.Contains(t, byTable, "folder", "folders nest through their own parent relation")
	assert.Equal(t, "parent", byTable["folder"].column)
	assert.True(t, byTable["folder"].isFolder)

	assert.NotContains(t, byTable, "note", "feathers without a folder relation are not swept")
}
