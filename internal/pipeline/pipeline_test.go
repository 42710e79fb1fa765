// Copyright (c) 2026 Featherbone. All rights reserved.

package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/events"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

func TestRegistryFunctions(t *testing.T) {
	r := NewRegistry()
	noop := func(_ context.Context, _ tools.DB, _ *Payload) (any, error) { return nil, nil }

	require.NoError(t, r.RegisterFunction(MethodPost, "sendMail", noop))

	t.Run("PascalCase rejected", func(t *testing.T) {
		err := r.RegisterFunction(MethodPost, "SendMail", noop)
		assert.Error(t, err)
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		err := r.RegisterFunction(MethodPost, "sendMail", noop)
		assert.Error(t, err)
	})

	t.Run("lookup respects method", func(t *testing.T) {
		_, ok := r.function(MethodPost, "sendMail")
		assert.True(t, ok)
		_, ok = r.function(MethodGet, "sendMail")
		assert.False(t, ok)
	})

	t.Run("feather names never dispatch as functions", func(t *testing.T) {
		_, ok := r.function(MethodPost, "Contact")
		assert.False(t, ok)
	})
}

func TestRegistryTriggers(t *testing.T) {
	r := NewRegistry()
	noop := func(_ context.Context, _ *TriggerContext) error { return nil }

	require.NoError(t, r.RegisterTrigger("Contact", MethodPost, Before, noop))

	err := r.RegisterTrigger("Contact", MethodPost, Before, noop)
	assert.Error(t, err, "one trigger per feather, method, and position")

	require.NoError(t, r.RegisterTrigger("Contact", MethodPost, After, noop))
	require.NoError(t, r.RegisterTrigger("Contact", MethodPatch, Before, noop))

	err = r.RegisterTrigger("Contact", MethodPost, Position("AROUND"), noop)
	assert.Error(t, err)

	_, ok := r.trigger("Contact", MethodPost, Before)
	assert.True(t, ok)
	_, ok = r.trigger("Contact", MethodDelete, Before)
	assert.False(t, ok)
}

func TestApplyPatch(t *testing.T) {
	doc := json.RawMessage(`{"name":"Ada","age":36}`)

	t.Run("applies", func(t *testing.T) {
		out, err := applyPatch(doc, json.RawMessage(`[{"op":"replace","path":"/age","value":37}]`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"Ada","age":37}`, string(out))
	})

	t.Run("failed test is a conflict", func(t *testing.T) {
		_, err := applyPatch(doc, json.RawMessage(`[{"op":"test","path":"/age","value":99}]`))
		require.Error(t, err)
		assert.Equal(t, 409, apperr.StatusOf(err))
	})

	t.Run("malformed patch is a validation error", func(t *testing.T) {
		_, err := applyPatch(doc, json.RawMessage(`{"not":"a patch"}`))
		require.Error(t, err)
		assert.Equal(t, 400, apperr.StatusOf(err))
	})
}

func TestFoldMutationsPatch(t *testing.T) {
	p := &Pipeline{}
	payload := &Payload{
		Method: MethodPatch,
		Data:   json.RawMessage(`[{"op":"replace","path":"/age","value":37}]`),
	}
	oldRec := map[string]any{"name": "Ada", "age": float64(36)}
	// A trigger bumped the age further and set a flag.
	newRec := map[string]any{"name": "Ada", "age": float64(40), "vip": true}

	require.NoError(t, p.foldMutations(payload, oldRec, newRec))

	applied, err := applyPatch(json.RawMessage(`{"name":"Ada","age":36}`), payload.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","age":40,"vip":true}`, string(applied))
}

func TestFoldMutationsPost(t *testing.T) {
	p := &Pipeline{}
	payload := &Payload{
		Method: MethodPost,
		Data:   json.RawMessage(`{"name":"Ada"}`),
	}
	newRec := map[string]any{"name": "Ada", "status": "active"}

	require.NoError(t, p.foldMutations(payload, nil, newRec))
	assert.JSONEq(t, `{"name":"Ada","status":"active"}`, string(payload.Data))
}

func TestSharedChanges(t *testing.T) {
	outer := &[]events.Change{}

	// A nested payload carrying the outer list appends to that same list.
	got := sharedChanges(Payload{Changes: outer})
	assert.Same(t, outer, got)
	*got = append(*got, events.Change{ID: "abc", Action: "create"})
	require.Len(t, *outer, 1)
	assert.Equal(t, "abc", (*outer)[0].ID)

	// Without one, a fresh list keeps nested triggers from panicking.
	fresh := sharedChanges(Payload{})
	require.NotNil(t, fresh)
	assert.Empty(t, *fresh)
}

func TestUpsertTarget(t *testing.T) {
	tests := []struct {
		name     string
		existing map[string]any
		incoming map[string]any
		want     map[string]any
	}{
		{
			name:     "stored fields absent from the body are cleared",
			existing: map[string]any{"id": "c1", "name": "Ada", "phone": "555"},
			incoming: map[string]any{"name": "Ada Lovelace"},
			want:     map[string]any{"id": "c1", "name": "Ada Lovelace", "phone": nil},
		},
		{
			name: "stored arrays absent from the body are preserved",
			existing: map[string]any{
				"id":        "c1",
				"addresses": []any{map[string]any{"city": "Berlin"}},
			},
			incoming: map[string]any{"name": "Ada"},
			want: map[string]any{
				"id":        "c1",
				"name":      "Ada",
				"addresses": []any{map[string]any{"city": "Berlin"}},
			},
		},
		{
			name:     "incoming values win over stored ones",
			existing: map[string]any{"id": "c1", "name": "Ada", "addresses": []any{"old"}},
			incoming: map[string]any{"name": "Grace", "addresses": []any{"new"}},
			want:     map[string]any{"id": "c1", "name": "Grace", "addresses": []any{"new"}},
		},
		{
			name:     "id always reflects the request",
			existing: map[string]any{"id": "stale"},
			incoming: map[string]any{},
			want:     map[string]any{"id": "c1"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, upsertTarget(tc.existing, tc.incoming, "c1"))
		})
	}
}

func TestBeforeWalkPinsIntent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterTrigger("Contact", MethodPost, Before,
		func(_ context.Context, tc *TriggerContext) error {
			tc.NewRec["status"] = "active"
			return nil
		},
	))
	p := &Pipeline{registry: reg}

	payload := &Payload{
		Method: MethodPost,
		Name:   "Contact",
		Data:   json.RawMessage(`{"name":"Ada"}`),
	}
	_, err := p.beforeWalk(context.Background(), nil, payload, []string{"Object", "Contact"})
	require.NoError(t, err)

	// The intent record predates the trigger edit; the folded body carries it.
	assert.JSONEq(t, `{"name":"Ada"}`, string(payload.cacheRec))
	assert.JSONEq(t, `{"name":"Ada","status":"active"}`, string(payload.Data))

	t.Run("upsert-pinned intent is kept", func(t *testing.T) {
		pinned := json.RawMessage(`{"name":"Ada","phone":null}`)
		payload := &Payload{
			Method:   MethodPost,
			Name:     "Contact",
			Data:     json.RawMessage(`{"name":"Ada"}`),
			cacheRec: pinned,
		}
		_, err := p.beforeWalk(context.Background(), nil, payload, []string{"Object", "Contact"})
		require.NoError(t, err)
		assert.JSONEq(t, string(pinned), string(payload.cacheRec))
	})
}

func TestReverse(t *testing.T) {
	names := []string{"Object", "Document", "Contact"}
	reverse(names)
	assert.Equal(t, []string{"Contact", "Document", "Object"}, names)

	single := []string{"Object"}
	reverse(single)
	assert.Equal(t, []string{"Object"}, single)
}
