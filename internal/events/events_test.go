// Copyright (c) 2026 Featherbone. All rights reserved.

package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/platform/constants"
)

func TestChannel(t *testing.T) {
	assert.Equal(t, "node_n1", Channel("n1"))
}

func TestEnvelopeShape(t *testing.T) {
	env := Envelope{
		Message: Message{
			Subscription: Subscription{
				ID:        "sub-1",
				SessionID: "sess-1",
				NodeID:    "n1",
			},
			Action: "update",
			Data:   map[string]any{"id": "abc"},
		},
	}

	encoded, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"message": {
			"subscription": {"id":"sub-1","sessionId":"sess-1","nodeId":"n1"},
			"action": "update",
			"data": {"id":"abc"}
		}
	}`, string(encoded))
}

func TestHubPublish(t *testing.T) {
	hub := NewHub()
	ch := hub.Register("sess-1")

	require.True(t, hub.Publish("sess-1", []byte("one")))
	assert.Equal(t, []byte("one"), <-ch)

	// Unknown sessions belong to other nodes; publishing is not a failure.
	assert.True(t, hub.Publish("elsewhere", []byte("x")))
}

func TestHubOverflow(t *testing.T) {
	hub := NewHub()
	hub.Register("sess-1")

	for i := 0; i < constants.SessionBuffer; i++ {
		require.True(t, hub.Publish("sess-1", []byte("m")))
	}
	assert.False(t, hub.Publish("sess-1", []byte("overflow")))
}

func TestHubReplaceAndUnregister(t *testing.T) {
	hub := NewHub()
	stale := hub.Register("sess-1")
	fresh := hub.Register("sess-1")

	_, open := <-stale
	assert.False(t, open, "stale sink closes on re-register")

	require.True(t, hub.Publish("sess-1", []byte("hello")))
	assert.Equal(t, []byte("hello"), <-fresh)

	hub.Unregister("sess-1")
	_, open = <-fresh
	assert.False(t, open)

	// Unregistering twice is a no-op.
	hub.Unregister("sess-1")
}
