// Copyright (c) 2026 Featherbone. All rights reserved.

package lock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
)

func TestUnlockRequiresCriterion(t *testing.T) {
	_, err := Unlock(context.Background(), nil, UnlockRequest{})
	require.Error(t, err)
	assert.Equal(t, 400, apperr.StatusOf(err))
}
