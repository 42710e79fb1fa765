// Copyright (c) 2026 Featherbone. All rights reserved.

package ctxutil_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/platform/ctxutil"
	"github.com/jrogelstad/featherbone-server/internal/platform/sec"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := ctxutil.WithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", ctxutil.GetRequestID(ctx))
}

func TestGetRequestIDMissing(t *testing.T) {
	assert.Equal(t, "", ctxutil.GetRequestID(context.Background()))
}

func TestLoggerFallsBackToDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), ctxutil.GetLogger(context.Background()))
}

func TestAuthUserRoundTrip(t *testing.T) {
	claims := &sec.AuthClaims{Username: "ada", IsSuper: true}
	ctx := ctxutil.WithAuthUser(context.Background(), claims)

	got := ctxutil.GetAuthUser(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "ada", got.Username)
	assert.True(t, got.IsSuper)

	assert.Nil(t, ctxutil.GetAuthUser(context.Background()))
}
