// Copyright (c) 2026 Featherbone. All rights reserved.

package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
)

func TestConstructorsCarryStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperr.Validation("Invalid argument"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unauthorized", apperr.Unauthorized("Not authorized"), http.StatusUnauthorized, "UNAUTHORIZED"},
		{"not_found", apperr.NotFound("Feather", "Contact"), http.StatusNotFound, "NOT_FOUND"},
		{"conflict", apperr.Conflict("Record is locked by %s", "alice"), http.StatusConflict, "CONFLICT"},
		{"internal", apperr.Internal(errors.New("boom")), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ae := apperr.As(tt.err)
			require.NotNil(t, ae)
			assert.Equal(t, tt.status, ae.StatusCode)
			assert.Equal(t, tt.code, ae.Code)
		})
	}
}

func TestNormalizeWrapsPlainErrors(t *testing.T) {
	ae := apperr.Normalize(errors.New("trigger failed"))
	require.NotNil(t, ae)
	assert.Equal(t, http.StatusInternalServerError, ae.StatusCode)
	assert.Equal(t, "trigger failed", ae.Message)
}

func TestNormalizePreservesWrappedAppError(t *testing.T) {
	inner := apperr.Conflict("stale etag")
	wrapped := fmt.Errorf("update: %w", inner)

	ae := apperr.Normalize(wrapped)
	require.NotNil(t, ae)
	assert.Equal(t, http.StatusConflict, ae.StatusCode)
}

func TestStatusOfDefaultsTo500(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, apperr.StatusOf(errors.New("x")))
	assert.Equal(t, http.StatusNotFound, apperr.StatusOf(apperr.NotFound("Object", "123")))
}
