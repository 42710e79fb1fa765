// Copyright (c) 2026 Featherbone. All rights reserved.

package workbook

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
)

func TestSaveWorkbookValidation(t *testing.T) {
	ctx := context.Background()

	_, err := SaveWorkbook(ctx, nil, Workbook{}, "ada")
	require.Error(t, err)
	assert.Equal(t, 400, apperr.StatusOf(err))

	_, err = SaveWorkbook(ctx, nil, Workbook{Name: "Sales"}, "ada")
	require.Error(t, err)
	assert.Equal(t, 400, apperr.StatusOf(err))
	assert.Contains(t, err.Error(), "definition")
}

func TestWorkbookJSONShape(t *testing.T) {
	wb := Workbook{
		Name:       "Sales",
		Definition: json.RawMessage(`{"defaultConfig":[]}`),
		ETag:       "e1",
	}
	encoded, err := json.Marshal(wb)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Sales","definition":{"defaultConfig":[]},"etag":"e1"}`, string(encoded))
}
