// Copyright (c) 2026 Featherbone. All rights reserved.

package casing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jrogelstad/featherbone-server/pkg/casing"
)

func TestSnake(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Contact", "contact"},
		{"OrderLine", "order_line"},
		{"baseAmount", "base_amount"},
		{"already_snake", "already_snake"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, casing.Snake(tt.in))
		})
	}
}

func TestCamel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"order_line", "orderLine"},
		{"base-amount", "baseAmount"},
		{"id", "id"},
		{"created_by", "createdBy"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, casing.Camel(tt.in))
		})
	}
}

func TestPascalSpinalRoundTrip(t *testing.T) {
	// Route segments must map back to the exact feather name.
	names := []string{"Contact", "OrderLine", "SalesOrderWorkOrder"}

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, name, casing.Pascal(casing.Spinal(name)))
		})
	}
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Last Name", casing.Label("lastName"))
	assert.Equal(t, "Order Line", casing.Label("OrderLine"))
	assert.Equal(t, "Id", casing.Label("id"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "Resume", casing.Normalize("Résumé"))
	assert.Equal(t, "order_line", casing.Normalize("order_line!"))
}
