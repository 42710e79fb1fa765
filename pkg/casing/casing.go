// Copyright (c) 2026 Featherbone. All rights reserved.

// Package casing converts identifiers between the naming conventions used
// across the engine.
//
// # Conventions
//
// Feather names are PascalCase ("OrderLine"), physical tables and columns
// are snake_case ("order_line"), JSON property names are camelCase
// ("orderLine"), and HTTP route segments are spinal-case ("order-line").
// This package is the single place those conversions live so that a name
// round-trips identically everywhere.
package casing

import (
	"strings"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Snake converts a PascalCase or camelCase identifier into snake_case.
//
//	Snake("OrderLine") == "order_line"
//	Snake("baseAmount") == "base_amount"
func Snake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)

	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

// Camel converts a snake_case or spinal-case identifier into camelCase.
//
//	Camel("order_line") == "orderLine"
//	Camel("base-amount") == "baseAmount"
func Camel(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	upperNext := false
	for _, r := range s {
		if r == '_' || r == '-' {
			upperNext = true
			continue
		}
		if upperNext {
			b.WriteRune(unicode.ToUpper(r))
			upperNext = false
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

// Pascal converts a snake_case, spinal-case, or camelCase identifier into
// PascalCase.
//
//	Pascal("order-line") == "OrderLine"
func Pascal(s string) string {
	c := Camel(s)
	if c == "" {
		return c
	}
	return strings.ToUpper(c[:1]) + c[1:]
}

// Spinal converts a PascalCase or camelCase identifier into spinal-case.
//
//	Spinal("OrderLine") == "order-line"
func Spinal(s string) string {
	return strings.ReplaceAll(Snake(s), "_", "-")
}

// Label converts a camelCase or PascalCase identifier into a spaced,
// capitalized label for user-facing messages.
//
//	Label("lastName") == "Last Name"
func Label(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)

	for i, r := range s {
		if i == 0 {
			b.WriteRune(unicode.ToUpper(r))
			continue
		}
		if unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}

	return b.String()
}

// Normalize strips combining marks (accents) and any character that is not
// a letter, digit, or underscore. It is applied to user-supplied feather
// names before they are turned into physical identifiers.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn))
	result, _, _ := transform.String(t, s)

	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return r
		}
		return -1
	}, result)
}

// isMn reports whether r is a Unicode non-spacing mark (e.g., accents).
func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}
