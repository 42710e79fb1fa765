// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package apperr defines the centralized error handling framework for the
featherbone server.

It provides a rich error type that bridges the gap between low-level
storage or engine errors and the HTTP responses the client sees.

Architecture:

  - AppError: A struct carrying a machine-readable Code, a client-safe
    message, and the HTTP status code the pipeline must answer with.
  - Mapping: Every error kind of the engine (validation, authorization,
    not found, conflict, trigger failure, infrastructure) has a dedicated
    constructor so the status codes stay consistent across components.

Every error that leaves the pipeline is wrapped as an [AppError] so clients
always receive the `{message, statusCode}` contract.
*/
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the canonical error type for the featherbone server.
//
// # Security
//
// The Cause field is for server-side logging only and is never sent to
// clients to avoid leaking internal implementation details (e.g. SQL).
type AppError struct {
	// Code is a machine-readable error identifier (e.g. "NOT_FOUND").
	Code string `json:"code"`
	// Message is a human-readable description safe to return to the client.
	Message string `json:"message"`
	// StatusCode is the HTTP response status code.
	StatusCode int `json:"statusCode"`
	// Cause is the underlying error, used for server-side logging only.
	Cause error `json:"-"`
}

// Error implements the error interface. It returns the client-safe message.
func (e *AppError) Error() string { return e.Message }

// Unwrap allows [errors.Is] and [errors.As] to traverse the cause chain.
func (e *AppError) Unwrap() error { return e.Cause }

// # Client Errors (4xx)

// Validation creates a 400 [AppError] for malformed or rejected input:
// unknown properties, bad filter operators, required fields set to null.
func Validation(format string, args ...any) *AppError {
	return &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    fmt.Sprintf(format, args...),
		StatusCode: http.StatusBadRequest,
	}
}

// Unauthorized creates a 401 [AppError] for failed authorization checks.
func Unauthorized(msg string) *AppError {
	return &AppError{
		Code:       "UNAUTHORIZED",
		Message:    msg,
		StatusCode: http.StatusUnauthorized,
	}
}

// NotFound creates a 404 [AppError] for a named resource.
//
// Example:
//
//	apperr.NotFound("Feather", "Contact") // "Feather Contact not found"
func NotFound(kind, name string) *AppError {
	return &AppError{
		Code:       "NOT_FOUND",
		Message:    kind + " " + name + " not found",
		StatusCode: http.StatusNotFound,
	}
}

// Conflict creates a 409 [AppError] for stale etags, record locks held by
// another event key, and natural key collisions.
func Conflict(format string, args ...any) *AppError {
	return &AppError{
		Code:       "CONFLICT",
		Message:    fmt.Sprintf(format, args...),
		StatusCode: http.StatusConflict,
	}
}

// # Server Errors (5xx)

// Internal creates a 500 [AppError] wrapping an unexpected server-side
// error. The cause is stored for logging but is never sent to the client.
func Internal(cause error) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    "An unexpected error occurred",
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// # Helpers

// Normalize guarantees err is an [*AppError]. Plain errors — including the
// string errors raised by user triggers — become 500s with the original
// message preserved, matching the pipeline's error contract.
func Normalize(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    err.Error(),
		StatusCode: http.StatusInternalServerError,
		Cause:      err,
	}
}

// As extracts the [*AppError] from err's chain. It returns nil if not found.
func As(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// StatusOf returns the HTTP status carried by err, defaulting to 500.
func StatusOf(err error) int {
	if ae := As(err); ae != nil {
		return ae.StatusCode
	}
	return http.StatusInternalServerError
}
