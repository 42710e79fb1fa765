// Copyright (c) 2026 Featherbone. All rights reserved.

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"unicode"

	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// Position anchors a trigger relative to the CRUD execution.
type Position string

const (
	Before Position = "BEFORE"
	After  Position = "AFTER"
)

// TriggerContext is the view a trigger gets of the in-flight request. A
// trigger runs inside the request's transaction; mutations to NewRec are
// folded back into the effective request body, and an error rolls the
// whole transaction back.
type TriggerContext struct {
	// DB is the open transaction. Nested engine calls must go through it.
	DB tools.DB
	// Payload is the in-flight request.
	Payload *Payload
	// OldRec is the stored record before the change; nil on insert.
	OldRec map[string]any
	// NewRec is the record as it will be after the change. Mutable.
	NewRec map[string]any
}

// TriggerFunc is user-supplied logic bound to a feather, method, and
// position.
type TriggerFunc func(ctx context.Context, t *TriggerContext) error

// FunctionFunc is a registered procedure addressed by (method, name)
// instead of feather CRUD.
type FunctionFunc func(ctx context.Context, db tools.DB, payload *Payload) (any, error)

// Registry holds registered functions and triggers. Function names are
// camelCase and feather names PascalCase, so a payload name's first rune
// decides which dispatch applies.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]FunctionFunc
	triggers  map[string]TriggerFunc
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		functions: make(map[string]FunctionFunc),
		triggers:  make(map[string]TriggerFunc),
	}
}

// RegisterFunction binds fn to (method, name). Names must be camelCase to
// stay distinguishable from feather CRUD.
func (r *Registry) RegisterFunction(method Method, name string, fn FunctionFunc) error {
	if name == "" || !isCamel(name) {
		return fmt.Errorf("pipeline: function name %q must be camelCase", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(method) + ":" + name
	if _, ok := r.functions[key]; ok {
		return fmt.Errorf("pipeline: function %s %s already registered", method, name)
	}
	r.functions[key] = fn
	return nil
}

// RegisterTrigger binds fn to (feather, method, position). A feather may
// carry at most one trigger per method and position.
func (r *Registry) RegisterTrigger(featherName string, method Method, position Position, fn TriggerFunc) error {
	if position != Before && position != After {
		return fmt.Errorf("pipeline: unknown trigger position %q", position)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := featherName + ":" + string(method) + ":" + string(position)
	if _, ok := r.triggers[key]; ok {
		return fmt.Errorf("pipeline: trigger %s %s %s already registered", featherName, method, position)
	}
	r.triggers[key] = fn
	return nil
}

// function resolves a registered procedure, if the name addresses one.
func (r *Registry) function(method Method, name string) (FunctionFunc, bool) {
	if !isCamel(name) {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[string(method)+":"+name]
	return fn, ok
}

// trigger resolves the trigger for one chain link.
func (r *Registry) trigger(featherName string, method Method, position Position) (TriggerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.triggers[featherName+":"+string(method)+":"+string(position)]
	return fn, ok
}

// isCamel reports whether the name starts lowercase.
func isCamel(name string) bool {
	for _, r := range name {
		return unicode.IsLower(r)
	}
	return false
}
