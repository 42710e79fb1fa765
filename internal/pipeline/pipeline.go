// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package pipeline is the single entry point for engine requests.

# Architecture

	Start → AcquireClient → [BeginTx?] → UpsertCheck → BeforeWalk → Execute
	                                                                   │
	                                                   AfterWalk ← Success
	                                                       │
	                                                       ▼
	                                                   Commit → Notify → Respond

A write request owns exactly one transaction. Nested calls made by
triggers carry the open transaction in their payload and never commit;
only the outermost request commits, and notifications go out strictly
after the commit. Any error rolls the transaction back and surfaces as a
normalized {message, statusCode} error.
*/
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wI2L/jsondiff"

	"github.com/jrogelstad/featherbone-server/internal/crud"
	"github.com/jrogelstad/featherbone-server/internal/events"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/tools"
)

// Method is the request verb.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
	MethodPut    Method = "PUT"
)

// Payload is one engine request.
type Payload struct {
	Method Method
	// Name is a feather name (PascalCase) or a registered function name
	// (camelCase).
	Name string
	ID   string
	// Data is the body: an object for POST/PUT, a JSON-patch for PATCH.
	Data json.RawMessage
	// Filter shapes GET list reads.
	Filter *tools.Filter
	// Subscription registers the read results for change notifications.
	Subscription *events.Subscription
	ShowDeleted  bool
	// ETag, when set on PATCH, must match the stored row.
	ETag string
	// IsHard makes DELETE physical.
	IsHard bool

	User     string
	EventKey string

	// Client, when set, is the open transaction of an enclosing request.
	// Nested requests reuse it and never commit.
	Client tools.DB

	// Changes is the outermost request's post-commit notification list.
	// The pipeline stamps it alongside Client, so a nested payload built
	// from a trigger's view carries both and its mutations notify when the
	// outermost transaction commits.
	Changes *[]events.Change

	// cacheRec is the caller-intent record synthesized by upsert
	// detection; the PATCH result diff is computed against it.
	cacheRec json.RawMessage
}

// Pipeline routes payloads through triggers and the CRUD engine.
type Pipeline struct {
	pool     *pgxpool.Pool
	catalog  crud.Definitions
	engine   *crud.Engine
	events   *events.Service
	registry *Registry
	logger   *slog.Logger
}

// New constructs a pipeline.
func New(pool *pgxpool.Pool, catalog crud.Definitions, engine *crud.Engine, eventSvc *events.Service, registry *Registry, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		pool:     pool,
		catalog:  catalog,
		engine:   engine,
		events:   eventSvc,
		registry: registry,
		logger:   logger,
	}
}

// Request executes one payload. isSuperUser bypasses authorization for
// engine-internal callers.
func (p *Pipeline) Request(ctx context.Context, payload Payload, isSuperUser bool) (any, error) {
	result, err := p.request(ctx, payload, isSuperUser)
	if err != nil {
		normalized := apperr.Normalize(err)
		if normalized.StatusCode >= 500 {
			p.logger.Error("request failed",
				slog.String("method", string(payload.Method)),
				slog.String("name", payload.Name),
				slog.String("error", err.Error()),
			)
		}
		return nil, normalized
	}
	return result, nil
}

func (p *Pipeline) request(ctx context.Context, payload Payload, isSuperUser bool) (any, error) {
	if fn, ok := p.registry.function(payload.Method, payload.Name); ok {
		return p.runFunction(ctx, payload, fn)
	}

	if payload.Method == MethodGet {
		db := payload.Client
		if db == nil {
			db = p.pool
		}
		return p.engine.Select(ctx, db, crud.Request{
			Name:         payload.Name,
			ID:           payload.ID,
			Filter:       payload.Filter,
			ShowDeleted:  payload.ShowDeleted,
			Subscription: payload.Subscription,
			User:         payload.User,
			IsSuperUser:  isSuperUser,
		})
	}

	// Nested write: ride the enclosing transaction, never commit. Its
	// changes land on the outer request's list and notify after the
	// outermost commit.
	if payload.Client != nil {
		return p.execute(ctx, payload.Client, payload, isSuperUser, sharedChanges(payload))
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var changes []events.Change
	result, err := p.execute(ctx, tx, payload, isSuperUser, &changes)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: commit: %w", err)
	}

	p.notify(ctx, changes)
	return result, nil
}

// sharedChanges resolves the notification list a nested payload should
// append to: the outer request's when it was carried in, else a fresh one.
func sharedChanges(payload Payload) *[]events.Change {
	if payload.Changes != nil {
		return payload.Changes
	}
	return &[]events.Change{}
}

// execute runs upsert detection, the trigger walks, and the CRUD verb
// against one open transaction.
func (p *Pipeline) execute(ctx context.Context, db tools.DB, payload Payload, isSuperUser bool, changes *[]events.Change) (any, error) {
	payload.Client = db
	payload.Changes = changes

	if payload.Method == MethodPost && payload.ID != "" {
		if err := p.upsertCheck(ctx, db, &payload); err != nil {
			return nil, err
		}
	}

	chain, err := p.catalog.Chain(ctx, payload.Name)
	if err != nil {
		return nil, err
	}

	walk, err := p.beforeWalk(ctx, db, &payload, chain)
	if err != nil {
		return nil, err
	}

	result, err := p.runVerb(ctx, db, payload, isSuperUser, changes)
	if err != nil {
		return nil, err
	}

	if err := p.afterWalk(ctx, db, &payload, chain, walk); err != nil {
		return nil, err
	}
	return result, nil
}

// runVerb dispatches to the CRUD engine.
func (p *Pipeline) runVerb(ctx context.Context, db tools.DB, payload Payload, isSuperUser bool, changes *[]events.Change) (any, error) {
	req := crud.Request{
		Name:         payload.Name,
		ID:           payload.ID,
		Filter:       payload.Filter,
		ShowDeleted:  payload.ShowDeleted,
		Subscription: payload.Subscription,
		ETag:         payload.ETag,
		User:         payload.User,
		EventKey:     payload.EventKey,
		IsHard:       payload.IsHard,
		IsSuperUser:  isSuperUser,
		Changes:      changes,
	}

	switch payload.Method {
	case MethodPost, MethodPut:
		data := map[string]any{}
		if len(payload.Data) > 0 {
			if err := json.Unmarshal(payload.Data, &data); err != nil {
				return nil, apperr.Validation("Body must be a JSON object")
			}
		}
		req.Data = data
		req.CacheRec = payloadCache(payload)
		return p.engine.Insert(ctx, db, req)

	case MethodPatch:
		req.Patch = payload.Data
		req.CacheRec = payloadCache(payload)
		return p.engine.Update(ctx, db, req)

	case MethodDelete:
		return p.engine.Delete(ctx, db, req)

	default:
		return nil, apperr.Validation("Method %s is not supported", payload.Method)
	}
}

// payloadCache surfaces the caller-intent record stashed by the before
// walk, if any.
func payloadCache(payload Payload) json.RawMessage {
	if payload.cacheRec != nil {
		return payload.cacheRec
	}
	return nil
}

// runFunction executes a registered procedure, transactionally for writes.
func (p *Pipeline) runFunction(ctx context.Context, payload Payload, fn FunctionFunc) (any, error) {
	if payload.Method == MethodGet {
		db := payload.Client
		if db == nil {
			db = p.pool
		}
		return fn(ctx, db, &payload)
	}

	if payload.Client != nil {
		payload.Changes = sharedChanges(payload)
		return fn(ctx, payload.Client, &payload)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var changes []events.Change
	payload.Client = tx
	payload.Changes = &changes
	result, err := fn(ctx, tx, &payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: commit: %w", err)
	}

	p.notify(ctx, changes)
	return result, nil
}

// upsertCheck converts a POST carrying an existing id into a PATCH whose
// document is the difference between the stored row and the incoming
// body. Fields of the stored row absent from the body are cleared, except
// nested arrays, which are preserved.
func (p *Pipeline) upsertCheck(ctx context.Context, db tools.DB, payload *Payload) error {
	pk, err := tools.PKForID(ctx, db, payload.ID)
	if err != nil {
		return err
	}
	if pk == tools.NoRelation {
		return nil
	}

	existing, err := p.engine.Select(ctx, db, crud.Request{
		Name:        payload.Name,
		ID:          payload.ID,
		User:        payload.User,
		IsSuperUser: true,
	})
	if err != nil {
		return err
	}
	existingRec, ok := existing.(map[string]any)
	if !ok {
		return apperr.Conflict("Id %s already exists on another data type", payload.ID)
	}

	incoming := map[string]any{}
	if len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, &incoming); err != nil {
			return apperr.Validation("Body must be a JSON object")
		}
	}

	target := upsertTarget(existingRec, incoming, payload.ID)

	existingJSON, err := json.Marshal(existingRec)
	if err != nil {
		return fmt.Errorf("pipeline: encode existing: %w", err)
	}
	targetJSON, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("pipeline: encode target: %w", err)
	}
	diff, err := jsondiff.CompareJSON(existingJSON, targetJSON)
	if err != nil {
		return fmt.Errorf("pipeline: upsert diff: %w", err)
	}
	patch, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("pipeline: encode upsert patch: %w", err)
	}

	payload.Method = MethodPatch
	payload.Data = patch
	payload.cacheRec = targetJSON
	return nil
}

// upsertTarget synthesizes the caller-intent record for an upsert: the
// incoming body laid over a null-cleared copy of the stored row. Stored
// arrays absent from the body are preserved rather than cleared.
func upsertTarget(existing, incoming map[string]any, id string) map[string]any {
	target := make(map[string]any, len(existing))
	for key, value := range existing {
		if _, provided := incoming[key]; provided {
			continue
		}
		if _, isArray := value.([]any); isArray {
			target[key] = value
			continue
		}
		target[key] = nil
	}
	for key, value := range incoming {
		target[key] = value
	}
	target["id"] = id
	return target
}

// walkState carries the before walk's materialized records into the after
// walk.
type walkState struct {
	oldRec map[string]any
}

// beforeWalk runs BEFORE triggers from the feather up to Object. Trigger
// mutations of NewRec are folded back into the request body.
func (p *Pipeline) beforeWalk(ctx context.Context, db tools.DB, payload *Payload, chain []string) (*walkState, error) {
	state := &walkState{}

	names := make([]string, len(chain))
	copy(names, chain)
	reverse(names)

	hasTrigger := false
	for _, name := range names {
		if _, ok := p.registry.trigger(name, payload.Method, Before); ok {
			hasTrigger = true
			break
		}
	}
	oldRec, newRec, err := p.materialize(ctx, db, payload, hasTrigger)
	if err != nil {
		return nil, err
	}
	state.oldRec = oldRec

	// The caller's intent is pinned before any trigger touches the body:
	// the response diff is computed against it, so trigger edits surface
	// to the client even after foldMutations rewrites the effective
	// request. Upsert detection may have pinned it already.
	if hasTrigger && payload.cacheRec == nil && newRec != nil {
		intent, err := json.Marshal(newRec)
		if err != nil {
			return nil, fmt.Errorf("pipeline: encode intent record: %w", err)
		}
		payload.cacheRec = intent
	}

	for _, name := range names {
		fn, ok := p.registry.trigger(name, payload.Method, Before)
		if !ok {
			continue
		}
		t := &TriggerContext{DB: db, Payload: payload, OldRec: oldRec, NewRec: newRec}
		if err := fn(ctx, t); err != nil {
			return nil, err
		}
		newRec = t.NewRec
	}

	if newRec != nil && hasTrigger {
		if err := p.foldMutations(payload, oldRec, newRec); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// afterWalk runs AFTER triggers in the reverse order of the before walk,
// with the final record visible as NewRec.
func (p *Pipeline) afterWalk(ctx context.Context, db tools.DB, payload *Payload, chain []string, state *walkState) error {
	hasTrigger := false
	for _, name := range chain {
		if _, ok := p.registry.trigger(name, payload.Method, After); ok {
			hasTrigger = true
			break
		}
	}
	if !hasTrigger {
		return nil
	}

	var finalRec map[string]any
	if payload.Method != MethodDelete {
		result, err := p.engine.Select(ctx, db, crud.Request{
			Name:        payload.Name,
			ID:          payload.ID,
			User:        payload.User,
			IsSuperUser: true,
		})
		if err != nil {
			return err
		}
		finalRec, _ = result.(map[string]any)
	}

	for _, name := range chain {
		fn, ok := p.registry.trigger(name, payload.Method, After)
		if !ok {
			continue
		}
		t := &TriggerContext{DB: db, Payload: payload, OldRec: state.oldRec, NewRec: finalRec}
		if err := fn(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// materialize loads the stored record and derives the would-be record for
// the trigger context. Skipped entirely when no trigger is registered.
func (p *Pipeline) materialize(ctx context.Context, db tools.DB, payload *Payload, needed bool) (oldRec, newRec map[string]any, err error) {
	if !needed {
		return nil, nil, nil
	}

	if payload.ID != "" && payload.Method != MethodPost {
		result, err := p.engine.Select(ctx, db, crud.Request{
			Name:        payload.Name,
			ID:          payload.ID,
			User:        payload.User,
			IsSuperUser: true,
		})
		if err != nil && apperr.StatusOf(err) != 404 {
			return nil, nil, err
		}
		oldRec, _ = result.(map[string]any)
	}

	switch payload.Method {
	case MethodPost, MethodPut:
		newRec = map[string]any{}
		if len(payload.Data) > 0 {
			if err := json.Unmarshal(payload.Data, &newRec); err != nil {
				return nil, nil, apperr.Validation("Body must be a JSON object")
			}
		}

	case MethodPatch:
		oldJSON, err := json.Marshal(oldRec)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline: encode old record: %w", err)
		}
		applied, err := applyPatch(oldJSON, payload.Data)
		if err != nil {
			return nil, nil, err
		}
		newRec = map[string]any{}
		if err := json.Unmarshal(applied, &newRec); err != nil {
			return nil, nil, apperr.Validation("Patched record is not an object")
		}

	case MethodDelete:
		newRec = nil
	}
	return oldRec, newRec, nil
}

// foldMutations writes trigger edits of NewRec back into the effective
// request body: POST replaces the data, PATCH recomputes the patch.
func (p *Pipeline) foldMutations(payload *Payload, oldRec, newRec map[string]any) error {
	switch payload.Method {
	case MethodPost, MethodPut:
		data, err := json.Marshal(newRec)
		if err != nil {
			return fmt.Errorf("pipeline: encode mutated body: %w", err)
		}
		payload.Data = data

	case MethodPatch:
		oldJSON, err := json.Marshal(oldRec)
		if err != nil {
			return fmt.Errorf("pipeline: encode old record: %w", err)
		}
		newJSON, err := json.Marshal(newRec)
		if err != nil {
			return fmt.Errorf("pipeline: encode mutated record: %w", err)
		}
		diff, err := jsondiff.CompareJSON(oldJSON, newJSON)
		if err != nil {
			return fmt.Errorf("pipeline: recompute patch: %w", err)
		}
		patch, err := json.Marshal(diff)
		if err != nil {
			return fmt.Errorf("pipeline: encode patch: %w", err)
		}
		payload.Data = patch
	}
	return nil
}

// notify emits the collected changes after commit. Failures are logged and
// swallowed: the data is committed, only streaming suffers.
func (p *Pipeline) notify(ctx context.Context, changes []events.Change) {
	for _, change := range changes {
		if err := p.events.Notify(ctx, p.pool, change); err != nil {
			p.logger.Error("notify failed",
				slog.String("object_id", change.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// applyPatch applies an RFC 6902 document, mapping failures to the error
// contract: failed tests are conflicts, anything else is a bad patch.
func applyPatch(doc, patch json.RawMessage) (json.RawMessage, error) {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, apperr.Validation("Patch is not a valid JSON patch: %v", err)
	}
	applied, err := decoded.Apply(doc)
	if err != nil {
		if errors.Is(err, jsonpatch.ErrTestFailed) {
			return nil, apperr.Conflict("Patch test failed: %v", err)
		}
		return nil, apperr.Validation("Patch could not be applied: %v", err)
	}
	return applied, nil
}

// reverse flips a string slice in place.
func reverse(names []string) {
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
}
