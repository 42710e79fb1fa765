// Copyright (c) 2026 Featherbone. All rights reserved.

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jrogelstad/featherbone-server/internal/events"
	"github.com/jrogelstad/featherbone-server/internal/pipeline"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/platform/respond"
	"github.com/jrogelstad/featherbone-server/internal/tools"
	"github.com/jrogelstad/featherbone-server/pkg/casing"
)

// # Data Surface

// queryBody is the body of a POST list query on a plural route.
type queryBody struct {
	Filter       *tools.Filter        `json:"filter,omitempty"`
	Subscription *events.Subscription `json:"subscription,omitempty"`
	ShowDeleted  bool                 `json:"showDeleted,omitempty"`
}

// resolveSegment maps a spinal-case route segment to a feather name. A
// singular segment addresses one record; a plural segment addresses the
// collection.
func (s *Server) resolveSegment(ctx context.Context, segment string) (name string, plural bool, err error) {
	name = casing.Pascal(segment)
	if _, err := s.catalog.Feather(ctx, name, false); err == nil {
		return name, false, nil
	}

	feathers, err := s.catalog.All(ctx, s.pool)
	if err != nil {
		return "", false, err
	}
	for _, f := range feathers {
		if f.Plural != "" && casing.Spinal(f.Plural) == segment {
			return f.Name, true, nil
		}
	}
	return "", false, apperr.NotFound("Feather", casing.Pascal(segment))
}

// handleDataPost serves two routes that share a pattern: POST on a
// singular segment creates a record, POST on a plural segment runs a
// filtered query.
func (s *Server) handleDataPost(writer http.ResponseWriter, request *http.Request) {
	segment := chi.URLParam(request, "feather")
	username, isSuper := principal(request)

	name, plural, err := s.resolveSegment(request.Context(), segment)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if plural {
		var body queryBody
		if request.Body != nil && request.ContentLength != 0 {
			if err := respond.Decode(request, &body); err != nil {
				respond.Error(writer, request, err)
				return
			}
		}

		result, err := s.pipeline.Request(request.Context(), pipeline.Payload{
			Method:       pipeline.MethodGet,
			Name:         name,
			Filter:       body.Filter,
			Subscription: body.Subscription,
			ShowDeleted:  body.ShowDeleted,
			User:         username,
		}, isSuper)
		if err != nil {
			respond.Error(writer, request, err)
			return
		}
		respond.OK(writer, result)
		return
	}

	data, err := io.ReadAll(request.Body)
	if err != nil {
		respond.Error(writer, request, apperr.Validation("Unreadable request body"))
		return
	}

	payload := pipeline.Payload{
		Method:   pipeline.MethodPost,
		Name:     name,
		Data:     data,
		User:     username,
		EventKey: request.URL.Query().Get("eventKey"),
	}

	// A body carrying an id is an upsert probe; surface it on the payload
	// so the pipeline can detect the existing row.
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &probe)
	payload.ID = probe.ID

	result, err := s.pipeline.Request(request.Context(), payload, isSuper)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.Created(writer, result)
}

// handleDataGet reads one record by id. An eventKey query parameter plus
// a subscription id registers the read for change notifications.
func (s *Server) handleDataGet(writer http.ResponseWriter, request *http.Request) {
	segment := chi.URLParam(request, "feather")
	id := chi.URLParam(request, "id")
	username, isSuper := principal(request)

	name, plural, err := s.resolveSegment(request.Context(), segment)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	if plural {
		respond.Error(writer, request, apperr.Validation("Record reads use the singular route"))
		return
	}

	query := request.URL.Query()
	showDeleted, _ := strconv.ParseBool(query.Get("showDeleted"))

	payload := pipeline.Payload{
		Method:      pipeline.MethodGet,
		Name:        name,
		ID:          id,
		ShowDeleted: showDeleted,
		User:        username,
		EventKey:    query.Get("eventKey"),
	}
	if subID := query.Get("subscription"); subID != "" {
		payload.Subscription = &events.Subscription{
			ID:        subID,
			SessionID: query.Get("eventKey"),
		}
	}

	result, err := s.pipeline.Request(request.Context(), payload, isSuper)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, result)
}

// handleDataPatch applies a JSON patch to one record. If-Match carries
// the optimistic-concurrency etag.
func (s *Server) handleDataPatch(writer http.ResponseWriter, request *http.Request) {
	segment := chi.URLParam(request, "feather")
	id := chi.URLParam(request, "id")
	username, isSuper := principal(request)

	name, plural, err := s.resolveSegment(request.Context(), segment)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	if plural {
		respond.Error(writer, request, apperr.Validation("Record writes use the singular route"))
		return
	}

	patch, err := io.ReadAll(request.Body)
	if err != nil {
		respond.Error(writer, request, apperr.Validation("Unreadable request body"))
		return
	}

	result, err := s.pipeline.Request(request.Context(), pipeline.Payload{
		Method:   pipeline.MethodPatch,
		Name:     name,
		ID:       id,
		Data:     patch,
		ETag:     request.Header.Get("If-Match"),
		User:     username,
		EventKey: request.URL.Query().Get("eventKey"),
	}, isSuper)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, result)
}

// handleDataDelete soft-deletes a record; ?hard=true makes the delete
// physical.
func (s *Server) handleDataDelete(writer http.ResponseWriter, request *http.Request) {
	segment := chi.URLParam(request, "feather")
	id := chi.URLParam(request, "id")
	username, isSuper := principal(request)

	name, plural, err := s.resolveSegment(request.Context(), segment)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	if plural {
		respond.Error(writer, request, apperr.Validation("Record writes use the singular route"))
		return
	}

	query := request.URL.Query()
	hard, _ := strconv.ParseBool(query.Get("hard"))

	result, err := s.pipeline.Request(request.Context(), pipeline.Payload{
		Method:   pipeline.MethodDelete,
		Name:     name,
		ID:       id,
		IsHard:   hard,
		User:     username,
		EventKey: query.Get("eventKey"),
	}, isSuper)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, result)
}
