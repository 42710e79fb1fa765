// Copyright (c) 2026 Featherbone. All rights reserved.

package api

import (
	"net/http"

	"github.com/jrogelstad/featherbone-server/internal/events"
	"github.com/jrogelstad/featherbone-server/internal/lock"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/platform/respond"
)

// # Control Operations
//
// The /do routes accept parameters in the query string, in a JSON body,
// or both; a query parameter wins over the body field of the same name.

// subscribeBody is the /do/subscribe request.
type subscribeBody struct {
	Subscription *events.Subscription `json:"subscription,omitempty"`
	IDs          []string             `json:"ids,omitempty"`
	Feather      string               `json:"feather,omitempty"`
}

func (s *Server) handleSubscribe(writer http.ResponseWriter, request *http.Request) {
	var body subscribeBody
	if request.Body != nil && request.ContentLength != 0 {
		if err := respond.Decode(request, &body); err != nil {
			respond.Error(writer, request, err)
			return
		}
	}

	sub := events.Subscription{}
	if body.Subscription != nil {
		sub = *body.Subscription
	}

	query := request.URL.Query()
	if v := query.Get("subscription"); v != "" {
		sub.ID = v
	}
	if v := query.Get("eventKey"); v != "" {
		sub.SessionID = v
	}
	if v := query.Get("merge"); v == "true" {
		sub.Merge = true
	}
	ids := body.IDs
	if v := query.Get("id"); v != "" {
		ids = append(ids, v)
	}
	featherName := body.Feather
	if v := query.Get("feather"); v != "" {
		featherName = v
	}

	if err := s.events.Subscribe(request.Context(), s.pool, sub, ids, featherName); err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, map[string]bool{"success": true})
}

// unsubscribeBody is the /do/unsubscribe request.
type unsubscribeBody struct {
	Subscription string `json:"subscription,omitempty"`
	EventKey     string `json:"eventKey,omitempty"`
}

func (s *Server) handleUnsubscribe(writer http.ResponseWriter, request *http.Request) {
	var body unsubscribeBody
	if request.Body != nil && request.ContentLength != 0 {
		if err := respond.Decode(request, &body); err != nil {
			respond.Error(writer, request, err)
			return
		}
	}

	query := request.URL.Query()
	subID := body.Subscription
	if v := query.Get("subscription"); v != "" {
		subID = v
	}
	eventKey := body.EventKey
	if v := query.Get("eventKey"); v != "" {
		eventKey = v
	}

	// A subscription id cancels one subscription; an event key alone
	// cancels the whole session.
	var err error
	switch {
	case subID != "":
		err = s.events.Unsubscribe(request.Context(), s.pool, subID, events.ScopeSubscription)
	case eventKey != "":
		err = s.events.Unsubscribe(request.Context(), s.pool, eventKey, events.ScopeSession)
	default:
		err = apperr.Validation("Unsubscribe requires a subscription id or event key")
	}
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, map[string]bool{"success": true})
}

// lockBody is the /do/lock and /do/unlock request.
type lockBody struct {
	ID       string `json:"id,omitempty"`
	EventKey string `json:"eventKey,omitempty"`
}

func (s *Server) handleLock(writer http.ResponseWriter, request *http.Request) {
	username, _ := principal(request)

	var body lockBody
	if request.Body != nil && request.ContentLength != 0 {
		if err := respond.Decode(request, &body); err != nil {
			respond.Error(writer, request, err)
			return
		}
	}

	query := request.URL.Query()
	id := body.ID
	if v := query.Get("id"); v != "" {
		id = v
	}
	eventKey := body.EventKey
	if v := query.Get("eventKey"); v != "" {
		eventKey = v
	}

	if id == "" {
		respond.Error(writer, request, apperr.Validation("Lock requires an object id"))
		return
	}
	if eventKey == "" {
		respond.Error(writer, request, apperr.Validation("Lock requires an event key"))
		return
	}

	locked, err := lock.Lock(request.Context(), s.pool, s.cfg.NodeID, id, username, eventKey)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, locked)
}

func (s *Server) handleUnlock(writer http.ResponseWriter, request *http.Request) {
	var body lockBody
	if request.Body != nil && request.ContentLength != 0 {
		if err := respond.Decode(request, &body); err != nil {
			respond.Error(writer, request, err)
			return
		}
	}

	query := request.URL.Query()
	id := body.ID
	if v := query.Get("id"); v != "" {
		id = v
	}
	eventKey := body.EventKey
	if v := query.Get("eventKey"); v != "" {
		eventKey = v
	}

	unlocked, err := lock.Unlock(request.Context(), s.pool, lock.UnlockRequest{
		ID:        id,
		SessionID: eventKey,
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	if unlocked == nil {
		unlocked = []string{}
	}
	respond.OK(writer, unlocked)
}
