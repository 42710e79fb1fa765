// Copyright (c) 2026 Featherbone. All rights reserved.

package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jrogelstad/featherbone-server/internal/feather"
	"github.com/jrogelstad/featherbone-server/internal/module"
	"github.com/jrogelstad/featherbone-server/internal/platform/apperr"
	"github.com/jrogelstad/featherbone-server/internal/platform/respond"
	"github.com/jrogelstad/featherbone-server/internal/settings"
	"github.com/jrogelstad/featherbone-server/internal/tools"
	"github.com/jrogelstad/featherbone-server/internal/workbook"
)

// # Feather Administration

// handleFeatherGet returns a feather definition with inherited
// properties resolved in.
func (s *Server) handleFeatherGet(writer http.ResponseWriter, request *http.Request) {
	name := chi.URLParam(request, "name")

	spec, err := s.catalog.Feather(request.Context(), name, true)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, spec)
}

// handleFeatherPut creates or alters a feather. Schema changes and
// catalog bookkeeping share one transaction.
func (s *Server) handleFeatherPut(writer http.ResponseWriter, request *http.Request) {
	name := chi.URLParam(request, "name")
	username, _ := principal(request)

	var spec feather.Feather
	if err := respond.Decode(request, &spec); err != nil {
		respond.Error(writer, request, err)
		return
	}
	if spec.Name == "" {
		spec.Name = name
	}
	if spec.Name != name {
		respond.Error(writer, request,
			apperr.Validation("Feather name %s does not match route %s", spec.Name, name))
		return
	}

	err := s.inTx(request, func(tx tools.DB) error {
		return s.catalog.SaveFeather(request.Context(), tx, &spec, username)
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, map[string]bool{"success": true})
}

// handleFeatherDelete drops a feather and its table.
func (s *Server) handleFeatherDelete(writer http.ResponseWriter, request *http.Request) {
	name := chi.URLParam(request, "name")
	username, _ := principal(request)

	err := s.inTx(request, func(tx tools.DB) error {
		return s.catalog.DeleteFeather(request.Context(), tx, name, username)
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, map[string]bool{"success": true})
}

// # Modules

func (s *Server) handleModules(writer http.ResponseWriter, request *http.Request) {
	modules, err := module.GetModules(request.Context(), s.pool)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	if modules == nil {
		modules = []module.Module{}
	}
	respond.OK(writer, modules)
}

// # Settings

func (s *Server) handleSettingsGet(writer http.ResponseWriter, request *http.Request) {
	name := chi.URLParam(request, "name")

	stored, err := s.settings.GetSettings(request.Context(), s.pool, name)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, stored)
}

func (s *Server) handleSettingsPut(writer http.ResponseWriter, request *http.Request) {
	name := chi.URLParam(request, "name")
	username, _ := principal(request)

	var in settings.Settings
	if err := respond.Decode(request, &in); err != nil {
		respond.Error(writer, request, err)
		return
	}
	in.Name = name

	saved, err := s.settings.SaveSettings(request.Context(), s.pool, in, username)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, saved)
}

func (s *Server) handleSettingsDefinition(writer http.ResponseWriter, request *http.Request) {
	definitions, err := s.settings.GetSettingsDefinition(request.Context(), s.pool)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	if definitions == nil {
		definitions = []settings.Definition{}
	}
	respond.OK(writer, definitions)
}

// # Workbooks

func (s *Server) handleWorkbooks(writer http.ResponseWriter, request *http.Request) {
	workbooks, err := workbook.GetWorkbooks(request.Context(), s.pool)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	if workbooks == nil {
		workbooks = []workbook.Workbook{}
	}
	respond.OK(writer, workbooks)
}

func (s *Server) handleWorkbookGet(writer http.ResponseWriter, request *http.Request) {
	name := chi.URLParam(request, "name")

	wb, err := workbook.GetWorkbook(request.Context(), s.pool, name)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, wb)
}

func (s *Server) handleWorkbookPut(writer http.ResponseWriter, request *http.Request) {
	name := chi.URLParam(request, "name")
	username, _ := principal(request)

	var in workbook.Workbook
	if err := respond.Decode(request, &in); err != nil {
		respond.Error(writer, request, err)
		return
	}
	in.Name = name

	saved, err := workbook.SaveWorkbook(request.Context(), s.pool, in, username)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, saved)
}

func (s *Server) handleWorkbookDelete(writer http.ResponseWriter, request *http.Request) {
	name := chi.URLParam(request, "name")

	if err := workbook.DeleteWorkbook(request.Context(), s.pool, name); err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.NoContent(writer)
}

// # Transaction Helper

// inTx runs fn inside one transaction, committing on success.
func (s *Server) inTx(request *http.Request, fn func(tx tools.DB) error) error {
	ctx := request.Context()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("api: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("api: commit: %w", err)
	}
	return nil
}
