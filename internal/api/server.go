// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package api binds the engine to its HTTP and SSE surface.

# Architecture

  - server.go: Router assembly and health probes.
  - data.go: The uniform /data CRUD surface over feathers.
  - meta.go: Feather, settings, workbook, and module administration.
  - do.go: Out-of-band control ops (subscribe, unsubscribe, lock, unlock).
  - sse.go: Session bootstrap and the event stream.

Handlers translate HTTP into pipeline payloads and engine calls; all
domain semantics live below this package.
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"log/slog"

	"github.com/jrogelstad/featherbone-server/internal/catalog"
	"github.com/jrogelstad/featherbone-server/internal/events"
	"github.com/jrogelstad/featherbone-server/internal/pipeline"
	"github.com/jrogelstad/featherbone-server/internal/platform/config"
	"github.com/jrogelstad/featherbone-server/internal/platform/ctxutil"
	"github.com/jrogelstad/featherbone-server/internal/platform/middleware"
	"github.com/jrogelstad/featherbone-server/internal/platform/redis"
	"github.com/jrogelstad/featherbone-server/internal/platform/respond"
	"github.com/jrogelstad/featherbone-server/internal/platform/sec"
	"github.com/jrogelstad/featherbone-server/internal/settings"
)

// Server owns the HTTP surface.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	catalog  *catalog.Catalog
	pipeline *pipeline.Pipeline
	events   *events.Service
	hub      *events.Hub
	sessions *redis.SessionRegistry
	settings *settings.Service
	tokens   *sec.TokenService

	router chi.Router
}

// Deps carries the constructed engine components into the server.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Catalog  *catalog.Catalog
	Pipeline *pipeline.Pipeline
	Events   *events.Service
	Hub      *events.Hub
	Sessions *redis.SessionRegistry
	Settings *settings.Service
	Tokens   *sec.TokenService
}

// NewServer assembles the router.
func NewServer(appCtx context.Context, deps Deps) *Server {
	s := &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		pool:     deps.Pool,
		catalog:  deps.Catalog,
		pipeline: deps.Pipeline,
		events:   deps.Events,
		hub:      deps.Hub,
		sessions: deps.Sessions,
		settings: deps.Settings,
		tokens:   deps.Tokens,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.StructuredLogger(deps.Logger))
	r.Use(middleware.RateLimit(appCtx))
	r.Use(middleware.CORS(deps.Config))
	r.Use(middleware.PanicRecovery(deps.Logger))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Group(func(pr chi.Router) {
		pr.Use(middleware.Authenticate(deps.Tokens))

		pr.Route("/data", func(dr chi.Router) {
			dr.Post("/{feather}", s.handleDataPost)
			dr.Get("/{feather}/{id}", s.handleDataGet)
			dr.Patch("/{feather}/{id}", s.handleDataPatch)
			dr.Delete("/{feather}/{id}", s.handleDataDelete)
		})

		pr.Route("/feather", func(fr chi.Router) {
			fr.Get("/{name}", s.handleFeatherGet)
			fr.Put("/{name}", s.handleFeatherPut)
			fr.Delete("/{name}", s.handleFeatherDelete)
		})

		pr.Get("/module", s.handleModules)
		pr.Get("/modules", s.handleModules)

		pr.Get("/settings/{name}", s.handleSettingsGet)
		pr.Put("/settings/{name}", s.handleSettingsPut)
		pr.Get("/settings-definition", s.handleSettingsDefinition)

		pr.Get("/workbooks", s.handleWorkbooks)
		pr.Get("/workbook/{name}", s.handleWorkbookGet)
		pr.Put("/workbook/{name}", s.handleWorkbookPut)
		pr.Delete("/workbook/{name}", s.handleWorkbookDelete)

		pr.Route("/do", func(cr chi.Router) {
			cr.Post("/subscribe", s.handleSubscribe)
			cr.Post("/unsubscribe", s.handleUnsubscribe)
			cr.Post("/lock", s.handleLock)
			cr.Post("/unlock", s.handleUnlock)
		})

		pr.Get("/sse", s.handleSSEBootstrap)
		pr.Get("/sse/{sessionId}", s.handleSSEStream)
	})

	s.router = r
	return s
}

// Handler returns the assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// handleHealth is the liveness probe.
func (s *Server) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	respond.OK(writer, map[string]string{"status": "ok"})
}

// handleReady is the readiness probe; it checks the database.
func (s *Server) handleReady(writer http.ResponseWriter, request *http.Request) {
	if err := s.pool.Ping(request.Context()); err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, map[string]string{"status": "ready"})
}

// principal extracts the authenticated user from the request context.
func principal(request *http.Request) (username string, isSuper bool) {
	claims := ctxutil.GetAuthUser(request.Context())
	if claims == nil {
		return "", false
	}
	return claims.Username, claims.IsSuper
}
