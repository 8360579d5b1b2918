package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"feedcron/internal/core"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	service    *core.ScheduleService
	mcp        http.Handler
	logger     *slog.Logger
	location   *time.Location
	authToken  string
}

// NewServer constructs the HTTP API server. mcpHandler may be nil, in which case
// /mcp is not mounted.
func NewServer(addr, authToken string, service *core.ScheduleService, mcpHandler http.Handler, logger *slog.Logger, location *time.Location) *Server {
	if location == nil {
		location = time.Local
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		service:   service,
		mcp:       mcpHandler,
		logger:    logger,
		location:  location,
		authToken: authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	if s.mcp != nil {
		var mcpHandler = s.mcp
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)
		r.Get("/engine/status", s.handleEngineStatus)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)

			r.Route("/{scheduleID}", func(r chi.Router) {
				r.Get("/", s.handleGetSchedule)
				r.Put("/", s.handleUpdateSchedule)
				r.Patch("/", s.handleUpdateSchedule)
				r.Delete("/", s.handleDeleteSchedule)
				r.Post("/activate", s.handleActivateSchedule)
				r.Post("/deactivate", s.handleDeactivateSchedule)
				r.Post("/execute", s.handleExecuteSchedule)
				r.Get("/executions", s.handleListExecutions)
				r.Get("/executions/latest", s.handleLatestExecution)
			})
		})

		r.Get("/executions/{executionID}", s.handleGetExecution)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"engine_running": s.service.Engine().Running(),
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
