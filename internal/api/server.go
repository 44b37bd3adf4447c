package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/TheLeoP/wpp/internal/config"
	"github.com/TheLeoP/wpp/internal/delivery"
	"github.com/TheLeoP/wpp/internal/eventbus"
	"github.com/TheLeoP/wpp/internal/history"
	"github.com/TheLeoP/wpp/internal/metrics"
	"github.com/TheLeoP/wpp/internal/phone"
	"github.com/TheLeoP/wpp/internal/prefs"
	"github.com/TheLeoP/wpp/internal/scheduler"
	"github.com/TheLeoP/wpp/internal/session"
)

// SessionControl is the part of the transport session the API drives.
type SessionControl interface {
	Logout(ctx context.Context) error
}

// Deps bundles everything the server serves. History and Metrics may be
// nil; their endpoints are then absent or return an error.
type Deps struct {
	Machine    *session.Machine
	Session    SessionControl
	Prefs      *prefs.Store
	Scheduler  *scheduler.Scheduler
	Unresolved *delivery.UnresolvedLog
	History    *history.Store
	Bus        eventbus.Bus
	Metrics    *metrics.Metrics
	PhoneRules phone.Rules

	// RunContext is the lifetime of campaign runs started over the API.
	// Cancelling it stops their pending dispatches.
	RunContext context.Context
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	if deps.RunContext == nil {
		deps.RunContext = context.Background()
	}
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	if s.deps.Metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}
	s.router.Use(middleware.Recoverer)

	// Unauthenticated endpoints
	s.router.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/session", s.handleSession)
		r.Post("/session/logout", s.handleLogout)

		r.Get("/preferences", s.handleGetPreferences)
		r.Put("/preferences", s.handlePutPreferences)

		r.Post("/sheet/preview", s.handleSheetPreview)
		r.Post("/template/preview", s.handleTemplatePreview)

		r.Post("/messages", s.handleSendMessage)

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{id}", s.handleGetCampaign)

		r.Get("/history", s.handleHistory)
		r.Get("/unresolved", s.handleUnresolved)

		r.Get("/events", s.handleEvents)
	})
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. A zero WriteTimeout is passed
// through as-is so the events stream is not cut off.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
