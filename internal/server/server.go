// Package server provides the HTTP server and routing for the orchestrator.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/frankfrisby/backbone/internal/budget"
	"github.com/frankfrisby/backbone/internal/dispatch"
	"github.com/frankfrisby/backbone/internal/events"
	"github.com/frankfrisby/backbone/internal/heartbeat"
	"github.com/frankfrisby/backbone/internal/history"
	"github.com/frankfrisby/backbone/internal/journal"
	"github.com/frankfrisby/backbone/internal/proactive"
	"github.com/frankfrisby/backbone/internal/reliability"
)

// Config holds server configuration.
type Config struct {
	Log        zerolog.Logger
	Port       int
	DevMode    bool
	Journal    *journal.Journal
	Budget     *budget.Guard
	Dispatcher *dispatch.Dispatcher
	Heartbeat  *heartbeat.Heartbeat
	Proactive  *proactive.Scheduler
	History    *history.Store
	Bus        *events.Bus
	Backups    *reliability.BackupService
}

// Server is the orchestrator's HTTP surface.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	handlers *Handlers
	stream   *EventsStreamHandler
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		handlers: NewHandlers(HandlersConfig{
			Log:        cfg.Log,
			Journal:    cfg.Journal,
			Budget:     cfg.Budget,
			Dispatcher: cfg.Dispatcher,
			Heartbeat:  cfg.Heartbeat,
			Proactive:  cfg.Proactive,
			History:    cfg.History,
			Backups:    cfg.Backups,
		}),
		stream: NewEventsStreamHandler(cfg.Bus, cfg.Log),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.router,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handlers.Status)
		r.Get("/budget", s.handlers.Budget)
		r.Get("/journal/events", s.handlers.JournalEvents)
		r.Post("/journal/emit", s.handlers.EmitChange)
		r.Get("/jobs/history", s.handlers.JobHistory)
		r.Get("/jobs/proactive", s.handlers.ProactiveJobs)
		r.Post("/jobs/proactive/{id}/trigger", s.handlers.TriggerProactiveJob)
		r.Post("/activity", s.handlers.NoteActivity)
		r.Post("/heartbeat/tick", s.handlers.ManualTick)
		r.Get("/backups", s.handlers.ListBackups)
		r.Get("/events/stream", s.stream.ServeHTTP)
	})
}

// Router exposes the chi mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening. Blocks until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}
