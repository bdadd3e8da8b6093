// Package server exposes the scheduler over HTTP: job submission and
// lifecycle, progress streaming over SSE and websockets, and the admin
// surface for runtime settings.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/me/vedfolnir/internal/config"
	"github.com/me/vedfolnir/internal/progress"
	"github.com/me/vedfolnir/internal/queue"
	"github.com/me/vedfolnir/internal/session"
)

// Version is reported by the health and discovery endpoints.
const Version = "0.1.0"

// Server is the vedfolnir REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	manager   *queue.Manager
	tracker   *progress.Tracker
	settings  *config.Settings
	sessions  *session.Manager
	upgrader  websocket.Upgrader
	startTime time.Time
	heartbeat time.Duration
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithHeartbeat overrides the streaming heartbeat interval. Tests use
// short intervals here.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// New creates a Server with all routes registered.
func New(manager *queue.Manager, tracker *progress.Tracker, settings *config.Settings, sessions *session.Manager, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		manager:   manager,
		tracker:   tracker,
		settings:  settings,
		sessions:  sessions,
		startTime: time.Now(),
		heartbeat: 15 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Public surface
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Post("/auth/session", s.handleCreateSession)

		// Everything below requires a session.
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Delete("/auth/session", s.handleDeleteSession)

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.handleListJobs)
				r.Post("/", s.handleSubmitJob)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetJob)
					r.Put("/cancel", s.handleCancelJob)
				})
			})

			// Progress streams
			r.Get("/sse/jobs/{id}", s.handleSSEJob)
			r.Get("/ws/jobs/{id}", s.handleWSJob)

			// Admin surface
			r.Route("/admin", func(r chi.Router) {
				r.Use(requireAdmin)
				r.Get("/settings", s.handleGetSettings)
				r.Put("/settings", s.handleUpdateSettings)
				r.Put("/maintenance", s.handleSetMaintenance)
				r.Post("/cleanup", s.handleCleanup)
			})
		})
	})
}
