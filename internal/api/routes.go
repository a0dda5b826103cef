package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.requireRole(s.config.Auth.AdminRole))

		r.Route("/robots", func(r chi.Router) {
			r.Get("/online", s.HandleListOnline)
			r.Route("/{robot_id}", func(r chi.Router) {
				r.Get("/", s.HandleGetRobot)
				r.Post("/commands", s.HandlePushCommand)
				r.Post("/config", s.HandlePushConfig)
				r.Get("/sessions", s.HandleListSessions)
				r.Get("/events", s.HandleListEvents)
			})
		})
	})
}
