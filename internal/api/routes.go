package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/me", s.HandleGetCurrentUser)

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Get("/definitions", s.HandleGetDefinitions)
				r.Get("/states", s.HandleGetStoredStates)
				r.Get("/properties", s.HandleGetProperties)
				r.Get("/properties/{key}", s.HandleGetProperty)
				r.Post("/refresh", s.HandleRefreshDevice)

				r.Group(func(r chi.Router) {
					r.Use(s.adminOnly)
					r.Put("/properties/{key}", s.HandleSetProperty)
					r.Post("/call", s.HandleCallDevice)
				})
			})
		})

		// Protocol sessions
		r.Get("/sessions", s.HandleListSessions)
	})
}
