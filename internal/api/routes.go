package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	r.Route("/flash", func(r chi.Router) {
		r.Use(s.authMiddleware)

		// The event stream outlives any request timeout.
		r.Get("/events", s.HandleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.API.RequestTimeout))

			r.Get("/state", s.HandleGetState)
			r.Get("/ports", s.HandleListPorts)
			r.Put("/port", s.HandleSetPort)
			r.Put("/mode", s.HandleSetMode)
			r.Put("/params", s.HandleSetParams)

			// Step actions
			r.Post("/read", s.HandleRead)
			r.Post("/load", s.HandleLoad)
			r.Post("/patch", s.HandlePatch)
			r.Post("/certificates", s.HandleCertificates)
			r.Post("/write", s.HandleWrite)

			// Navigation
			r.Post("/advance", s.HandleAdvance)
			r.Post("/retreat", s.HandleRetreat)
			r.Post("/restart", s.HandleRestart)
			r.Post("/cancel", s.HandleCancel)

			r.Get("/images/{slot}", s.HandleDownloadImage)

			// Audit trail
			r.Get("/history", s.HandleListHistory)
			r.Get("/backups", s.HandleListBackups)
		})
	})
}
