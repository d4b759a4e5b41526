package web

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/classroll/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	sessionsHandler := handlers.NewSessionsHandler(s.svc, s.logger)
	framesHandler := handlers.NewFramesHandler(s.svc, s.logger)
	eventsHandler := handlers.NewEventsHandler(s.svc)
	rosterHandler := handlers.NewRosterHandler(s.svc)
	settingsHandler := handlers.NewSettingsHandler(s.svc, s.logger)

	s.router.Get("/api/v1/health", handlers.HealthCheck)
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		// Event streams live as long as the session and get no timeout
		r.Get("/sessions/{id}/events", eventsHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(requestTimeout))

			// Sessions
			r.Get("/sessions", sessionsHandler.List)
			r.Post("/sessions", sessionsHandler.Create)
			r.Get("/sessions/active", sessionsHandler.Active)
			r.Get("/sessions/{id}", sessionsHandler.Get)
			r.Post("/sessions/{id}/start", sessionsHandler.Start)
			r.Post("/sessions/{id}/stop", sessionsHandler.Stop)
			r.Post("/sessions/{id}/dismiss", sessionsHandler.Dismiss)
			r.Get("/sessions/{id}/dismissal", sessionsHandler.Dismissal)
			r.Post("/sessions/{id}/cancel", sessionsHandler.Cancel)
			r.Get("/sessions/{id}/stats", sessionsHandler.Stats)
			r.Get("/sessions/{id}/summary", sessionsHandler.Summary)

			// Attendance
			r.Get("/sessions/{id}/attendance", sessionsHandler.Attendance)
			r.Post("/sessions/{id}/attendance", sessionsHandler.Mark)
			r.Put("/sessions/{id}/attendance/{studentId}", sessionsHandler.Correct)

			// Frames
			r.Post("/sessions/{id}/frames", framesHandler.Submit)
			r.Get("/sessions/{id}/unknown-faces", framesHandler.UnknownFaces)
			r.Get("/unknown-faces/image", framesHandler.UnknownFaceImage)

			// Rosters
			r.Post("/classes/{id}/roster/preload", rosterHandler.Preload)
			r.Delete("/classes/{id}/roster", rosterHandler.Invalidate)
			r.Delete("/rosters", rosterHandler.Clear)
			r.Get("/stats", rosterHandler.Stats)

			// Settings
			r.Get("/settings", settingsHandler.Get)
			r.Put("/settings", settingsHandler.Update)
		})
	})
}
