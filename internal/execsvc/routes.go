package execsvc

import "github.com/go-chi/chi/v5"

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		// Liveness probe stays unauthenticated.
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)

			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions", s.handleCreateSession)

			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Post("/plugins", s.handleLoadPlugin)
				r.Post("/execute", s.handleExecute)
				r.Get("/execute/{execID}/stream", s.handleExecuteStream)
				r.Post("/variables", s.handleUpdateVariables)
				r.Post("/files", s.handleUploadFile)
				r.Get("/artifacts/{filename}", s.handleDownloadArtifact)
			})
		})
	})
}
