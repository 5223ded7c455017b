package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://app.emberwire.io", "http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Caller-ID", "X-Caller-Reputation"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/repositories", func(r chi.Router) {
			r.Post("/", h.CreateRepository)
			r.Get("/", h.ListRepositories)

			r.Route("/{repoID}", func(r chi.Router) {
				r.Get("/", h.GetRepository)
				r.Post("/archive", h.ArchiveRepository)
				r.Get("/members", h.ListMembers)

				// Ingestion
				r.Post("/import", h.ImportCSV)
				r.Post("/import/preview", h.PreviewCSV)
				r.Post("/addresses", h.AddAddresses)

				// Export
				r.Get("/export", h.ExportCSV)

				// Snowball
				r.Post("/snowball", h.SnowballAttribute)
				r.Get("/snowball/chain", h.SnowballChain)
				r.Get("/growth", h.Growth)

				// Merge (repoID is the target)
				r.Post("/merge", h.Merge)
			})
		})
	})

	return r
}
