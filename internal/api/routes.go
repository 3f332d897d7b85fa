package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the admin router
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.HandleListCampaigns)
			r.Post("/", h.HandleBuildCampaign)
			r.Route("/{campaignID}", func(r chi.Router) {
				r.Get("/", h.HandleGetCampaign)
				r.Delete("/", h.HandleDeleteCampaign)
				r.Post("/start", h.HandleStartCampaign)
				r.Post("/pause", h.HandlePauseCampaign)
				r.Post("/resume", h.HandleStartCampaign)
				r.Post("/resend-failed", h.HandleResendFailed)
				r.Get("/stats", h.HandleCampaignStats)
				r.Get("/sends", h.HandleListSends)
				r.Post("/test-send", h.HandleTestSend)
			})
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.HandleListTemplates)
			r.Post("/", h.HandleCreateTemplate)
			r.Route("/{templateID}", func(r chi.Router) {
				r.Get("/", h.HandleGetTemplate)
				r.Put("/", h.HandleUpdateTemplate)
				r.Delete("/", h.HandleDeleteTemplate)
				r.Post("/preview", h.HandlePreviewTemplate)
			})
		})

		r.Route("/unsubscribes", func(r chi.Router) {
			r.Get("/", h.HandleListUnsubscribes)
			r.Post("/", h.HandleAddUnsubscribe)
			r.Delete("/{email}", h.HandleRemoveUnsubscribe)
		})

		r.Get("/dashboard/stats", h.HandleDashboardStats)
	})

	return r
}
