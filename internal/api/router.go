package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(apiHandler.log, apiHandler.metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Method(http.MethodGet, "/metrics", apiHandler.metrics.Handler())
	r.Post("/bot/events", apiHandler.BotEventHandler)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", apiHandler.HealthHandler)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Get("/stats", apiHandler.StatsHandler)

			r.Get("/users", apiHandler.ListUsersHandler)
			r.Get("/users/{userID}", apiHandler.GetUserHandler)
			r.Delete("/users/{userID}", apiHandler.DeleteUserHandler)
			r.Post("/users/{userID}/credits", apiHandler.UpdateCreditsHandler)
			r.Post("/users/{userID}/bonus", apiHandler.BonusHandler)
			r.Get("/search", apiHandler.SearchHandler)

			r.Get("/referral-abuse", apiHandler.ReferralAbuseHandler)
			r.Get("/logs", apiHandler.LogsHandler)
			r.Post("/broadcast", apiHandler.BroadcastHandler)

			r.Get("/orders", apiHandler.ListOrdersHandler)
			r.Post("/orders/{orderID}/complete", apiHandler.CompleteOrderHandler)
			r.Get("/payments/stats", apiHandler.PaymentStatsHandler)
		})
	})

	return r
}
