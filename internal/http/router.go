// Package httpapi assembles the HTTP surface of the service.
package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"mediagen/internal/http/handlers"
	"mediagen/internal/infra"
	"mediagen/internal/middleware"
)

// NewRouter mounts all routes. The webhook receiver sits outside owner auth;
// it authenticates with the shared webhook signature instead.
func NewRouter(app *handlers.App, logger infra.Logger, authSecret string) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.RealIP, chimw.Recoverer, middleware.Logger(logger))

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/models", app.Models)

	r.Post("/v1/webhooks/{provider}", app.WebhookReceive)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(authSecret))

		r.Route("/v1/generations", func(r chi.Router) {
			r.Post("/", app.GenerationsCreate)
			r.Get("/", app.GenerationsList)
			r.Get("/{job_id}", app.GenerationStatus)
			r.Post("/{job_id}/cancel", app.GenerationCancel)
			r.Post("/{job_id}/retry", app.GenerationRetry)
		})

		r.Route("/v1/credits", func(r chi.Router) {
			r.Get("/", app.CreditBalance)
			r.Get("/history", app.CreditHistory)
			r.Post("/purchase", app.CreditPurchase)
		})

		r.Get("/v1/notifications", app.NotificationsList)
	})

	return r
}
