/**
 * @description
 * This file sets up the HTTP router for the payout service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * Route layout:
 * - /health                      unauthenticated liveness probe
 * - /webhooks/xendit/payouts     unauthenticated, HMAC-verified provider callbacks
 * - /admin/*                     JWT-protected operator API
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the admin portal origin.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// PayoutRoutes creates and returns the router for the payout service.
func PayoutRoutes(h *PayoutHandlers, jwtSecret, corsOrigin string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if corsOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{corsOrigin},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider callbacks authenticate via HMAC signature, not JWT.
	r.Post("/webhooks/xendit/payouts", h.XenditPayoutCallbackHandler)

	// Group routes that require authentication.
	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(jwtSecret))

		r.Route("/conversions", func(r chi.Router) {
			r.Get("/", h.ListConversionsHandler)
			r.Post("/", h.RecordConversionHandler)
			r.Get("/{conversionID}", h.GetConversionHandler)
			r.Post("/verify", h.VerifyConversionsHandler)
			r.Patch("/{conversionID}/status", h.UpdateConversionStatusHandler)
		})

		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatchesHandler)
			r.Post("/preview", h.PreviewBatchHandler)
			r.Post("/", h.CreateBatchHandler)
			r.Get("/{batchID}", h.GetBatchHandler)
			r.Post("/{batchID}/process", h.ProcessBatchHandler)
			r.Post("/{batchID}/retry", h.RetryFailedPayoutsHandler)
		})

		r.Post("/payouts/{payoutID}/cancel", h.CancelPayoutHandler)
	})

	return r
}
