// Package app composes configuration, adapters, and services into runnable
// servers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/imageforge/internal/adapter/httpserver"
	"github.com/fairyhunter13/imageforge/internal/adapter/observability"
	"github.com/fairyhunter13/imageforge/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// The websocket stream route is mounted outside the timeout middleware; a
// relay connection lives as long as the client stays subscribed.
func BuildRouter(cfg config.Config, srv *httpserver.Server, relay *httpserver.Relay, readyz http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// JSON API, identity-scoped, with a request deadline.
	r.Group(func(api chi.Router) {
		api.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		api.Use(httpserver.RequireIdentity)

		// Rate limit the mutating endpoints.
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/jobs", srv.CreateJob)
			wr.Put("/jobs/{id}/cancel", srv.CancelJob)
			wr.Delete("/jobs/{id}", srv.DeleteJob)
		})

		api.Get("/jobs", srv.ListJobs)
		api.Get("/jobs/{id}", srv.GetJob)
		api.Get("/notifications", srv.ListNotifications)
		api.Put("/notifications/{id}/read", srv.MarkNotificationRead)
		api.Put("/users/me/preferences", srv.SetPreferences)
	})

	// Live progress relay; long-lived, no timeout handler.
	r.Group(func(ws chi.Router) {
		ws.Use(httpserver.RequireIdentity)
		ws.Get("/jobs/{id}/stream", relay.StreamJob)
	})

	r.Get("/healthz", srv.Healthz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", readyz)

	return httpserver.SecurityHeaders(r)
}
