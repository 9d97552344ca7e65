// Package app wires configuration, adapters, and services into the
// running server and worker processes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/seekerhq/crawld/internal/adapter/httpserver"
	"github.com/seekerhq/crawld/internal/adapter/observability"
	"github.com/seekerhq/crawld/internal/config"
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
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
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

	// Mutating endpoints are rate limited per client IP and get a
	// request deadline. The websocket route stays outside the timeout
	// group; streams outlive any sane request deadline.
	r.Group(func(wr chi.Router) {
		wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		wr.Group(func(mr chi.Router) {
			mr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

			mr.Post("/v1/jobs", srv.SubmitJobHandler())
			mr.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
			mr.Post("/v1/jobs/{id}/stream-token", srv.StreamTokenHandler())

			mr.Post("/v1/websites", srv.CreateWebsiteHandler())
			mr.Put("/v1/websites/{id}", srv.UpdateWebsiteHandler())
			mr.Delete("/v1/websites/{id}", srv.DeleteWebsiteHandler())

			mr.Post("/v1/schedules", srv.CreateScheduleHandler())
			mr.Put("/v1/schedules/{id}", srv.UpdateScheduleHandler())
			mr.Delete("/v1/schedules/{id}", srv.DeleteScheduleHandler())

			mr.Post("/v1/dlq/{id}/retry", srv.RetryDLQHandler())
			mr.Post("/v1/dlq/{id}/resolve", srv.ResolveDLQHandler())

			mr.Put("/v1/retry-policies", srv.UpsertRetryPolicyHandler())
		})

		// Read-only endpoints
		wr.Get("/v1/jobs", srv.ListJobsHandler())
		wr.Get("/v1/jobs/{id}", srv.GetJobHandler())
		wr.Get("/v1/jobs/{id}/logs", srv.JobLogsHandler())
		wr.Get("/v1/jobs/{id}/retries", srv.RetryHistoryHandler())
		wr.Get("/v1/websites", srv.ListWebsitesHandler())
		wr.Get("/v1/websites/{id}", srv.GetWebsiteHandler())
		wr.Get("/v1/websites/{id}/config-history", srv.WebsiteConfigHistoryHandler())
		wr.Get("/v1/schedules", srv.ListSchedulesHandler())
		wr.Get("/v1/schedules/{id}", srv.GetScheduleHandler())
		wr.Get("/v1/dlq", srv.ListDLQHandler())
		wr.Get("/v1/dlq/{id}", srv.GetDLQHandler())
		wr.Get("/v1/retry-policies", srv.ListRetryPoliciesHandler())
	})

	// Websocket log stream (token-authorized, no request timeout)
	r.Get("/v1/jobs/{id}/logs/stream", srv.StreamLogsHandler())

	// Health and metrics
	r.Get("/healthz", srv.HealthHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
