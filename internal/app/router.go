// Package app assembles the HTTP surface: routing, readiness checks,
// and the background cluster-status poller.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/drejom/rbiocverse-sub003/internal/adapter/httpserver"
	"github.com/drejom/rbiocverse-sub003/internal/adapter/observability"
	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
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
//
// Three route classes get different treatment: JSON API routes run under
// a request timeout and strict security headers; SSE streams skip the
// timeout because a launch legitimately holds the response open for
// minutes; IDE proxy routes skip the security headers because a CSP
// minted here would break the proxied IDE's own pages.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health and metrics stay outside the trusted-header gate so the
	// ingress and Prometheus can reach them directly.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	// Everything below identifies the caller from the trusted header the
	// auth proxy injects.
	r.Group(func(ar chi.Router) {
		ar.Use(httpserver.RequireUser(cfg.TrustedUserHeader))

		// JSON API, all under /api.
		ar.Route("/api", func(api chi.Router) {
			api.Group(func(js chi.Router) {
				js.Use(httpserver.SecurityHeaders)
				js.Use(httpserver.TimeoutMiddleware(30 * time.Second))

				js.Get("/status", srv.StatusHandler())
				js.Get("/cluster-status", srv.ClusterStatusHandler())
				js.Get("/user", srv.UserHandler())
				js.Get("/cluster-health/{hpc}", srv.ClusterHealthHandler())

				// Rate limit mutating endpoints
				js.Group(func(wr chi.Router) {
					wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
					wr.Post("/launch", srv.LaunchHandler())
					wr.Post("/switch/{hpc}/{ide}", srv.SwitchHandler())
					wr.Post("/stop/{hpc}/{ide}", srv.StopHandler())
					wr.Post("/stop-all/{hpc}", srv.StopAllHandler())
					wr.Post("/user/keys", srv.GenerateKeysHandler())
					wr.Post("/user/keys/import", srv.ImportKeyHandler())
					wr.Post("/user/unlock", srv.UnlockHandler())
					wr.Post("/logout", srv.LogoutHandler())
				})
			})

			// SSE progress streams hold the connection open for the whole
			// launch; no request timeout.
			api.Group(func(sse chi.Router) {
				sse.Use(httpserver.SecurityHeaders)
				sse.Get("/launch/{hpc}/{ide}/stream", srv.LaunchStreamHandler())
				sse.Get("/stop/{hpc}/{ide}/stream", srv.StopStreamHandler())
			})
		})

		// IDE traffic through the session tunnels.
		ar.Mount("/code", srv.IDEProxy(domain.IDEVSCode))
		ar.Mount("/rstudio", srv.IDEProxy(domain.IDERStudio))
		ar.Mount("/jupyter", srv.IDEProxy(domain.IDEJupyter))
	})

	return r
}
