package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	obsctx "github.com/drejom/rbiocverse-sub003/internal/observability"
)

// Recoverer turns handler panics into plain 500s so one bad request
// cannot take the portal down with it.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("panic recovered",
						slog.Any("recover", rec),
						slog.String("path", r.URL.Path))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID adopts the caller's X-Request-Id or mints a ULID, reflects
// it on the response, and stores an id-tagged logger in the context.
// SSH executors and pollers log through that logger, so every remote
// command a request causes can be traced back to it.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = newReqID()
				// On the request too: proxied IDE traffic carries it onward.
				r.Header.Set("X-Request-Id", id)
			}
			lg := slog.Default().With(slog.String("request_id", id))
			ctx := obsctx.WithRequestID(obsctx.WithLogger(r.Context(), lg), id)
			w.Header().Set("X-Request-Id", id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// newReqID mints a ULID. ULIDs sort by time, which keeps grepping a
// day's logs by id sane.
func newReqID() string {
	return ulid.Make().String()
}

// TraceMiddleware starts a span for each HTTP request. The span is
// renamed to the chi route pattern once routing has resolved it, which
// keeps span names low-cardinality.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr := otel.Tracer("http.server")
		ctx, span := tr.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
		if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
			span.SetName(r.Method + " " + rc.RoutePattern())
		}
	})
}

// TimeoutMiddleware adds a deadline to the request context. SSE and
// proxy routes are mounted outside it; a launch stream legitimately
// stays open for minutes.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, http.StatusText(http.StatusGatewayTimeout))
	}
}

// SecurityHeaders adds strict security headers suitable for a JSON API.
// The IDE proxy routes skip it: code-server, RStudio and Jupyter ship
// HTML that an empty CSP would break.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		// HSTS is left to the TLS-terminating proxy in front of us.
		next.ServeHTTP(w, r)
	})
}

// LoggerFrom returns the logger RequestID stored for this request.
func LoggerFrom(r *http.Request) *slog.Logger {
	return obsctx.Logger(r.Context())
}

// AccessLog writes one structured line per request. 5xx lines log at
// error and 4xx at warn so the default prod filter surfaces trouble.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			span := trace.SpanContextFromContext(r.Context())
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", routePattern(r)),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration_ms", time.Since(start)),
				slog.String("request_id", obsctx.RequestID(r.Context())),
				slog.String("trace_id", span.TraceID().String()),
				slog.String("span_id", span.SpanID().String()),
			}
			LoggerFrom(r).LogAttrs(r.Context(), levelFor(ww.Status()), "http_access", attrs...)
		})
	}
}

// routePattern prefers the chi pattern so the route attribute matches
// the Prometheus route label; unmatched paths fall back to the raw URL.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
