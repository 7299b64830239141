// Package observability carries request-scoped loggers and request ids
// across layer boundaries, so adapters can tag their logs without
// importing the HTTP layer.
package observability

import (
	"context"
	"log/slog"
)

// ctxKey discriminates the values this package stores in a context.
type ctxKey int

const (
	loggerCtxKey ctxKey = iota
	requestIDCtxKey
)

// WithLogger returns a context carrying lg. A nil logger leaves the
// context untouched so callers can chain without checks.
func WithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, lg)
}

// Logger returns the request-scoped logger carried by ctx. Code that
// runs outside a request, like the status poller or the tunnel exit
// watcher, gets slog.Default back.
func Logger(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if lg, ok := ctx.Value(loggerCtxKey).(*slog.Logger); ok && lg != nil {
		return lg
	}
	return slog.Default()
}

// WithRequestID returns a context carrying the id the HTTP layer minted
// for this request. SSH commands and queue polls run on behalf of a
// request; the id ties their log lines back to it.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDCtxKey, id)
}

// RequestID returns the request id carried by ctx, or "" when the
// context never passed through the HTTP layer.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}
