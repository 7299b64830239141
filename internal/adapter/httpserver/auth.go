package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// Authentication is delegated to the fronting reverse proxy, which
// injects the verified username in a trusted header (X-Remote-User by
// default). The server never sees credentials; it only trusts the
// header because nothing but the proxy can reach it.

type userKey struct{}

// usernamePattern matches POSIX-ish account names as the clusters
// accept them.
var usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9._-]{0,63}$`)

// RequireUser extracts the trusted username header, answering 401 when
// it is absent or malformed.
func RequireUser(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := r.Header.Get(header)
			if user == "" {
				writeError(w, r, fmt.Errorf("op=httpserver.RequireUser: no %s header: %w", header, domain.ErrUnauthorized), nil)
				return
			}
			if !usernamePattern.MatchString(user) {
				writeError(w, r, fmt.Errorf("op=httpserver.RequireUser: malformed username: %w", domain.ErrUnauthorized), nil)
				return
			}
			// The actor also travels the domain context so the SSH
			// transport picks the caller's key, not the admin fallback.
			ctx := context.WithValue(r.Context(), userKey{}, user)
			ctx = domain.WithActor(ctx, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFrom returns the authenticated username placed by RequireUser.
func UserFrom(r *http.Request) string {
	if v := r.Context().Value(userKey{}); v != nil {
		if u, ok := v.(string); ok {
			return u
		}
	}
	return ""
}

// withUser is a test seam: it returns a request carrying user the same
// way RequireUser would.
func withUser(r *http.Request, user string) *http.Request {
	ctx := context.WithValue(r.Context(), userKey{}, user)
	return r.WithContext(domain.WithActor(ctx, user))
}
