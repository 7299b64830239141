package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

type proxySessionKey struct{}

// proxyTarget picks the session whose tunnel should receive an IDE
// request: the caller's active session when it matches the IDE, else
// any running session of that IDE.
func (s *Server) proxyTarget(user string, ide domain.IDE) (domain.Session, bool) {
	if key, ok := s.Sessions.Active(user); ok && key.IDE == ide {
		if sess, ok := s.Sessions.Get(key); ok && proxyable(sess) {
			return sess, true
		}
	}
	for _, sess := range s.Sessions.AllForUser(user) {
		if sess.Key.IDE == ide && proxyable(sess) {
			return sess, true
		}
	}
	return domain.Session{}, false
}

func proxyable(sess domain.Session) bool {
	return sess.Status == domain.StatusRunning && sess.Tunnel != nil && sess.Tunnel.LocalPort() > 0
}

// IDEProxy reverse-proxies one IDE's traffic onto the caller's tunnel.
// code-server and RStudio are served from their port roots, so their
// prefixes are stripped; Jupyter is started with base_url=/jupyter and
// keeps the full path. WebSocket upgrades pass through untouched.
func (s *Server) IDEProxy(ide domain.IDE) http.Handler {
	prefix := strings.TrimSuffix(redirectURL(ide), "/")
	proxy := &httputil.ReverseProxy{
		// IDE traffic is interactive; flush every write.
		FlushInterval: -1,
		Rewrite: func(pr *httputil.ProxyRequest) {
			sess, _ := pr.In.Context().Value(proxySessionKey{}).(domain.Session)
			pr.SetURL(&url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(sess.Tunnel.LocalPort()))})
			pr.SetXForwarded()
			switch ide {
			case domain.IDERStudio:
				trimProxyPrefix(pr, prefix)
				// RStudio rewrites its redirects and asset links from
				// this header when served under a subpath.
				pr.Out.Header.Set("X-RStudio-Root-Path", prefix)
			case domain.IDEJupyter:
				if sess.AuthToken != "" && pr.Out.URL.Query().Get("token") == "" {
					q := pr.Out.URL.Query()
					q.Set("token", sess.AuthToken)
					pr.Out.URL.RawQuery = q.Encode()
				}
			default:
				trimProxyPrefix(pr, prefix)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("ide proxy error", slog.String("ide", string(ide)), slog.String("path", r.URL.Path), slog.Any("error", err))
			writeJSON(w, http.StatusBadGateway, errorEnvelope{Error: apiError{Code: "BAD_GATEWAY", Message: "ide backend unreachable; the tunnel may have dropped"}})
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		sess, ok := s.proxyTarget(user, ide)
		if !ok {
			writeError(w, r, fmt.Errorf("op=httpserver: no running %s session: %w", ide, domain.ErrNotFound), nil)
			return
		}
		proxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), proxySessionKey{}, sess)))
	})
}

func trimProxyPrefix(pr *httputil.ProxyRequest, prefix string) {
	u := pr.Out.URL
	u.Path = strings.TrimPrefix(u.Path, prefix)
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawPath != "" {
		u.RawPath = strings.TrimPrefix(u.RawPath, prefix)
		if u.RawPath == "" {
			u.RawPath = "/"
		}
	}
}
