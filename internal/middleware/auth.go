package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/coldwire/gateway/internal/domain"
	"github.com/coldwire/gateway/internal/session"
)

type contextKey int

const sessionKey contextKey = iota

// SessionFromContext extracts the authenticated session bound to this
// request, if any.
func SessionFromContext(ctx context.Context) *domain.Session {
	if v, ok := ctx.Value(sessionKey).(*domain.Session); ok {
		return v
	}
	return nil
}

// ContextWithSession binds sess so a later SessionFromContext finds it.
// RequireSession uses this internally; handler tests that want to exercise
// a handler without a real bearer token can use it directly.
func ContextWithSession(ctx context.Context, sess *domain.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// RequireSession authenticates a session_token bearer credential and
// injects the resulting domain.Session into the request context. Failures
// respond 401 with WWW-Authenticate: Bearer and Cache-Control: no-store,
// per the session manager's HTTP error contract; no further handler runs.
func RequireSession(mgr *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				unauthorized(w)
				return
			}

			sess, err := mgr.Authenticate(r.Context(), token)
			if err != nil {
				unauthorized(w)
				return
			}

			ctx := ContextWithSession(r.Context(), sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"code":"unauthorized","message":"invalid or expired session_token"}`))
}
