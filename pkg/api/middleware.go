package api

import (
	"context"
	"net/http"

	"github.com/citehub/citehub/pkg/users"
)

// TokenCookie is the session cookie name.
const TokenCookie = "token"

type contextKey int

const usernameKey contextKey = iota

// UsernameFrom returns the authenticated username stored by RequireAuth.
func UsernameFrom(ctx context.Context) string {
	username, _ := ctx.Value(usernameKey).(string)
	return username
}

// RequireAuth resolves the session cookie to a username and stores it in the
// request context. Requests without a valid token get a 403.
func RequireAuth(manager *users.Manager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(TokenCookie)
		if err != nil || cookie.Value == "" {
			WriteForbidden(w)
			return
		}
		username, ok, err := manager.UsernameOf(r.Context(), cookie.Value)
		if err != nil {
			WriteReason(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !ok {
			WriteForbidden(w)
			return
		}
		ctx := context.WithValue(r.Context(), usernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
