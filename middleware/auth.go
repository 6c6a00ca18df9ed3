// Package middleware holds HTTP middleware shared by the API handlers.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// TokenVerifier resolves a bearer token to a user id; *auth.Tokens implements it.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

type userIDKey struct{}

// publicPaths are served without a bearer token. The websocket authenticates
// in its first RPC instead.
var publicPaths = map[string]bool{
	"/health":     true,
	"/api/ping":   true,
	"/api/signup": true,
	"/api/token":  true,
	"/ws":         true,
}

// Auth rejects requests without a valid bearer token and stores the token's
// user id in the request context.
func Auth(tokens TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			userID, err := tokens.Verify(token)
			if err != nil {
				slog.Debug("rejected token", "path", r.URL.Path, "error", err)
				unauthorized(w, err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID returns the authenticated user id, or "" outside Auth.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}
