package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/unichat/internal/model"
)

// Authenticator resolves a bearer token to a user. Satisfied by
// auth.Authenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.User, error)
}

// BearerToken extracts the token from the Authorization header, falling
// back to the "token" query parameter (the WebSocket upgrade path, where
// browsers cannot set headers).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(h[len("Bearer "):])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// JWTAuth rejects requests without a valid token and puts the user id into
// the request context.
func JWTAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			user, err := auth.Authenticate(r.Context(), token)
			if err != nil || user == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
