package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gluk-w/shelltop/internal/apierr"
	"github.com/gluk-w/shelltop/internal/auth"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// BearerToken extracts the token from an Authorization: Bearer header, or
// returns "" if the header is absent or malformed.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return h[len(prefix):]
}

// RequireAuth rejects requests without a valid, unrevoked bearer token and
// attaches the token claims to the request context.
func RequireAuth(tokens *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				apierr.Write(w, apierr.AuthFailed, nil)
				return
			}

			claims, err := tokens.Validate(token)
			if err != nil {
				apierr.Write(w, apierr.AuthFailed, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the bearer claims attached by RequireAuth, or false if
// the request did not pass through it.
func GetClaims(r *http.Request) (auth.Claims, bool) {
	claims, ok := r.Context().Value(claimsContextKey).(auth.Claims)
	return claims, ok
}
