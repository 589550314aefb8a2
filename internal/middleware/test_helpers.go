package middleware

import (
	"context"
	"net/http"

	"github.com/gluk-w/shelltop/internal/auth"
)

// WithClaimsForTest attaches bearer claims to the request context, standing
// in for RequireAuth in handler tests.
func WithClaimsForTest(r *http.Request, claims auth.Claims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), claimsContextKey, claims))
}
