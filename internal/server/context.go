package server

import (
	"context"

	"authsession/internal/security"
)

type contextKey struct{ name string }

var claimsKey = contextKey{"access_claims"}

// WithClaims returns a context carrying the verified access claims.
func WithClaims(ctx context.Context, claims *security.AccessClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFrom returns the access claims set by the bearer middleware.
func ClaimsFrom(ctx context.Context) (*security.AccessClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*security.AccessClaims)
	return c, ok && c != nil
}

// UserID returns the authenticated user id, or "", false outside protected routes.
func UserID(ctx context.Context) (string, bool) {
	c, ok := ClaimsFrom(ctx)
	if !ok {
		return "", false
	}
	return c.UserID(), true
}
