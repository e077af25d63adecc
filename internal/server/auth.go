package server

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	identityservice "authsession/internal/identity/service"
	"authsession/internal/log"
	"authsession/internal/security"
)

const bearerPrefix = "bearer "

// requireAuth verifies the bearer access token and, when roles are given,
// that the token's role is among them. Claims are stored in the request
// context for handlers.
func (a *API) requireAuth(roles ...security.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				writeError(w, r, identityservice.ErrUnauthorized)
				return
			}
			claims, err := a.auth.Authenticate(r.Context(), token, roles...)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if l := zerolog.Ctx(r.Context()); l != log.Logger() {
				l.UpdateContext(func(c zerolog.Context) zerolog.Context {
					return c.Str("user_id", claims.UserID())
				})
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// extractBearer returns the token of an "Authorization: Bearer <token>"
// header, or "" if missing or malformed.
func extractBearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
