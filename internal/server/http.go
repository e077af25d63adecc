// Package server exposes the auth service over HTTP (chi) and the health
// service over gRPC.
package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	identityservice "authsession/internal/identity/service"
	"authsession/internal/log"
	"authsession/internal/security"
)

// Deps holds the HTTP API dependencies.
type Deps struct {
	Auth *identityservice.AuthService
	// Health serves GET /healthz. If nil the route is not mounted.
	Health http.Handler
	Cookie CookieConfig

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// API holds the HTTP handlers.
type API struct {
	auth   *identityservice.AuthService
	cookie CookieConfig
}

// NewHandler builds the instrumented HTTP handler.
func NewHandler(deps Deps) (http.Handler, error) {
	if deps.Auth == nil {
		return nil, errors.New("server: auth service is required")
	}
	if deps.Cookie.Name == "" {
		return nil, errors.New("server: refresh cookie name is required")
	}
	a := &API{auth: deps.Auth, cookie: deps.Cookie}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if deps.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(
		log.NewHandler(),
		log.RequestFieldsHandler(),
		log.AccessHandler(),
		middleware.Recoverer,
	)

	if deps.Health != nil {
		r.Method(http.MethodGet, "/healthz", deps.Health)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", a.register)
		r.Post("/login", a.login)
		r.Post("/refresh", a.refresh)
		r.Post("/logout", a.logout)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth())
			r.Post("/logout/{deviceId}", a.logoutDevice)
			r.Get("/sessions", a.sessions)
		})
	})

	r.Route("/users", func(r chi.Router) {
		r.With(a.requireAuth()).Get("/me", a.me)
		r.With(a.requireAuth()).Get("/username-available/{username}", a.usernameAvailable)
		r.With(a.requireAuth(security.RoleAdmin)).Patch("/me/deactivate", a.deactivate)
	})

	return otelhttp.NewHandler(r, "authsession.http"), nil
}
