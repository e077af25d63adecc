package engine

import (
	"context"

	"authsession/internal/security"
)

// AccessInput is the state an access token carries, plus the roles a route
// requires. An empty RequiredRoles accepts any known role.
type AccessInput struct {
	UserID        string
	Role          security.Role
	IsActive      bool
	RequiredRoles []security.Role
}

// Evaluator decides whether an access token carries an acceptable state.
type Evaluator interface {
	AllowAccess(ctx context.Context, in AccessInput) (bool, error)
}
