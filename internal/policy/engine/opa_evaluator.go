package engine

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

const accessQuery = "data.authsession.access.allow"

// DefaultAccessPolicy accepts active users with a known role, restricted to
// the required roles when the route names any.
const DefaultAccessPolicy = `package authsession.access

default allow := false

known_roles := {"user", "admin"}

allow if {
	input.claims.is_active == true
	known_roles[input.claims.role]
	role_permitted
}

role_permitted if count(input.required_roles) == 0

role_permitted if input.claims.role in input.required_roles
`

// OPAEvaluator evaluates the access policy with OPA Rego. The query is
// compiled once at construction.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles module, or DefaultAccessPolicy when module is empty.
// The module must define data.authsession.access.allow.
func NewOPAEvaluator(ctx context.Context, module string) (*OPAEvaluator, error) {
	if module == "" {
		module = DefaultAccessPolicy
	}
	q, err := rego.New(
		rego.Query(accessQuery),
		rego.Module("access.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile access policy: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// AllowAccess evaluates the policy for in. An undefined result denies.
func (e *OPAEvaluator) AllowAccess(ctx context.Context, in AccessInput) (bool, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		return false, fmt.Errorf("eval access policy: %w", err)
	}
	return rs.Allowed(), nil
}

// HealthCheck evaluates the prepared policy against a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.AllowAccess(ctx, AccessInput{Role: "user", IsActive: true})
	return err
}

func buildInput(in AccessInput) map[string]interface{} {
	required := make([]string, 0, len(in.RequiredRoles))
	for _, r := range in.RequiredRoles {
		required = append(required, string(r))
	}
	return map[string]interface{}{
		"claims": map[string]interface{}{
			"sub":       in.UserID,
			"role":      string(in.Role),
			"is_active": in.IsActive,
		},
		"required_roles": required,
	}
}
