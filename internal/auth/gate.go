package auth

import (
	"context"
	"errors"
	"fmt"

	"memberflow.org/internal/obs"
)

// PermissionRequirement demands a single permission code.
type PermissionRequirement struct {
	Permission  string
	Message     string
	LogFailures bool
}

// RoleRequirement demands any (or, with RequireAll, every) listed role.
// Soft turns a denial into a negative Decision instead of an error.
type RoleRequirement struct {
	Roles       []string
	RequireAll  bool
	Message     string
	Soft        bool
	LogFailures bool
}

// Requirements is the declaration attached to a unit or an operation.
type Requirements struct {
	Permission *PermissionRequirement
	Role       *RoleRequirement
}

// Override returns r with every requirement kind that method declares
// replaced by method's version.
func (r Requirements) Override(method Requirements) Requirements {
	out := r
	if method.Permission != nil {
		out.Permission = method.Permission
	}
	if method.Role != nil {
		out.Role = method.Role
	}
	return out
}

// RequirePermission is shorthand for a permission-only declaration.
func RequirePermission(perm, message string) Requirements {
	return Requirements{Permission: &PermissionRequirement{Permission: perm, Message: message, LogFailures: true}}
}

// RequireAnyRole is shorthand for a role declaration satisfied by any of roles.
func RequireAnyRole(message string, roles ...string) Requirements {
	return Requirements{Role: &RoleRequirement{Roles: roles, Message: message, LogFailures: true}}
}

// Decision is the machine-readable outcome of a check.
type Decision struct {
	Allowed   bool     `json:"allowed"`
	Operation string   `json:"operation,omitempty"`
	Missing   []string `json:"missing,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Gate enforces Requirements against the Authority.
type Gate struct {
	authority *Authority
}

func NewGate(authority *Authority) (*Gate, error) {
	if authority == nil {
		return nil, errors.New("auth: authority is required")
	}
	return &Gate{authority: authority}, nil
}

// Authority exposes the backing authority.
func (g *Gate) Authority() *Authority { return g.authority }

// Check evaluates req for p. A nil principal fails with ErrUnauthenticated;
// a denial fails with *ForbiddenError unless the role requirement is soft,
// in which case the Decision reports Allowed=false and the error is nil.
func (g *Gate) Check(ctx context.Context, p *Principal, req Requirements) (Decision, error) {
	return g.evaluate(ctx, "check", p, req)
}

func (g *Gate) evaluate(ctx context.Context, op string, p *Principal, req Requirements) (Decision, error) {
	if p == nil {
		obs.ObserveDenial(op, "unauthenticated")
		return Decision{Operation: op, Message: "authentication required"}, ErrUnauthenticated
	}

	if pr := req.Permission; pr != nil {
		ok, err := g.authority.HasPermission(ctx, p.ID, pr.Permission)
		if err != nil {
			return Decision{Operation: op}, err
		}
		if !ok {
			return g.deny(ctx, op, p, "permission", []string{NormalizePermission(pr.Permission)}, pr.Message, false, pr.LogFailures)
		}
	}

	if rr := req.Role; rr != nil && len(rr.Roles) > 0 {
		held, err := g.authority.RolesOf(ctx, p.ID)
		if err != nil {
			return Decision{Operation: op}, err
		}
		missing, ok := evaluateRoles(held, rr)
		if !ok {
			return g.deny(ctx, op, p, "role", missing, rr.Message, rr.Soft, rr.LogFailures)
		}
	}

	return Decision{Allowed: true, Operation: op}, nil
}

func evaluateRoles(held []string, rr *RoleRequirement) ([]string, bool) {
	have := make(set, len(held))
	for _, r := range held {
		have[r] = struct{}{}
	}
	wanted := normalizeSet(rr.Roles, NormalizeRole)
	var missing []string
	matched := 0
	for _, r := range wanted {
		if have.has(r) {
			matched++
		} else {
			missing = append(missing, r)
		}
	}
	if rr.RequireAll {
		return missing, matched == len(wanted)
	}
	if matched > 0 {
		return nil, true
	}
	return missing, false
}

func (g *Gate) deny(ctx context.Context, op string, p *Principal, kind string, missing []string, message string, soft, logFailures bool) (Decision, error) {
	obs.ObserveDenial(op, kind)
	if logFailures {
		fields := map[string]any{
			"operation":    op,
			"kind":         kind,
			"principal_id": p.ID,
			"home_org_id":  p.HomeOrgID,
			"required":     missing,
		}
		// Best effort: a lookup failure here must not hide the denial itself.
		if roles, err := g.authority.RolesOf(ctx, p.ID); err == nil {
			fields["roles"] = roles
		}
		if perms, err := g.authority.PermissionsOf(ctx, p.ID); err == nil {
			fields["permissions"] = perms
		}
		obs.Warn("authorization_denied", fields)
	}
	d := Decision{Operation: op, Missing: missing, Message: message}
	if soft {
		return d, nil
	}
	return d, &ForbiddenError{Operation: op, Message: message, Missing: missing}
}

// Unit groups operations that share a default declaration.
type Unit struct {
	gate     *Gate
	name     string
	defaults Requirements
}

// Unit registers a unit whose operations fall back to defaults.
func (g *Gate) Unit(name string, defaults Requirements) *Unit {
	return &Unit{gate: g, name: name, defaults: defaults}
}

// Operation is a guarded entry point with its effective requirements fixed
// at registration.
type Operation struct {
	gate *Gate
	name string
	req  Requirements
}

// Operation registers name under the unit, resolving override against the
// unit defaults once.
func (u *Unit) Operation(name string, override Requirements) *Operation {
	return &Operation{
		gate: u.gate,
		name: fmt.Sprintf("%s.%s", u.name, name),
		req:  u.defaults.Override(override),
	}
}

func (o *Operation) Name() string               { return o.name }
func (o *Operation) Requirements() Requirements { return o.req }

// Authorize evaluates the operation's effective requirements for p.
func (o *Operation) Authorize(ctx context.Context, p *Principal) (Decision, error) {
	return o.gate.evaluate(ctx, o.name, p, o.req)
}

// Guard wraps fn so it only runs once op authorizes the caller. A soft denial
// yields the zero value of T and a nil error.
func Guard[A, T any](op *Operation, fn func(ctx context.Context, p Principal, arg A) (T, error)) func(ctx context.Context, p *Principal, arg A) (T, error) {
	return func(ctx context.Context, p *Principal, arg A) (T, error) {
		var zero T
		d, err := op.Authorize(ctx, p)
		if err != nil {
			return zero, err
		}
		if !d.Allowed {
			return zero, nil
		}
		return fn(ctx, *p, arg)
	}
}
