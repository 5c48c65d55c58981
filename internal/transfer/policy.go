package transfer

import (
	"context"
	"errors"
	"sort"

	"memberflow.org/internal/auth"
	"memberflow.org/internal/orgtree"
)

// Hierarchy is the part of the org tree index the policy needs.
type Hierarchy interface {
	IsSelfOrDescendant(ctx context.Context, ancestorID, candidateID int64) (bool, error)
	SelfAndDescendantIDs(ctx context.Context, rootID int64) ([]int64, error)
	AncestorChain(ctx context.Context, id int64) ([]int64, error)
}

// Policy decides what a principal may see and approve. An organization is in
// a principal's scope when it lies on the home organization's lineage: the
// home node itself, any node below it, or any node above it. Siblings and
// cousins are never in scope.
type Policy struct {
	authority     *auth.Authority
	tree          Hierarchy
	adminRoles    []string
	orgAdminRoles []string
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithAdminRoles sets the roles that bypass hierarchy scoping.
func WithAdminRoles(roles ...string) PolicyOption {
	return func(p *Policy) {
		if len(roles) > 0 {
			p.adminRoles = normalizeRoles(roles)
		}
	}
}

// WithOrgAdminRoles sets the roles allowed to sign off on a transfer.
func WithOrgAdminRoles(roles ...string) PolicyOption {
	return func(p *Policy) {
		if len(roles) > 0 {
			p.orgAdminRoles = normalizeRoles(roles)
		}
	}
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = auth.NormalizeRole(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func NewPolicy(authority *auth.Authority, tree Hierarchy, opts ...PolicyOption) (*Policy, error) {
	if authority == nil {
		return nil, errors.New("transfer: authority is required")
	}
	if tree == nil {
		return nil, errors.New("transfer: hierarchy is required")
	}
	p := &Policy{
		authority:     authority,
		tree:          tree,
		adminRoles:    []string{auth.RoleAdmin},
		orgAdminRoles: []string{auth.RoleAdmin, auth.RoleOrgAdmin, auth.RoleBranchAdmin},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// OrgAdminRoles returns the roles accepted at the approval entry points.
func (p *Policy) OrgAdminRoles() []string { return append([]string(nil), p.orgAdminRoles...) }

// IsAdmin reports whether pr holds an admin-tier role.
func (p *Policy) IsAdmin(ctx context.Context, pr auth.Principal) (bool, error) {
	return p.holdsAny(ctx, pr, p.adminRoles)
}

// IsOrgAdmin reports whether pr holds any organization-admin role.
func (p *Policy) IsOrgAdmin(ctx context.Context, pr auth.Principal) (bool, error) {
	return p.holdsAny(ctx, pr, p.orgAdminRoles)
}

func (p *Policy) holdsAny(ctx context.Context, pr auth.Principal, roles []string) (bool, error) {
	for _, role := range roles {
		ok, err := p.authority.HasRole(ctx, pr.ID, role)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// InScope reports whether orgID lies on the lineage of pr's home organization.
// Unknown organizations are never in scope.
func (p *Policy) InScope(ctx context.Context, pr auth.Principal, orgID int64) (bool, error) {
	below, err := p.tree.IsSelfOrDescendant(ctx, pr.HomeOrgID, orgID)
	if err != nil {
		return false, ignoreUnknownOrg(err)
	}
	if below {
		return true, nil
	}
	above, err := p.tree.IsSelfOrDescendant(ctx, orgID, pr.HomeOrgID)
	if err != nil {
		return false, ignoreUnknownOrg(err)
	}
	return above, nil
}

func ignoreUnknownOrg(err error) error {
	if errors.Is(err, orgtree.ErrNotFound) {
		return nil
	}
	return err
}

// CanView: the subject, an admin, or anyone whose lineage covers either side.
func (p *Policy) CanView(ctx context.Context, pr auth.Principal, t Transfer) (bool, error) {
	if pr.ID == t.SubjectID {
		return true, nil
	}
	if ok, err := p.IsAdmin(ctx, pr); err != nil || ok {
		return ok, err
	}
	for _, org := range []int64{t.FromOrgID, t.ToOrgID} {
		if ok, err := p.InScope(ctx, pr, org); err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// CanOutApprove requires an org-admin role plus admin tier or the losing
// organization in scope.
func (p *Policy) CanOutApprove(ctx context.Context, pr auth.Principal, t Transfer) (bool, error) {
	return p.canApprove(ctx, pr, t.FromOrgID)
}

// CanInApprove is CanOutApprove evaluated against the gaining organization.
func (p *Policy) CanInApprove(ctx context.Context, pr auth.Principal, t Transfer) (bool, error) {
	return p.canApprove(ctx, pr, t.ToOrgID)
}

func (p *Policy) canApprove(ctx context.Context, pr auth.Principal, orgID int64) (bool, error) {
	ok, err := p.IsOrgAdmin(ctx, pr)
	if err != nil || !ok {
		return false, err
	}
	if admin, err := p.IsAdmin(ctx, pr); err != nil || admin {
		return admin, err
	}
	return p.InScope(ctx, pr, orgID)
}

// AuthorizedOrgIDs returns every organization on pr's lineage, ascending.
// A home organization missing from the tree yields an empty set.
func (p *Policy) AuthorizedOrgIDs(ctx context.Context, pr auth.Principal) ([]int64, error) {
	below, err := p.tree.SelfAndDescendantIDs(ctx, pr.HomeOrgID)
	if err != nil {
		if errors.Is(err, orgtree.ErrNotFound) {
			return []int64{}, nil
		}
		return nil, err
	}
	above, err := p.tree.AncestorChain(ctx, pr.HomeOrgID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{}, len(below)+len(above))
	out := make([]int64, 0, len(below)+len(above))
	for _, id := range append(below, above...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// WorklistOrgIDs resolves which organizations a pending worklist for orgID
// may cover for pr. orgID 0 means every organization pr may act for. A nil
// result means no restriction (admin tier without an explicit org).
func (p *Policy) WorklistOrgIDs(ctx context.Context, pr auth.Principal, orgID int64) ([]int64, error) {
	admin, err := p.IsAdmin(ctx, pr)
	if err != nil {
		return nil, err
	}
	if orgID == 0 {
		if admin {
			return nil, nil
		}
		return p.AuthorizedOrgIDs(ctx, pr)
	}

	subtree, err := p.tree.SelfAndDescendantIDs(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if admin {
		return subtree, nil
	}
	allowed, err := p.AuthorizedOrgIDs(ctx, pr)
	if err != nil {
		return nil, err
	}
	if !containsID(allowed, orgID) {
		return nil, &auth.ForbiddenError{Operation: "transfer.pending", Message: "organization outside approver scope"}
	}
	out := make([]int64, 0, len(subtree))
	for _, id := range subtree {
		if containsID(allowed, id) {
			out = append(out, id)
		}
	}
	return out, nil
}
