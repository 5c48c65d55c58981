package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"memberflow.org/internal/audit"
	"memberflow.org/internal/auth"
)

type authzCheckRequest struct {
	Permission string   `json:"permission"`
	Roles      []string `json:"roles"`
	RequireAll bool     `json:"require_all"`
}

type rolePermissionRequest struct {
	Role       string `json:"role"`
	Permission string `json:"permission"`
}

type roleAssignmentRequest struct {
	PrincipalID int64  `json:"principal_id"`
	Role        string `json:"role"`
}

// adminOps are the gate-guarded administrative actions.
type adminOps struct {
	grant      func(context.Context, *auth.Principal, rolePermissionRequest) (uint64, error)
	assign     func(context.Context, *auth.Principal, roleAssignmentRequest) (uint64, error)
	invalidate func(context.Context, *auth.Principal, struct{}) (bool, error)
}

func (a *API) registerAdmin() adminOps {
	unit := a.gate.Unit("admin", auth.RequirePermission(auth.PermAuthzRefresh, "not allowed to change role grants"))
	authority := a.gate.Authority()

	grant := func(ctx context.Context, _ auth.Principal, req rolePermissionRequest) (uint64, error) {
		role, perm := auth.NormalizeRole(req.Role), auth.NormalizePermission(req.Permission)
		if role == "" || perm == "" {
			return 0, fmt.Errorf("%w: role and permission are required", auth.ErrInvalidInput)
		}
		if a.grants != nil {
			if err := a.grants.GrantPermission(ctx, role, perm); err != nil {
				return 0, err
			}
		}
		if err := authority.Refresh(role, perm); err != nil {
			return 0, err
		}
		_ = audit.LogEvent(ctx, audit.RolePermissionSet, map[string]any{"role": role, "permission": perm})
		return authority.Version(), nil
	}
	assign := func(ctx context.Context, _ auth.Principal, req roleAssignmentRequest) (uint64, error) {
		role := auth.NormalizeRole(req.Role)
		if req.PrincipalID <= 0 || role == "" {
			return 0, fmt.Errorf("%w: principal_id and role are required", auth.ErrInvalidInput)
		}
		if a.grants != nil {
			if err := a.grants.AssignRole(ctx, req.PrincipalID, role); err != nil {
				return 0, err
			}
		}
		if err := authority.RefreshAssignment(ctx, req.PrincipalID, role); err != nil {
			return 0, err
		}
		_ = audit.LogEvent(ctx, audit.RoleAssignmentSet, map[string]any{"principal_id": req.PrincipalID, "role": role})
		return authority.Version(), nil
	}
	invalidate := func(ctx context.Context, _ auth.Principal, _ struct{}) (bool, error) {
		a.tree.Invalidate()
		_ = audit.LogEvent(ctx, audit.OrgTreeInvalidated, nil)
		return true, nil
	}

	return adminOps{
		grant:  auth.Guard(unit.Operation("role_permission", auth.Requirements{}), grant),
		assign: auth.Guard(unit.Operation("role_assignment", auth.Requirements{}), assign),
		invalidate: auth.Guard(unit.Operation("org_tree_invalidate",
			auth.RequirePermission(auth.PermOrgRefresh, "not allowed to refresh the organization tree")), invalidate),
	}
}

// handleAuthzCheck answers whether the caller satisfies the given
// requirements. Denials are reported in the body, never as 403.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	var req authzCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	var reqs auth.Requirements
	if perm := strings.TrimSpace(req.Permission); perm != "" {
		reqs.Permission = &auth.PermissionRequirement{Permission: perm}
	}
	if len(req.Roles) > 0 {
		reqs.Role = &auth.RoleRequirement{Roles: req.Roles, RequireAll: req.RequireAll, Soft: true}
	}
	if reqs.Permission == nil && reqs.Role == nil {
		writeError(w, r, http.StatusBadRequest, "validation", "permission or roles is required")
		return
	}

	d, err := a.service.IsAuthorized(r.Context(), auth.PrincipalFromContext(r.Context()), reqs)
	if fe, ok := asForbidden(err); ok {
		d, err = auth.Decision{Allowed: false, Operation: fe.Operation, Missing: fe.Missing, Message: fe.Message}, nil
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleRolePermission(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	version, err := a.admin.grant(r.Context(), auth.PrincipalFromContext(r.Context()), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":       auth.NormalizeRole(req.Role),
		"permission": auth.NormalizePermission(req.Permission),
		"version":    version,
	})
}

func (a *API) handleRoleAssignment(w http.ResponseWriter, r *http.Request) {
	var req roleAssignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	version, err := a.admin.assign(r.Context(), auth.PrincipalFromContext(r.Context()), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal_id": req.PrincipalID,
		"role":         auth.NormalizeRole(req.Role),
		"version":      version,
	})
}

func (a *API) handleInvalidateTree(w http.ResponseWriter, r *http.Request) {
	if _, err := a.admin.invalidate(r.Context(), auth.PrincipalFromContext(r.Context()), struct{}{}); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"invalidated": true})
}
