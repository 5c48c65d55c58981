package auth

import "strings"

// SystemActor is the approver id recorded for transitions nobody performed
// by hand, such as the expiration sweep.
const SystemActor int64 = 0

// Role codes known to the default configuration.
const (
	RoleAdmin       = "ADMIN"
	RoleOrgAdmin    = "ORG_ADMIN"
	RoleBranchAdmin = "BRANCH_ADMIN"
	RoleMember      = "MEMBER"
)

// Permission codes checked by the transfer and admin entry points.
const (
	PermTransferCreate  = "transfer:create"
	PermTransferList    = "transfer:list"
	PermTransferView    = "transfer:view"
	PermTransferApprove = "transfer:approve"
	PermAuthzRefresh    = "authz:refresh"
	PermOrgRefresh      = "org:refresh"
)

// Principal is an authenticated caller as supplied by the principal
// resolver. Roles are not carried here; the Authority resolves them by ID.
type Principal struct {
	ID        int64 `json:"id"`
	HomeOrgID int64 `json:"home_org_id"`
}

// IsSystem reports whether p stands for the system actor.
func (p Principal) IsSystem() bool { return p.ID == SystemActor }

// NormalizeRole upper-cases and trims a role code.
func NormalizeRole(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}

// NormalizePermission lower-cases and trims a permission code.
func NormalizePermission(perm string) string {
	return strings.ToLower(strings.TrimSpace(perm))
}

func normalizeSet(values []string, norm func(string) string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = norm(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
