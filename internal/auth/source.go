package auth

import (
	"context"
	"sync"
)

// StaticSource is an in-memory Source for the in-memory server profile and tests.
type StaticSource struct {
	mu          sync.RWMutex
	permissions map[string][]string
	assignments map[int64][]string
}

// NewStaticSource copies the given grants and assignments.
func NewStaticSource(permissions map[string][]string, assignments map[int64][]string) *StaticSource {
	s := &StaticSource{
		permissions: make(map[string][]string, len(permissions)),
		assignments: make(map[int64][]string, len(assignments)),
	}
	for role, perms := range permissions {
		s.permissions[role] = append([]string(nil), perms...)
	}
	for id, roles := range assignments {
		s.assignments[id] = append([]string(nil), roles...)
	}
	return s
}

// DefaultRolePermissions is the grant table seeded into new deployments.
func DefaultRolePermissions() map[string][]string {
	return map[string][]string{
		RoleAdmin: {
			PermTransferCreate, PermTransferList, PermTransferView, PermTransferApprove,
			PermAuthzRefresh, PermOrgRefresh,
		},
		RoleOrgAdmin:    {PermTransferCreate, PermTransferList, PermTransferView, PermTransferApprove},
		RoleBranchAdmin: {PermTransferCreate, PermTransferList, PermTransferView, PermTransferApprove},
		RoleMember:      {PermTransferCreate, PermTransferView},
	}
}

// Writer persists grant changes at the source. The Authority sees them after
// Reload, Refresh or RefreshAssignment, or once its cache TTL lapses.
type Writer interface {
	GrantPermission(ctx context.Context, role, permission string) error
	AssignRole(ctx context.Context, principalID int64, role string) error
}

// Assign records role for principalID at the source.
func (s *StaticSource) Assign(principalID int64, role string) {
	_ = s.AssignRole(context.Background(), principalID, role)
}

func (s *StaticSource) AssignRole(ctx context.Context, principalID int64, role string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[principalID] = append(s.assignments[principalID], role)
	return nil
}

func (s *StaticSource) GrantPermission(ctx context.Context, role, permission string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[role] = append(s.permissions[role], permission)
	return nil
}

func (s *StaticSource) RolePermissions(ctx context.Context) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.permissions))
	for role, perms := range s.permissions {
		out[role] = append([]string(nil), perms...)
	}
	return out, nil
}

func (s *StaticSource) RolesOf(ctx context.Context, principalID int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.assignments[principalID]...), nil
}
