package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"memberflow.org/internal/auth"
	"memberflow.org/internal/orgtree"
)

// ListOrganizations loads the full hierarchy. Paths are stored root-first as
// comma separated ids.
func (s *Store) ListOrganizations(ctx context.Context) ([]orgtree.Organization, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, parent_id, path
		from organizations
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orgtree.Organization
	for rows.Next() {
		var (
			org    orgtree.Organization
			parent sql.NullInt64
			path   string
		)
		if err := rows.Scan(&org.ID, &org.Name, &parent, &path); err != nil {
			return nil, err
		}
		org.ParentID = parent.Int64
		if org.Path, err = parsePath(path); err != nil {
			return nil, fmt.Errorf("%w: organization %d: %v", orgtree.ErrCorruptTree, org.ID, err)
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func parsePath(raw string) ([]int64, error) {
	raw = strings.Trim(strings.TrimSpace(raw), ",")
	if raw == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(raw, ",")
	path := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad path element %q", p)
		}
		path = append(path, id)
	}
	return path, nil
}

func (s *Store) RolePermissions(ctx context.Context) (map[string][]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select role, permission
		from role_permissions
		order by role, permission
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var role, perm string
		if err := rows.Scan(&role, &perm); err != nil {
			return nil, err
		}
		out[role] = append(out[role], perm)
	}
	return out, rows.Err()
}

func (s *Store) RolesOf(ctx context.Context, principalID int64) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select role
		from role_assignments
		where principal_id = $1
		order by role
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GrantPermission persists a role grant. Existing grants are left untouched.
func (s *Store) GrantPermission(ctx context.Context, role, permission string) error {
	if s.db == nil {
		return errNoDB
	}
	role, permission = auth.NormalizeRole(role), auth.NormalizePermission(permission)
	if role == "" || permission == "" {
		return fmt.Errorf("%w: role and permission are required", auth.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role, permission)
		values ($1, $2)
		on conflict (role, permission) do nothing
	`, role, permission)
	return err
}

// AssignRole persists a role assignment.
func (s *Store) AssignRole(ctx context.Context, principalID int64, role string) error {
	if s.db == nil {
		return errNoDB
	}
	role = auth.NormalizeRole(role)
	if role == "" {
		return fmt.Errorf("%w: role is required", auth.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_assignments (principal_id, role)
		values ($1, $2)
		on conflict (principal_id, role) do nothing
	`, principalID, role)
	return err
}
