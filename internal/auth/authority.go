package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Source is the role-management collaborator the Authority reads from.
type Source interface {
	// RolePermissions returns every role code with its permission codes.
	RolePermissions(ctx context.Context) (map[string][]string, error)
	// RolesOf returns the role codes assigned to a principal.
	RolesOf(ctx context.Context, principalID int64) ([]string, error)
}

type set map[string]struct{}

func (s set) has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s set) with(v string) set {
	out := make(set, len(s)+1)
	for k := range s {
		out[k] = struct{}{}
	}
	out[v] = struct{}{}
	return out
}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

const defaultGrantTTL = time.Minute

// grants is one published version of the role grant table. It is never
// mutated after publication.
type grants struct {
	version  uint64
	perms    map[string]set
	loadedAt time.Time
}

// bump republishes the same table under the next version.
func (g *grants) bump() *grants {
	return &grants{version: g.version + 1, perms: g.perms, loadedAt: g.loadedAt}
}

func (g *grants) withPermission(role, permission string) *grants {
	next := g.bump()
	next.perms = make(map[string]set, len(g.perms)+1)
	for k, v := range g.perms {
		next.perms[k] = v
	}
	next.perms[role] = g.perms[role].with(permission)
	return next
}

// assignment is one principal's cached role set. Entries stamped with an
// older generation than the Authority's are misses.
type assignment struct {
	roles    set
	loadedAt time.Time
	gen      uint64
}

// Authority answers role and permission questions from a versioned snapshot.
// Reads are lock-free; writers serialize on mu and publish a fresh copy, so a
// reader sees either the previous or the next version, never a mix. The grant
// table and each principal's roles are re-read from the source once older
// than the TTL.
type Authority struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	current  atomic.Pointer[grants]
	gen      atomic.Uint64
	assigned sync.Map // principal id -> *assignment
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithGrantTTL bounds how long grants and assignments are served before they
// are re-read from the source.
func WithGrantTTL(ttl time.Duration) AuthorityOption {
	return func(a *Authority) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithAuthorityClock overrides the time source.
func WithAuthorityClock(fn func() time.Time) AuthorityOption {
	return func(a *Authority) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAuthority loads role grants from source. Principal assignments are
// fetched lazily on first use.
func NewAuthority(ctx context.Context, source Source, opts ...AuthorityOption) (*Authority, error) {
	if source == nil {
		return nil, errors.New("auth: role source is required")
	}
	a := &Authority{source: source, ttl: defaultGrantTTL, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.Reload(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads role grants from the source and drops cached assignments.
func (a *Authority) Reload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reloadLocked(ctx)
}

func (a *Authority) reloadLocked(ctx context.Context) error {
	// Bump first: role lookups already in flight then land as stale entries.
	a.gen.Add(1)
	raw, err := a.source.RolePermissions(ctx)
	if err != nil {
		return fmt.Errorf("auth: load role permissions: %w", err)
	}
	perms := make(map[string]set, len(raw))
	for role, codes := range raw {
		role = NormalizeRole(role)
		if role == "" {
			continue
		}
		s := perms[role]
		if s == nil {
			s = set{}
		}
		for _, code := range normalizeSet(codes, NormalizePermission) {
			s[code] = struct{}{}
		}
		perms[role] = s
	}

	var version uint64
	if cur := a.current.Load(); cur != nil {
		version = cur.version
	}
	a.current.Store(&grants{version: version + 1, perms: perms, loadedAt: a.now()})
	a.assigned.Clear()
	return nil
}

func (a *Authority) fresh(loadedAt time.Time) bool {
	return a.now().Sub(loadedAt) < a.ttl
}

// snapshot returns the live grant table, reloading it once it expired.
func (a *Authority) snapshot(ctx context.Context) (*grants, error) {
	if g := a.current.Load(); a.fresh(g.loadedAt) {
		return g, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if g := a.current.Load(); a.fresh(g.loadedAt) {
		return g, nil
	}
	if err := a.reloadLocked(ctx); err != nil {
		return nil, err
	}
	return a.current.Load(), nil
}

// Version reports the live snapshot version. It increases on every publish.
func (a *Authority) Version() uint64 {
	return a.current.Load().version
}

// Refresh forces role to carry permission in the live snapshot.
func (a *Authority) Refresh(role, permission string) error {
	role = NormalizeRole(role)
	permission = NormalizePermission(permission)
	if role == "" || permission == "" {
		return fmt.Errorf("%w: role and permission are required", ErrInvalidInput)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.current.Load()
	if cur.perms[role].has(permission) {
		return nil
	}
	a.current.Store(cur.withPermission(role, permission))
	return nil
}

// RefreshAssignment forces principalID to hold role in the live snapshot.
func (a *Authority) RefreshAssignment(ctx context.Context, principalID int64, role string) error {
	role = NormalizeRole(role)
	if role == "" {
		return fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	base, err := a.roleSet(ctx, principalID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	gen := a.gen.Load()
	if e, ok := a.cached(principalID); ok && e.gen == gen {
		base = e.roles
	}
	if base.has(role) {
		return nil
	}
	a.assigned.Store(principalID, &assignment{roles: base.with(role), loadedAt: a.now(), gen: gen})
	a.current.Store(a.current.Load().bump())
	return nil
}

// RolesOf returns the principal's role codes, sorted.
func (a *Authority) RolesOf(ctx context.Context, principalID int64) ([]string, error) {
	s, err := a.roleSet(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return s.sorted(), nil
}

// PermissionsOf returns the union of permissions granted by the principal's roles.
func (a *Authority) PermissionsOf(ctx context.Context, principalID int64) ([]string, error) {
	perms, err := a.permissionSet(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return perms.sorted(), nil
}

// HasRole reports whether the principal holds role.
func (a *Authority) HasRole(ctx context.Context, principalID int64, role string) (bool, error) {
	s, err := a.roleSet(ctx, principalID)
	if err != nil {
		return false, err
	}
	return s.has(NormalizeRole(role)), nil
}

// HasPermission reports whether any of the principal's roles grants permission.
func (a *Authority) HasPermission(ctx context.Context, principalID int64, permission string) (bool, error) {
	perms, err := a.permissionSet(ctx, principalID)
	if err != nil {
		return false, err
	}
	return perms.has(NormalizePermission(permission)), nil
}

func (a *Authority) permissionSet(ctx context.Context, principalID int64) (set, error) {
	roles, err := a.roleSet(ctx, principalID)
	if err != nil {
		return nil, err
	}
	snap, err := a.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := set{}
	for role := range roles {
		for perm := range snap.perms[role] {
			out[perm] = struct{}{}
		}
	}
	return out, nil
}

func (a *Authority) cached(principalID int64) (*assignment, bool) {
	v, ok := a.assigned.Load(principalID)
	if !ok {
		return nil, false
	}
	return v.(*assignment), true
}

func (a *Authority) roleSet(ctx context.Context, principalID int64) (set, error) {
	gen := a.gen.Load()
	prev, hit := a.cached(principalID)
	if hit && prev.gen == gen && a.fresh(prev.loadedAt) {
		return prev.roles, nil
	}
	codes, err := a.source.RolesOf(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("auth: load roles of %d: %w", principalID, err)
	}
	loaded := set{}
	for _, code := range normalizeSet(codes, NormalizeRole) {
		loaded[code] = struct{}{}
	}
	next := &assignment{roles: loaded, loadedAt: a.now(), gen: gen}

	// Publish only over the entry we saw, so a concurrent RefreshAssignment
	// or Reload wins over this read.
	if hit {
		a.assigned.CompareAndSwap(principalID, prev, next)
	} else {
		a.assigned.LoadOrStore(principalID, next)
	}
	return loaded, nil
}
