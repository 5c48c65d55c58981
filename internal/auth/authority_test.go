package auth

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type failingSource struct{ *StaticSource }

func (failingSource) RolesOf(context.Context, int64) ([]string, error) {
	return nil, errors.New("boom")
}

func TestAuthorityResolvesRolesAndPermissions(t *testing.T) {
	src := NewStaticSource(DefaultRolePermissions(), map[int64][]string{5: {"member", " org_admin "}})
	a, err := NewAuthority(context.Background(), src)
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	ctx := context.Background()

	roles, err := a.RolesOf(ctx, 5)
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if !reflect.DeepEqual(roles, []string{RoleMember, RoleOrgAdmin}) {
		t.Fatalf("roles = %v", roles)
	}
	if ok, _ := a.HasPermission(ctx, 5, PermTransferApprove); !ok {
		t.Fatalf("org admin should approve")
	}
	if ok, _ := a.HasPermission(ctx, 5, PermAuthzRefresh); ok {
		t.Fatalf("org admin must not refresh authz")
	}
	if ok, _ := a.HasRole(ctx, 6, RoleMember); ok {
		t.Fatalf("unknown principal holds no roles")
	}

	// Source changes are invisible until Reload or the TTL lapses.
	src.Assign(5, RoleAdmin)
	if ok, _ := a.HasRole(ctx, 5, RoleAdmin); ok {
		t.Fatalf("cached roles should not change without reload")
	}
	if err := a.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ok, _ := a.HasRole(ctx, 5, RoleAdmin); !ok {
		t.Fatalf("reload should pick up new assignment")
	}
}

func TestAuthorityRereadsSourceAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := NewStaticSource(DefaultRolePermissions(), map[int64][]string{5: {RoleMember}})
	a, err := NewAuthority(ctx, src, WithGrantTTL(time.Minute), WithAuthorityClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	if ok, _ := a.HasPermission(ctx, 5, PermTransferList); ok {
		t.Fatalf("member should not list before the grant")
	}

	if err := src.AssignRole(ctx, 5, RoleAdmin); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := src.GrantPermission(ctx, RoleMember, PermTransferList); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ok, _ := a.HasRole(ctx, 5, RoleAdmin); ok {
		t.Fatalf("assignment visible before the TTL lapsed")
	}

	now = now.Add(time.Minute)
	if ok, err := a.HasRole(ctx, 5, RoleAdmin); err != nil || !ok {
		t.Fatalf("assignment not re-read after TTL: ok=%v err=%v", ok, err)
	}
	if ok, _ := a.HasPermission(ctx, 6, PermTransferList); ok {
		t.Fatalf("principal 6 holds no roles")
	}
	src.Assign(6, RoleMember)
	if err := a.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ok, _ := a.HasPermission(ctx, 6, PermTransferList); !ok {
		t.Fatalf("granted permission not visible after reload")
	}
}

func TestAuthorityTTLReloadFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &flakySource{StaticSource: NewStaticSource(DefaultRolePermissions(), map[int64][]string{5: {RoleMember}})}
	a, err := NewAuthority(ctx, src, WithAuthorityClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	src.fail = true
	now = now.Add(2 * defaultGrantTTL)
	if _, err := a.HasPermission(ctx, 5, PermTransferView); err == nil {
		t.Fatalf("expected reload error once grants expired")
	}
	src.fail = false
	if ok, err := a.HasPermission(ctx, 5, PermTransferView); err != nil || !ok {
		t.Fatalf("recovered lookup: ok=%v err=%v", ok, err)
	}
}

type flakySource struct {
	*StaticSource
	fail bool
}

func (s *flakySource) RolePermissions(ctx context.Context) (map[string][]string, error) {
	if s.fail {
		return nil, errors.New("source down")
	}
	return s.StaticSource.RolePermissions(ctx)
}

// gatedSource parks RolesOf until release is closed.
type gatedSource struct {
	*StaticSource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedSource) RolesOf(ctx context.Context, principalID int64) ([]string, error) {
	roles, err := s.StaticSource.RolesOf(ctx, principalID)
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return roles, err
}

func TestReloadDiscardsLookupsAlreadyInFlight(t *testing.T) {
	ctx := context.Background()
	src := &gatedSource{
		StaticSource: NewStaticSource(DefaultRolePermissions(), map[int64][]string{5: {RoleMember}}),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	a, err := NewAuthority(ctx, src)
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.RolesOf(ctx, 5)
	}()
	<-src.entered
	src.Assign(5, RoleAdmin)
	if err := a.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	close(src.release)
	<-done

	if ok, _ := a.HasRole(ctx, 5, RoleAdmin); !ok {
		t.Fatalf("lookup read before reload must not be cached past it")
	}
}

func TestAuthoritySourceError(t *testing.T) {
	a, err := NewAuthority(context.Background(), failingSource{NewStaticSource(nil, nil)})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	if _, err := a.RolesOf(context.Background(), 1); err == nil {
		t.Fatalf("expected source error")
	}
}

func TestRefreshRejectsBlankInput(t *testing.T) {
	a, _ := NewAuthority(context.Background(), NewStaticSource(nil, nil))
	if err := a.Refresh(" ", PermTransferList); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := a.RefreshAssignment(context.Background(), 1, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

// Readers racing a writer must observe either the old or the new grant set.
func TestRefreshConcurrentWithReads(t *testing.T) {
	a, _ := NewAuthority(context.Background(), NewStaticSource(
		map[string][]string{RoleMember: {PermTransferView}},
		map[int64][]string{1: {RoleMember}},
	))
	ctx := context.Background()

	perms := []string{"p:1", "p:2", "p:3", "p:4", "p:5", "p:6", "p:7", "p:8"}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan string, 8)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := a.PermissionsOf(ctx, 1)
				if err != nil {
					errs <- err.Error()
					return
				}
				// Refresh publishes in order, so a visible p:N implies p:1..p:N-1.
				seen := 0
				for _, p := range perms {
					for _, g := range got {
						if g == p {
							seen++
						}
					}
				}
				for j := 0; j < seen; j++ {
					found := false
					for _, g := range got {
						if g == perms[j] {
							found = true
						}
					}
					if !found {
						errs <- "partial snapshot observed"
						return
					}
				}
			}
		}()
	}
	for _, p := range perms {
		if err := a.Refresh(RoleMember, p); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Fatal(msg)
	}
	got, _ := a.PermissionsOf(ctx, 1)
	if len(got) != len(perms)+1 {
		t.Fatalf("expected all refreshed permissions, got %v", got)
	}
}
