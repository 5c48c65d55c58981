package transfer

import (
	"context"
	"testing"
	"time"

	"memberflow.org/internal/auth"
	"memberflow.org/internal/notify"
	"memberflow.org/internal/orgtree"
)

// Hierarchy used across the package tests:
//
//	1 national
//	├── 10 north
//	│   ├── 11 north-east
//	│   └── 12 north-west
//	└── 20 south
//	    └── 21 south-east
var testOrgs = []orgtree.Organization{
	orgtree.Node(1, "national"),
	orgtree.Node(10, "north", 1),
	orgtree.Node(11, "north-east", 1, 10),
	orgtree.Node(12, "north-west", 1, 10),
	orgtree.Node(20, "south", 1),
	orgtree.Node(21, "south-east", 1, 20),
}

// Principals used across the package tests.
var (
	member      = &auth.Principal{ID: 42, HomeOrgID: 10}
	northAdmin  = &auth.Principal{ID: 100, HomeOrgID: 10}
	nwAdmin     = &auth.Principal{ID: 101, HomeOrgID: 12}
	neAdmin     = &auth.Principal{ID: 102, HomeOrgID: 11}
	southAdmin  = &auth.Principal{ID: 200, HomeOrgID: 21}
	superAdmin  = &auth.Principal{ID: 1, HomeOrgID: 1}
	northMember = &auth.Principal{ID: 43, HomeOrgID: 11}
)

var testAssignments = map[int64][]string{
	42:  {auth.RoleMember},
	43:  {auth.RoleMember},
	100: {auth.RoleBranchAdmin},
	101: {auth.RoleBranchAdmin},
	102: {auth.RoleBranchAdmin},
	200: {auth.RoleBranchAdmin},
	1:   {auth.RoleAdmin},
}

var testNow = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

type env struct {
	store     *InMemory
	tree      *orgtree.Index
	authority *auth.Authority
	machine   *Machine
	policy    *Policy
	service   *Service
	notices   *notify.Recorder
	clock     *time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	tree, err := orgtree.NewIndex(orgtree.NewInMemory(testOrgs...))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	authority, err := auth.NewAuthority(ctx, auth.NewStaticSource(auth.DefaultRolePermissions(), testAssignments))
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	gate, err := auth.NewGate(authority)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	now := testNow
	e := &env{store: NewInMemory(), tree: tree, authority: authority, notices: &notify.Recorder{}, clock: &now}
	e.machine, err = NewMachine(e.store, tree, WithClock(func() time.Time { return *e.clock }), WithNotifier(e.notices))
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	e.policy, err = NewPolicy(authority, tree)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	e.service, err = NewService(e.machine, e.policy, gate)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return e
}

// seed stores a transfer directly in status, bypassing the machine.
func (e *env) seed(t *testing.T, subject int64, status Status) Transfer {
	t.Helper()
	tr, err := e.store.Create(context.Background(), Transfer{
		SubjectID: subject,
		FromOrgID: 10,
		ToOrgID:   20,
		Reason:    "seeded",
		Status:    status,
		CreatedAt: testNow,
		ExpiresAt: testNow.AddDate(0, 3, 0),
		UpdatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return tr
}
