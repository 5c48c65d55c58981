package transfer

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"memberflow.org/internal/notify"
)

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := []struct {
		name           string
		subject        int64
		from, to       int64
		reason         string
		wantValidation bool
	}{
		{"same org", 42, 10, 10, "relocation", true},
		{"blank reason", 42, 10, 20, "   ", true},
		{"unknown destination", 42, 10, 99, "relocation", true},
		{"unknown origin", 42, 98, 20, "relocation", true},
		{"missing subject", 0, 10, 20, "relocation", true},
		{"ok", 42, 10, 20, "relocation", false},
	}
	for _, tc := range cases {
		_, err := e.machine.Create(ctx, tc.subject, tc.from, tc.to, tc.reason)
		if tc.wantValidation && !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
		if !tc.wantValidation && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestCreateSetsWindowAndStatus(t *testing.T) {
	e := newEnv(t)
	tr, err := e.machine.Create(context.Background(), 42, 10, 20, " relocation ")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.Status != Applying || tr.Status.Code() != 0 {
		t.Fatalf("expected Applying, got %v", tr.Status)
	}
	if tr.Reason != "relocation" {
		t.Fatalf("reason not trimmed: %q", tr.Reason)
	}
	if want := testNow.AddDate(0, 3, 0); !tr.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", tr.ExpiresAt, want)
	}
	if tr.FromOrgID == tr.ToOrgID {
		t.Fatalf("from and to must differ")
	}
	notices := e.notices.Notices()
	if len(notices) != 1 || notices[0].RecipientOrgID != 10 || notices[0].Reason != notify.ReasonAwaitingOutApproval {
		t.Fatalf("unexpected notices %+v", notices)
	}
}

func TestCreateRejectsSecondOpenTransfer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first, err := e.machine.Create(ctx, 42, 10, 20, "relocation")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.machine.Create(ctx, 42, 10, 21, "again"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := e.machine.OutApprove(ctx, first.ID, 100, false, "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := e.machine.Create(ctx, 42, 10, 21, "again"); err != nil {
		t.Fatalf("a terminal transfer must not block a new one: %v", err)
	}
}

func TestTransitionTotality(t *testing.T) {
	type op struct {
		stage   Stage
		approve bool
	}
	ops := []op{{StageOut, true}, {StageOut, false}, {StageIn, true}, {StageIn, false}}
	expected := map[Status]map[op]Status{
		Applying:     {{StageOut, true}: InApproving, {StageOut, false}: Rejected},
		OutApproving: {{StageOut, true}: InApproving, {StageOut, false}: Rejected},
		InApproving:  {{StageIn, true}: Approved, {StageIn, false}: Rejected},
		Approved:     {},
		Rejected:     {},
	}

	ctx := context.Background()
	for from, legal := range expected {
		for _, o := range ops {
			e := newEnv(t)
			seeded := e.seed(t, 42, from)

			var err error
			if o.stage == StageOut {
				_, err = e.machine.OutApprove(ctx, seeded.ID, 100, o.approve, "r")
			} else {
				_, err = e.machine.InApprove(ctx, seeded.ID, 200, o.approve, "r")
			}
			after, _ := e.store.Get(ctx, seeded.ID)
			logs, _ := e.store.ApprovalLog(ctx, seeded.ID)

			want, ok := legal[o]
			if !ok {
				if !errors.Is(err, ErrInvalidState) {
					t.Fatalf("%s %s approve=%v: expected ErrInvalidState, got %v", from, o.stage, o.approve, err)
				}
				if after.Status != from || len(logs) != 0 {
					t.Fatalf("%s: illegal call changed the record: %v logs=%d", from, after.Status, len(logs))
				}
				continue
			}
			if err != nil {
				t.Fatalf("%s %s approve=%v: %v", from, o.stage, o.approve, err)
			}
			if after.Status != want {
				t.Fatalf("%s %s approve=%v: landed on %s, want %s", from, o.stage, o.approve, after.Status, want)
			}
			if len(logs) != 1 || logs[0].Stage != o.stage || logs[0].Approved != o.approve {
				t.Fatalf("expected one %s log entry, got %+v", o.stage, logs)
			}
		}
	}
}

func TestSecondRejectionFailsAndKeepsFirst(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, _ := e.machine.Create(ctx, 42, 10, 20, "relocation")

	if ok, err := e.machine.OutApprove(ctx, tr.ID, 100, false, "first"); err != nil || !ok {
		t.Fatalf("first rejection: %v %v", ok, err)
	}
	first, _ := e.store.Get(ctx, tr.ID)

	ok, err := e.machine.OutApprove(ctx, tr.ID, 101, false, "second")
	if !errors.Is(err, ErrInvalidState) || ok {
		t.Fatalf("second rejection: expected ErrInvalidState, got %v %v", ok, err)
	}
	after, _ := e.store.Get(ctx, tr.ID)
	if !reflect.DeepEqual(first, after) {
		t.Fatalf("record changed by failed call:\n%+v\n%+v", first, after)
	}
	if after.Out.ApproverID != 100 || after.Out.Remark != "first" {
		t.Fatalf("first decision lost: %+v", after.Out)
	}
}

func TestUnknownTransfer(t *testing.T) {
	e := newEnv(t)
	if _, err := e.machine.OutApprove(context.Background(), 999, 100, true, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentApprovalsSingleWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, _ := e.machine.Create(ctx, 42, 10, 20, "relocation")

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.machine.OutApprove(ctx, tr.ID, int64(100+i%2), i%2 == 0, "race")
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidState):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	logs, _ := e.store.ApprovalLog(ctx, tr.ID)
	if len(logs) != 1 {
		t.Fatalf("expected one log entry, got %d", len(logs))
	}
}

func TestStoreTransitionDetectsStaleRead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, _ := e.machine.Create(ctx, 42, 10, 20, "relocation")

	stale := Transition{ID: tr.ID, Expect: OutApproving, To: InApproving, Stage: StageOut}
	if _, err := e.store.Transition(ctx, stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
