package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"memberflow.org/internal/audit"
	"memberflow.org/internal/auth"
	"memberflow.org/internal/ids"
	"memberflow.org/internal/notify"
	"memberflow.org/internal/obs"
)

const (
	defaultWindowMonths = 3
	maxReasonLength     = 500
	maxRemarkLength     = 500
)

// Organizations is the part of the org tree the state machine needs.
type Organizations interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

// Machine owns the Transfer lifecycle. It performs no authorization; callers
// acting for a principal go through Service.
type Machine struct {
	store  Store
	orgs   Organizations
	sink   notify.Sink
	now    func() time.Time
	window int
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) MachineOption {
	return func(m *Machine) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithWindowMonths sets how long a transfer stays open before it lapses.
func WithWindowMonths(months int) MachineOption {
	return func(m *Machine) {
		if months > 0 {
			m.window = months
		}
	}
}

// WithNotifier routes workflow notices to sink.
func WithNotifier(sink notify.Sink) MachineOption {
	return func(m *Machine) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// NewMachine constructs a Machine over store, validating organization ids
// against orgs.
func NewMachine(store Store, orgs Organizations, opts ...MachineOption) (*Machine, error) {
	if store == nil {
		return nil, errors.New("transfer: store is required")
	}
	if orgs == nil {
		return nil, errors.New("transfer: organization directory is required")
	}
	m := &Machine{
		store:  store,
		orgs:   orgs,
		sink:   notify.Discard{},
		now:    time.Now,
		window: defaultWindowMonths,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Now returns the machine's current time.
func (m *Machine) Now() time.Time { return m.now().UTC() }

// Create opens a transfer in Applying on the subject's own behalf.
func (m *Machine) Create(ctx context.Context, subjectID, fromOrgID, toOrgID int64, reason string) (Transfer, error) {
	return m.CreateAs(ctx, subjectID, subjectID, fromOrgID, toOrgID, reason)
}

// CreateAs opens a transfer in Applying, recording actorID as its creator.
func (m *Machine) CreateAs(ctx context.Context, actorID, subjectID, fromOrgID, toOrgID int64, reason string) (Transfer, error) {
	reason = strings.TrimSpace(reason)
	switch {
	case subjectID <= 0:
		return Transfer{}, fmt.Errorf("%w: subject_id is required", ErrValidation)
	case fromOrgID <= 0 || toOrgID <= 0:
		return Transfer{}, fmt.Errorf("%w: from_org_id and to_org_id are required", ErrValidation)
	case fromOrgID == toOrgID:
		return Transfer{}, fmt.Errorf("%w: from_org_id and to_org_id must differ", ErrValidation)
	case reason == "":
		return Transfer{}, fmt.Errorf("%w: reason is required", ErrValidation)
	case utf8.RuneCountInString(reason) > maxReasonLength:
		return Transfer{}, fmt.Errorf("%w: reason exceeds %d characters", ErrValidation, maxReasonLength)
	}
	for _, id := range []int64{fromOrgID, toOrgID} {
		ok, err := m.orgs.Exists(ctx, id)
		if err != nil {
			return Transfer{}, err
		}
		if !ok {
			return Transfer{}, fmt.Errorf("%w: organization %d does not exist", ErrValidation, id)
		}
	}

	now := m.Now()
	t, err := m.store.Create(ctx, Transfer{
		SubjectID: subjectID,
		FromOrgID: fromOrgID,
		ToOrgID:   toOrgID,
		Reason:    reason,
		Status:    Applying,
		CreatedAt: now,
		ExpiresAt: now.AddDate(0, m.window, 0),
		UpdatedAt: now,
	})
	if err != nil {
		return Transfer{}, err
	}
	audit.Transfer(ctx, audit.TransferCreated, t.ID, actorID, map[string]any{
		"subject_id":  t.SubjectID,
		"from_org_id": t.FromOrgID,
		"to_org_id":   t.ToOrgID,
	})
	m.sink.Notify(ctx, t.FromOrgID, t.ID, notify.ReasonAwaitingOutApproval)
	return t, nil
}

// OutApprove records the losing organization's decision. It is legal while
// the transfer is Applying or OutApproving.
func (m *Machine) OutApprove(ctx context.Context, id, approverID int64, approve bool, remark string) (bool, error) {
	_, err := m.Decide(ctx, id, StageOut, approverID, approve, remark)
	return err == nil, err
}

// InApprove records the gaining organization's decision. It is legal only
// while the transfer is InApproving.
func (m *Machine) InApprove(ctx context.Context, id, approverID int64, approve bool, remark string) (bool, error) {
	_, err := m.Decide(ctx, id, StageIn, approverID, approve, remark)
	return err == nil, err
}

// legalFrom lists the source statuses for each stage.
var legalFrom = map[Stage][]Status{
	StageOut: {Applying, OutApproving},
	StageIn:  {InApproving},
}

// target returns the status a decision at stage lands on.
func target(stage Stage, approve bool) Status {
	switch {
	case !approve:
		return Rejected
	case stage == StageOut:
		return InApproving
	default:
		return Approved
	}
}

// Decide applies one approval decision and returns the updated transfer.
// An illegal source status fails with ErrInvalidState and leaves the record
// untouched; losing a concurrent update fails with ErrConflict.
func (m *Machine) Decide(ctx context.Context, id int64, stage Stage, approverID int64, approve bool, remark string) (Transfer, error) {
	legal, ok := legalFrom[stage]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: unknown stage %d", ErrValidation, stage)
	}
	remark = strings.TrimSpace(remark)
	if utf8.RuneCountInString(remark) > maxRemarkLength {
		return Transfer{}, fmt.Errorf("%w: remark exceeds %d characters", ErrValidation, maxRemarkLength)
	}
	if approverID < 0 {
		return Transfer{}, fmt.Errorf("%w: invalid approver id", ErrValidation)
	}

	current, err := m.store.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if !containsStatus(legal, current.Status) {
		return Transfer{}, fmt.Errorf("%w: %s approval on transfer %d in status %s", ErrInvalidState, stage, id, current.Status)
	}

	now := m.Now()
	next := target(stage, approve)
	updated, err := m.store.Transition(ctx, Transition{
		ID:       id,
		Expect:   current.Status,
		To:       next,
		Stage:    stage,
		Approval: Approval{ApproverID: approverID, Approved: approve, Remark: remark, DecidedAt: now},
		Entry: LogEntry{
			ID:         ids.NewAt(now),
			TransferID: id,
			Stage:      stage,
			ApproverID: approverID,
			Approved:   approve,
			Remark:     remark,
			CreatedAt:  now,
		},
	})
	if err != nil {
		return Transfer{}, err
	}

	obs.ObserveTransition(stage.String(), approve)
	event := audit.TransferOutApproved
	if stage == StageIn {
		event = audit.TransferInApproved
	}
	audit.Transfer(ctx, event, id, approverID, map[string]any{
		"approver_id": approverID,
		"approved":    approve,
		"from_status": current.Status.String(),
		"to_status":   next.String(),
	})
	m.announce(ctx, updated, stage, approverID)
	return updated, nil
}

// announce tells the organizations what happened. System transitions are
// announced by the sweeper, which knows which side let the window lapse.
func (m *Machine) announce(ctx context.Context, t Transfer, stage Stage, approverID int64) {
	if approverID == auth.SystemActor {
		return
	}
	switch t.Status {
	case InApproving:
		m.sink.Notify(ctx, t.ToOrgID, t.ID, notify.ReasonAwaitingInApproval)
	case Approved:
		m.sink.Notify(ctx, t.FromOrgID, t.ID, notify.ReasonApproved)
		m.sink.Notify(ctx, t.ToOrgID, t.ID, notify.ReasonApproved)
	case Rejected:
		m.sink.Notify(ctx, t.FromOrgID, t.ID, notify.ReasonRejected)
		if stage == StageIn {
			m.sink.Notify(ctx, t.ToOrgID, t.ID, notify.ReasonRejected)
		}
	}
}

// Get returns a transfer by id.
func (m *Machine) Get(ctx context.Context, id int64) (Transfer, error) {
	return m.store.Get(ctx, id)
}

// List returns transfers matching f.
func (m *Machine) List(ctx context.Context, f Filter) ([]Transfer, error) {
	return m.store.List(ctx, f)
}

// ApprovalLog returns the approval history of a transfer, oldest first.
func (m *Machine) ApprovalLog(ctx context.Context, id int64) ([]LogEntry, error) {
	return m.store.ApprovalLog(ctx, id)
}

// Expired returns open transfers in statuses whose window lapsed before now.
func (m *Machine) Expired(ctx context.Context, statuses []Status) ([]Transfer, error) {
	return m.store.Expired(ctx, m.Now(), statuses)
}

// PendingStatuses returns the statuses awaiting a decision in direction d.
func PendingStatuses(d Direction) []Status {
	if d == DirectionIn {
		return []Status{InApproving}
	}
	return []Status{Applying, OutApproving}
}
