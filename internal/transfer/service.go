package transfer

import (
	"context"
	"errors"
	"fmt"

	"memberflow.org/internal/auth"
	"memberflow.org/internal/obs"
)

// ApplyRequest opens a transfer. SubjectID and FromOrgID default to the
// caller and the caller's home organization.
type ApplyRequest struct {
	SubjectID int64  `json:"subject_id,omitempty"`
	FromOrgID int64  `json:"from_org_id,omitempty"`
	ToOrgID   int64  `json:"to_org_id"`
	Reason    string `json:"reason"`
}

// Service is the authorized entry point for request layers. Every operation
// is registered with the gate once, with the unit default merged into the
// operation's own declaration, and takes the principal explicitly.
type Service struct {
	machine  *Machine
	policy   *Policy
	gate     *auth.Gate
	pageSize int

	apply      func(context.Context, *auth.Principal, ApplyRequest) (Transfer, error)
	outApprove func(context.Context, *auth.Principal, decision) (bool, error)
	inApprove  func(context.Context, *auth.Principal, decision) (bool, error)
	get        func(context.Context, *auth.Principal, int64) (Transfer, error)
	log        func(context.Context, *auth.Principal, int64) ([]LogEntry, error)
	pending    func(context.Context, *auth.Principal, worklist) ([]Transfer, error)
	byApprover func(context.Context, *auth.Principal, int64) ([]Transfer, error)
	byUser     func(context.Context, *auth.Principal, int64) ([]Transfer, error)
}

type decision struct {
	id      int64
	approve bool
	remark  string
}

type worklist struct {
	orgID     int64
	direction Direction
}

func NewService(machine *Machine, policy *Policy, gate *auth.Gate) (*Service, error) {
	if machine == nil || policy == nil || gate == nil {
		return nil, errors.New("transfer: machine, policy and gate are required")
	}
	s := &Service{machine: machine, policy: policy, gate: gate, pageSize: maxLimit}

	unit := gate.Unit("transfer", auth.RequirePermission(auth.PermTransferView, "not allowed to view transfers"))
	approval := func(stage string) auth.Requirements {
		return auth.Requirements{
			Permission: &auth.PermissionRequirement{Permission: auth.PermTransferApprove, Message: "not allowed to approve transfers", LogFailures: true},
			Role: &auth.RoleRequirement{
				Roles:       policy.OrgAdminRoles(),
				Message:     stage + "-approval requires an organization admin role",
				LogFailures: true,
			},
		}
	}

	s.apply = auth.Guard(unit.Operation("apply", auth.RequirePermission(auth.PermTransferCreate, "not allowed to apply for transfers")), s.doApply)
	s.outApprove = auth.Guard(unit.Operation("out_approve", approval("out")), s.decider("transfer.out_approve", StageOut))
	s.inApprove = auth.Guard(unit.Operation("in_approve", approval("in")), s.decider("transfer.in_approve", StageIn))
	s.get = auth.Guard(unit.Operation("get", auth.Requirements{}), s.doGet)
	s.log = auth.Guard(unit.Operation("log", auth.Requirements{}), s.doLog)
	s.pending = auth.Guard(unit.Operation("pending", auth.RequirePermission(auth.PermTransferList, "not allowed to list worklists")), s.doPending)
	s.byApprover = auth.Guard(unit.Operation("by_approver", auth.Requirements{}), s.doByApprover)
	s.byUser = auth.Guard(unit.Operation("by_user", auth.Requirements{}), s.doByUser)
	return s, nil
}

// Machine exposes the unguarded state machine for system callers.
func (s *Service) Machine() *Machine { return s.machine }

// Apply opens a transfer for p or, for organization admins, on behalf of a
// member of an organization in their scope.
func (s *Service) Apply(ctx context.Context, p *auth.Principal, req ApplyRequest) (Transfer, error) {
	return s.apply(ctx, p, req)
}

// OutApprove records the losing organization's decision on id.
func (s *Service) OutApprove(ctx context.Context, p *auth.Principal, id int64, approve bool, remark string) (bool, error) {
	return s.outApprove(ctx, p, decision{id: id, approve: approve, remark: remark})
}

// InApprove records the gaining organization's decision on id.
func (s *Service) InApprove(ctx context.Context, p *auth.Principal, id int64, approve bool, remark string) (bool, error) {
	return s.inApprove(ctx, p, decision{id: id, approve: approve, remark: remark})
}

// Get returns a transfer p may view.
func (s *Service) Get(ctx context.Context, p *auth.Principal, id int64) (Transfer, error) {
	return s.get(ctx, p, id)
}

// Log returns the approval log of a transfer p may view.
func (s *Service) Log(ctx context.Context, p *auth.Principal, id int64) ([]LogEntry, error) {
	return s.log(ctx, p, id)
}

// Pending returns the worklist of transfers awaiting a decision from orgID
// (and its descendants) in direction, restricted to p's scope. orgID 0 covers
// every organization p may act for.
func (s *Service) Pending(ctx context.Context, p *auth.Principal, orgID int64, direction Direction) ([]Transfer, error) {
	return s.pending(ctx, p, worklist{orgID: orgID, direction: direction})
}

// ByApprover lists transfers approverID signed off on that p may view.
func (s *Service) ByApprover(ctx context.Context, p *auth.Principal, approverID int64) ([]Transfer, error) {
	return s.byApprover(ctx, p, approverID)
}

// ByUser lists transfers of subjectID that p may view.
func (s *Service) ByUser(ctx context.Context, p *auth.Principal, subjectID int64) ([]Transfer, error) {
	return s.byUser(ctx, p, subjectID)
}

// IsAuthorized evaluates req for p without running anything.
func (s *Service) IsAuthorized(ctx context.Context, p *auth.Principal, req auth.Requirements) (auth.Decision, error) {
	return s.gate.Check(ctx, p, req)
}

func (s *Service) doApply(ctx context.Context, p auth.Principal, req ApplyRequest) (Transfer, error) {
	subject := req.SubjectID
	if subject == 0 {
		subject = p.ID
	}
	from := req.FromOrgID

	if subject == p.ID {
		if from == 0 {
			from = p.HomeOrgID
		}
		if from != p.HomeOrgID {
			return Transfer{}, fmt.Errorf("%w: members transfer out of their home organization", ErrValidation)
		}
		return s.machine.CreateAs(ctx, p.ID, subject, from, req.ToOrgID, req.Reason)
	}

	if from == 0 {
		return Transfer{}, fmt.Errorf("%w: from_org_id is required when applying on behalf of another member", ErrValidation)
	}
	ok, err := s.policy.canApprove(ctx, p, from)
	if err != nil {
		return Transfer{}, err
	}
	if !ok {
		return Transfer{}, s.scopeDenied("transfer.apply", "cannot apply on behalf of members outside your organization scope")
	}
	return s.machine.CreateAs(ctx, p.ID, subject, from, req.ToOrgID, req.Reason)
}

func (s *Service) decider(op string, stage Stage) func(context.Context, auth.Principal, decision) (bool, error) {
	check := s.policy.CanOutApprove
	if stage == StageIn {
		check = s.policy.CanInApprove
	}
	return func(ctx context.Context, p auth.Principal, d decision) (bool, error) {
		t, err := s.machine.Get(ctx, d.id)
		if err != nil {
			return false, err
		}
		ok, err := check(ctx, p, t)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, s.scopeDenied(op, "transfer organization is outside approver scope")
		}
		if _, err := s.machine.Decide(ctx, d.id, stage, p.ID, d.approve, d.remark); err != nil {
			return false, err
		}
		return true, nil
	}
}

func (s *Service) scopeDenied(op, msg string) error {
	obs.ObserveDenial(op, "scope")
	return &auth.ForbiddenError{Operation: op, Message: msg}
}

func (s *Service) doGet(ctx context.Context, p auth.Principal, id int64) (Transfer, error) {
	t, err := s.machine.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	ok, err := s.policy.CanView(ctx, p, t)
	if err != nil {
		return Transfer{}, err
	}
	if !ok {
		return Transfer{}, s.scopeDenied("transfer.get", "transfer is outside your organization scope")
	}
	return t, nil
}

func (s *Service) doLog(ctx context.Context, p auth.Principal, id int64) ([]LogEntry, error) {
	if _, err := s.doGet(ctx, p, id); err != nil {
		return nil, err
	}
	return s.machine.ApprovalLog(ctx, id)
}

func (s *Service) doPending(ctx context.Context, p auth.Principal, w worklist) ([]Transfer, error) {
	if w.direction == "" {
		w.direction = DirectionOut
	}
	if _, err := ParseDirection(string(w.direction)); err != nil {
		return nil, err
	}
	orgs, err := s.policy.WorklistOrgIDs(ctx, p, w.orgID)
	if err != nil {
		var fe *auth.ForbiddenError
		if errors.As(err, &fe) {
			obs.ObserveDenial(fe.Operation, "scope")
		}
		return nil, err
	}
	if orgs != nil && len(orgs) == 0 {
		return []Transfer{}, nil
	}
	return s.collect(ctx, Filter{
		OrgIDs:    orgs,
		Direction: w.direction,
		Statuses:  PendingStatuses(w.direction),
	}, nil)
}

func (s *Service) doByApprover(ctx context.Context, p auth.Principal, approverID int64) ([]Transfer, error) {
	if approverID <= 0 {
		return nil, fmt.Errorf("%w: approver id is required", ErrValidation)
	}
	return s.collect(ctx, Filter{ApproverID: approverID}, s.viewableBy(p))
}

func (s *Service) doByUser(ctx context.Context, p auth.Principal, subjectID int64) ([]Transfer, error) {
	if subjectID <= 0 {
		return nil, fmt.Errorf("%w: subject id is required", ErrValidation)
	}
	return s.collect(ctx, Filter{SubjectID: subjectID}, s.viewableBy(p))
}

func (s *Service) viewableBy(p auth.Principal) func(context.Context, Transfer) (bool, error) {
	return func(ctx context.Context, t Transfer) (bool, error) {
		return s.policy.CanView(ctx, p, t)
	}
}

// collect pages through every transfer matching f in id order, keeping those
// keep accepts (all of them when keep is nil).
func (s *Service) collect(ctx context.Context, f Filter, keep func(context.Context, Transfer) (bool, error)) ([]Transfer, error) {
	f.Limit = s.pageSize
	out := []Transfer{}
	for {
		page, err := s.machine.List(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, t := range page {
			if keep != nil {
				ok, err := keep(ctx, t)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			out = append(out, t)
		}
		if len(page) < f.Limit {
			return out, nil
		}
		f.AfterID = page[len(page)-1].ID
	}
}
