package transfer

import (
	"context"
	"time"
)

// Store persists transfers and their approval log.
type Store interface {
	// Create assigns an id and stores t. It fails with ErrConflict when the
	// subject already has an open transfer.
	Create(ctx context.Context, t Transfer) (Transfer, error)
	Get(ctx context.Context, id int64) (Transfer, error)
	List(ctx context.Context, f Filter) ([]Transfer, error)
	ApprovalLog(ctx context.Context, id int64) ([]LogEntry, error)
	// Transition applies tr only if the record still has status tr.Expect,
	// and appends tr.Entry in the same atomic step. A record that moved on
	// yields ErrConflict; a missing record ErrNotFound.
	Transition(ctx context.Context, tr Transition) (Transfer, error)
	// Expired lists records in one of statuses whose ExpiresAt is before now.
	Expired(ctx context.Context, now time.Time, statuses []Status) ([]Transfer, error)
}

// Transition is a compare-and-set status change with its approval record.
type Transition struct {
	ID       int64
	Expect   Status
	To       Status
	Stage    Stage
	Approval Approval
	Entry    LogEntry
}

// Filter narrows List. Zero fields do not filter.
type Filter struct {
	SubjectID  int64
	ApproverID int64
	// OrgIDs with Direction out matches FromOrgID, with Direction in ToOrgID.
	OrgIDs    []int64
	Direction Direction
	Statuses  []Status
	// AfterID resumes a listing past the last id of the previous page.
	AfterID int64
	Limit   int
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// EffectiveLimit clamps Limit into the accepted range.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > maxLimit {
		return defaultLimit
	}
	return f.Limit
}

// Matches reports whether t satisfies every set field of f.
func (f Filter) Matches(t Transfer) bool {
	if t.ID <= f.AfterID {
		return false
	}
	if f.SubjectID != 0 && t.SubjectID != f.SubjectID {
		return false
	}
	if f.ApproverID != 0 {
		out := t.Out != nil && t.Out.ApproverID == f.ApproverID
		in := t.In != nil && t.In.ApproverID == f.ApproverID
		if !out && !in {
			return false
		}
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if f.OrgIDs != nil {
		org := t.FromOrgID
		if f.Direction == DirectionIn {
			org = t.ToOrgID
		}
		if !containsID(f.OrgIDs, org) {
			return false
		}
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsID(list []int64, id int64) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
