package transfer

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle position of a Transfer. The numeric value is the
// status code exposed to callers.
type Status int

const (
	Applying Status = iota
	OutApproving
	InApproving
	Approved
	Rejected
)

var statusNames = [...]string{"applying", "out_approving", "in_approving", "approved", "rejected"}

func (s Status) String() string {
	if s < Applying || s > Rejected {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Code returns the numeric status code.
func (s Status) Code() int { return int(s) }

// Terminal reports whether the record can no longer change.
func (s Status) Terminal() bool { return s == Approved || s == Rejected }

func (s Status) Valid() bool { return s >= Applying && s <= Rejected }

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("transfer: invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus accepts a status name or its numeric code.
func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range statusNames {
		if v == name || v == fmt.Sprint(i) {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrValidation, v)
}

// OpenStatuses are the statuses of transfers still awaiting a decision.
var OpenStatuses = []Status{Applying, OutApproving, InApproving}

// Stage identifies which sign-off an approval belongs to.
type Stage int

const (
	StageOut Stage = 1
	StageIn  Stage = 2
)

func (s Stage) String() string {
	switch s {
	case StageOut:
		return "out"
	case StageIn:
		return "in"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Direction selects the side of a worklist: transfers leaving an
// organization (out) or arriving at it (in).
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// ParseDirection validates a direction string.
func ParseDirection(v string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(v))); d {
	case DirectionOut, DirectionIn:
		return d, nil
	}
	return "", fmt.Errorf("%w: direction must be out or in", ErrValidation)
}

// Stage returns the approval stage a worklist in direction d is waiting on.
func (d Direction) Stage() Stage {
	if d == DirectionIn {
		return StageIn
	}
	return StageOut
}

// Approval is one recorded sign-off.
type Approval struct {
	ApproverID int64     `json:"approver_id"`
	Approved   bool      `json:"approved"`
	Remark     string    `json:"remark,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Transfer is a request to move SubjectID from FromOrgID to ToOrgID.
type Transfer struct {
	ID        int64     `json:"id"`
	SubjectID int64     `json:"subject_id"`
	FromOrgID int64     `json:"from_org_id"`
	ToOrgID   int64     `json:"to_org_id"`
	Reason    string    `json:"reason"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Out       *Approval `json:"out_approval,omitempty"`
	In        *Approval `json:"in_approval,omitempty"`
}

// Expired reports whether the decision window has lapsed at now.
func (t Transfer) Expired(now time.Time) bool { return t.ExpiresAt.Before(now) }

// clone returns a deep copy so stores never hand out shared approval pointers.
func (t Transfer) clone() Transfer {
	if t.Out != nil {
		out := *t.Out
		t.Out = &out
	}
	if t.In != nil {
		in := *t.In
		t.In = &in
	}
	return t
}

// LogEntry is one append-only approval log record.
type LogEntry struct {
	ID         string    `json:"id"`
	TransferID int64     `json:"transfer_id"`
	Stage      Stage     `json:"stage"`
	ApproverID int64     `json:"approver_id"`
	Approved   bool      `json:"approved"`
	Remark     string    `json:"remark,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

var (
	ErrValidation   = errors.New("transfer: validation failed")
	ErrNotFound     = errors.New("transfer: not found")
	ErrInvalidState = errors.New("transfer: operation not allowed in current status")
	ErrConflict     = errors.New("transfer: concurrent update")
)
