// Package notify carries transfer notices to the notification collaborator.
// Delivery transport is not handled here; sinks only record or forward the
// event.
package notify

import (
	"context"
	"sync"

	"memberflow.org/internal/obs"
)

// Reasons attached to notices.
const (
	ReasonAwaitingOutApproval = "awaiting_out_approval"
	ReasonAwaitingInApproval  = "awaiting_in_approval"
	ReasonOutApprovalExpired  = "out_approval_expired"
	ReasonInApprovalExpired   = "in_approval_expired"
	ReasonApproved            = "approved"
	ReasonRejected            = "rejected"
)

// Sink receives notices. Notify is fire-and-forget and must not block the
// caller on delivery.
type Sink interface {
	Notify(ctx context.Context, recipientOrgID, transferID int64, reason string)
}

// Notice is one recorded notification.
type Notice struct {
	RecipientOrgID int64  `json:"recipient_org_id"`
	TransferID     int64  `json:"transfer_id"`
	Reason         string `json:"reason"`
}

// Discard drops every notice.
type Discard struct{}

func (Discard) Notify(context.Context, int64, int64, string) {}

// LogSink writes each notice to the structured log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, recipientOrgID, transferID int64, reason string) {
	obs.Info("transfer_notice", map[string]any{
		"recipient_org_id": recipientOrgID,
		"transfer_id":      transferID,
		"reason":           reason,
	})
}

// Recorder keeps notices in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(_ context.Context, recipientOrgID, transferID int64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{RecipientOrgID: recipientOrgID, TransferID: transferID, Reason: reason})
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}
