// Package audit writes append-only audit records for transfer and
// authorization changes to the shared JSON log.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"memberflow.org/internal/auth"
	"memberflow.org/internal/obs"
)

// Event names emitted by the service.
const (
	TransferCreated     = "transfer.created"
	TransferOutApproved = "transfer.out_approval"
	TransferInApproved  = "transfer.in_approval"
	TransferExpired     = "transfer.expired"
	RolePermissionSet   = "authz.role_permission_refreshed"
	RoleAssignmentSet   = "authz.role_assignment_refreshed"
	OrgTreeInvalidated  = "orgtree.invalidated"
)

type requestIDKey struct{}

// WithRequestID attaches the request identifier to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID returns the identifier stored by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// LogEvent writes one audit record. The actor is the principal on ctx, or the
// system actor when there is none (scheduled work).
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	var actorOrg int64
	actor := auth.SystemActor
	if p := auth.PrincipalFromContext(ctx); p != nil {
		actor, actorOrg = p.ID, p.HomeOrgID
	}
	return write(ctx, event, actor, actorOrg, fields)
}

func write(ctx context.Context, event string, actorID, actorOrgID int64, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	entry := map[string]any{
		"ts":       time.Now().UTC().Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    event,
		"actor_id": actorID,
	}
	if actorOrgID != 0 {
		entry["actor_org_id"] = actorOrgID
	}
	if rid := RequestID(ctx); rid != "" {
		entry["request_id"] = rid
	}
	payload := make(map[string]any, len(fields))
	for k, v := range fields {
		payload[k] = v
	}
	entry["fields"] = payload

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Transfer records event against a transfer id on behalf of actorID, which is
// auth.SystemActor for scheduled work. Marshal failures are logged rather
// than returned; the state change already happened.
func Transfer(ctx context.Context, event string, transferID, actorID int64, fields map[string]any) {
	var actorOrg int64
	if p := auth.PrincipalFromContext(ctx); p != nil && p.ID == actorID {
		actorOrg = p.HomeOrgID
	}
	payload := map[string]any{"transfer_id": transferID}
	for k, v := range fields {
		payload[k] = v
	}
	if err := write(ctx, event, actorID, actorOrg, payload); err != nil {
		obs.Error("audit_write_failed", map[string]any{"event": event, "transfer_id": transferID, "error": err.Error()})
	}
}
