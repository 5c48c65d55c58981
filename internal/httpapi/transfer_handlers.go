package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"memberflow.org/internal/auth"
	"memberflow.org/internal/obs"
	"memberflow.org/internal/orgtree"
	"memberflow.org/internal/transfer"
)

type applyRequest struct {
	SubjectID int64  `json:"subject_id"`
	FromOrgID int64  `json:"from_org_id"`
	ToOrgID   int64  `json:"to_org_id"`
	Reason    string `json:"reason"`
}

type approvalRequest struct {
	Approve *bool  `json:"approve"`
	Remark  string `json:"remark"`
}

// transferView adds the numeric status code next to the status name.
type transferView struct {
	transfer.Transfer
	StatusCode int `json:"status_code"`
}

func viewOf(t transfer.Transfer) transferView {
	return transferView{Transfer: t, StatusCode: t.Status.Code()}
}

func viewsOf(list []transfer.Transfer) []transferView {
	out := make([]transferView, 0, len(list))
	for _, t := range list {
		out = append(out, viewOf(t))
	}
	return out
}

func (a *API) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	t, err := a.service.Apply(r.Context(), auth.PrincipalFromContext(r.Context()), transfer.ApplyRequest{
		SubjectID: req.SubjectID,
		FromOrgID: req.FromOrgID,
		ToOrgID:   req.ToOrgID,
		Reason:    req.Reason,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/transfers/%d", t.ID))
	writeJSON(w, http.StatusCreated, viewOf(t))
}

func (a *API) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := a.service.Get(r.Context(), auth.PrincipalFromContext(r.Context()), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (a *API) handleTransferLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entries, err := a.service.Log(r.Context(), auth.PrincipalFromContext(r.Context()), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []transfer.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfer_id": id, "entries": entries})
}

func (a *API) handleApproval(stage transfer.Stage) http.HandlerFunc {
	decide := a.service.OutApprove
	if stage == transfer.StageIn {
		decide = a.service.InApprove
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req approvalRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "validation", err.Error())
			return
		}
		if req.Approve == nil {
			writeError(w, r, http.StatusBadRequest, "validation", "approve is required")
			return
		}
		p := auth.PrincipalFromContext(r.Context())
		if _, err := decide(r.Context(), p, id, *req.Approve, req.Remark); err != nil {
			writeDomainError(w, r, err)
			return
		}
		t, err := a.service.Get(r.Context(), p, id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(t))
	}
}

// handleListTransfers serves the three list queries; exactly one selector
// (pending_org/direction, approver or subject) must be given.
func (a *API) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := auth.PrincipalFromContext(r.Context())

	var (
		list []transfer.Transfer
		err  error
	)
	switch {
	case q.Has("approver"):
		var id int64
		if id, err = parseID(q.Get("approver")); err == nil {
			list, err = a.service.ByApprover(r.Context(), p, id)
		}
	case q.Has("subject"):
		var id int64
		if id, err = parseID(q.Get("subject")); err == nil {
			list, err = a.service.ByUser(r.Context(), p, id)
		}
	case q.Has("pending_org") || q.Has("direction"):
		var orgID int64
		if raw := q.Get("pending_org"); raw != "" {
			orgID, err = parseID(raw)
		}
		if err == nil {
			direction := transfer.DirectionOut
			if raw := q.Get("direction"); raw != "" {
				direction, err = transfer.ParseDirection(raw)
			}
			if err == nil {
				list, err = a.service.Pending(r.Context(), p, orgID, direction)
			}
		}
	default:
		err = fmt.Errorf("%w: one of pending_org, direction, approver or subject is required", transfer.ErrValidation)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": viewsOf(list)})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return 0, false
	}
	return id, true
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q is not a valid id", transfer.ErrValidation, raw)
	}
	return id, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &tooLarge):
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// writeDomainError maps service errors onto status codes and stable codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	fe, forbidden := asForbidden(err)
	switch {
	case forbidden:
		payload := errorPayload(r, "forbidden", fe.Error())
		if fe.Operation != "" {
			payload["operation"] = fe.Operation
		}
		if len(fe.Missing) > 0 {
			payload["missing"] = fe.Missing
		}
		writeJSON(w, http.StatusForbidden, payload)
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, transfer.ErrValidation), errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, transfer.ErrNotFound), errors.Is(err, orgtree.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, transfer.ErrInvalidState):
		writeError(w, r, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, transfer.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func errorPayload(r *http.Request, code, msg string) map[string]any {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	return payload
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorPayload(r, code, msg))
}

func asForbidden(err error) (*auth.ForbiddenError, bool) {
	var fe *auth.ForbiddenError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
