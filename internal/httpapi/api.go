// Package httpapi exposes the transfer service over JSON/HTTP and a gRPC
// health endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"memberflow.org/internal/auth"
	"memberflow.org/internal/obs"
	"memberflow.org/internal/orgtree"
	"memberflow.org/internal/transfer"
)

const (
	serviceName  = "memberflow-api"
	maxBodyBytes = 1 << 20
)

// Pinger is the database handle the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness; a nil DB means in-memory storage, always ready.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer routes to.
type Deps struct {
	Service *transfer.Service
	Gate    *auth.Gate
	Tree    *orgtree.Index
	Tokens  *auth.Tokens
	// Grants persists admin grant changes; nil keeps them in memory only.
	Grants auth.Writer
	Ready  readinessChecker
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	version string

	service *transfer.Service
	gate    *auth.Gate
	tree    *orgtree.Index
	tokens  *auth.Tokens
	grants  auth.Writer
	ready   readinessChecker

	admin adminOps

	rateBurst  int
	ratePerSec float64
}

// Option configures API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

func New(d Deps, version string, opts ...Option) (*API, error) {
	if d.Service == nil || d.Gate == nil || d.Tree == nil || d.Tokens == nil {
		return nil, errors.New("httpapi: service, gate, tree and tokens are required")
	}
	if d.Ready == nil {
		d.Ready = ReadyProbe{}
	}
	a := &API{
		mux:        http.NewServeMux(),
		version:    version,
		service:    d.Service,
		gate:       d.Gate,
		tree:       d.Tree,
		tokens:     d.Tokens,
		grants:     d.Grants,
		ready:      d.Ready,
		rateBurst:  40,
		ratePerSec: 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.admin = a.registerAdmin()

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/transfers", a.handleApply)
	a.mux.HandleFunc("GET /v1/transfers", a.handleListTransfers)
	a.mux.HandleFunc("GET /v1/transfers/{id}", a.handleGetTransfer)
	a.mux.HandleFunc("GET /v1/transfers/{id}/log", a.handleTransferLog)
	a.mux.HandleFunc("POST /v1/transfers/{id}/out-approval", a.handleApproval(transfer.StageOut))
	a.mux.HandleFunc("POST /v1/transfers/{id}/in-approval", a.handleApproval(transfer.StageIn))

	a.mux.HandleFunc("POST /v1/authz/check", a.handleAuthzCheck)
	a.mux.HandleFunc("POST /v1/admin/role-permissions", a.handleRolePermission)
	a.mux.HandleFunc("POST /v1/admin/role-assignments", a.handleRoleAssignment)
	a.mux.HandleFunc("POST /v1/admin/org-tree/invalidate", a.handleInvalidateTree)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	return a, nil
}

// Handler returns the mux wrapped in the middleware chain, outermost first:
// request id, access log, metrics, security headers, rate limit, body limit,
// authentication.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
