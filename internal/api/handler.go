package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	syncpkg "github.com/kimhsiao/novachat/backend/internal/sync"
	"github.com/kimhsiao/novachat/backend/internal/sync/scheduler"
)

// Syncer is the scheduler surface driven by the API.
// *scheduler.Scheduler implements it.
type Syncer interface {
	RequestSync(tenant string, opts scheduler.Options) scheduler.Decision
	SyncNow(ctx context.Context, tenant string, opts scheduler.Options) (*syncpkg.SyncResult, error)
	ForceFullResync(ctx context.Context, tenant string) (*syncpkg.SyncResult, error)
	Status(ctx context.Context, tenant string) (*scheduler.Status, error)
}

// ErrorLog exposes the engine's recent errors. *sync.Engine implements it.
type ErrorLog interface {
	GetErrorHistory() []syncpkg.SyncErrorEntry
	ClearErrorHistory()
}

// Check pings one dependency for the health endpoint.
type Check func(ctx context.Context) error

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	syncer  Syncer
	errlog  ErrorLog
	writer  Writer
	tenants map[string]bool
	checks  map[string]Check
	started time.Time
	now     func() time.Time
}

// NewHandler creates a handler. An empty tenants list accepts any tenant.
func NewHandler(syncer Syncer, tenants []string, checks map[string]Check) *Handler {
	h := &Handler{syncer: syncer, checks: checks, started: time.Now(), now: time.Now}
	if len(tenants) > 0 {
		h.tenants = make(map[string]bool, len(tenants))
		for _, t := range tenants {
			h.tenants[t] = true
		}
	}
	return h
}

// SetErrorLog enables the error history endpoints.
func (h *Handler) SetErrorLog(log ErrorLog) {
	h.errlog = log
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, code apperrors.ErrorCode, message string) {
	h.JSON(w, status, map[string]string{"error": message, "code": string(code)})
}

// fail maps err onto an HTTP status.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, apperrors.ErrSyncTimeout
	case errors.Is(err, context.Canceled):
		// client went away
		status = 499
	case code == apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.IsValidation(err):
		status = http.StatusBadRequest
	case apperrors.IsAuth(err):
		status = http.StatusUnauthorized
	case code == apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case apperrors.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	h.Error(w, status, code, err.Error())
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := strings.TrimSpace(chi.URLParam(r, "tenant"))
	if tenant == "" {
		h.Error(w, http.StatusBadRequest, apperrors.ErrValidation, "tenant is required")
		return "", false
	}
	if h.tenants != nil && !h.tenants[tenant] {
		h.Error(w, http.StatusNotFound, apperrors.ErrNotFound, "unknown tenant")
		return "", false
	}
	return tenant, true
}

// SyncRequest is the optional body of POST /api/sync/{tenant}.
type SyncRequest struct {
	Active bool   `json:"active"`
	Force  bool   `json:"force"`
	Reason string `json:"reason"`
	// Wait runs the round inline and returns its result.
	Wait bool `json:"wait"`
}

// RequestSync handles POST /api/sync/{tenant}.
func (h *Handler) RequestSync(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.Error(w, http.StatusBadRequest, apperrors.ErrValidation, "invalid request body")
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		req.Wait = true
	}
	if req.Reason == "" {
		req.Reason = "api"
	}
	opts := scheduler.Options{Force: req.Force, IsActive: req.Active, Reason: req.Reason}

	if !req.Wait {
		decision := h.syncer.RequestSync(tenant, opts)
		status := http.StatusAccepted
		if decision == scheduler.DecisionStopped {
			status = http.StatusServiceUnavailable
		}
		h.JSON(w, status, map[string]interface{}{"tenant": tenant, "decision": decision})
		return
	}

	res, err := h.syncer.SyncNow(r.Context(), tenant, opts)
	h.result(w, res, err)
}

// Resync handles POST /api/sync/{tenant}/resync.
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	res, err := h.syncer.ForceFullResync(r.Context(), tenant)
	h.result(w, res, err)
}

// result writes a round's result. A round that ran reports 200 with its
// outcome even when it returned an error; only rounds that never ran
// map to an error status.
func (h *Handler) result(w http.ResponseWriter, res *syncpkg.SyncResult, err error) {
	if res == nil {
		if err == nil {
			err = apperrors.New(apperrors.ErrInternal, "no result")
		}
		h.fail(w, err)
		return
	}
	if res.Outcome == syncpkg.OutcomeSkipped && apperrors.IsAuth(err) {
		h.JSON(w, http.StatusUnauthorized, res)
		return
	}
	h.JSON(w, http.StatusOK, res)
}

// Status handles GET /api/sync/{tenant}/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	st, err := h.syncer.Status(r.Context(), tenant)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, st)
}

// CheckResult is the status of one health check.
type CheckResult struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status string                 `json:"status"` // "healthy" or "degraded"
	Uptime string                 `json:"uptime"`
	Checks map[string]CheckResult `json:"checks"`
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status: "healthy",
		Uptime: time.Since(h.started).Round(time.Second).String(),
		Checks: make(map[string]CheckResult, len(h.checks)),
	}
	for name, check := range h.checks {
		start := time.Now()
		if err := check(ctx); err != nil {
			resp.Checks[name] = CheckResult{Status: "fail", Message: err.Error()}
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = CheckResult{Status: "pass", Latency: time.Since(start).String()}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, resp)
}

// Errors handles GET /api/errors.
func (h *Handler) Errors(w http.ResponseWriter, r *http.Request) {
	entries := []syncpkg.SyncErrorEntry{}
	if h.errlog != nil {
		entries = h.errlog.GetErrorHistory()
	}
	tenant := r.URL.Query().Get("tenant")
	if tenant != "" {
		filtered := make([]syncpkg.SyncErrorEntry, 0, len(entries))
		for _, e := range entries {
			if e.Tenant == tenant {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"errors": entries})
}

// ClearErrors handles DELETE /api/errors.
func (h *Handler) ClearErrors(w http.ResponseWriter, r *http.Request) {
	if h.errlog != nil {
		h.errlog.ClearErrorHistory()
	}
	w.WriteHeader(http.StatusNoContent)
}
