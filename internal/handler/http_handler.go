package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/internal/service"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/auth"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
)

// HTTPHandler exposes the lifecycle engine over JSON/HTTP.
type HTTPHandler struct {
	service *service.LifecycleService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc *service.LifecycleService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: svc,
		log:     log.Component("http"),
	}
}

// RegisterRoutes mounts the API on mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/records", h.CreateRecord)
	mux.HandleFunc("GET /api/v1/records/{type}/{id}", h.GetRecord)
	mux.HandleFunc("PATCH /api/v1/records/{type}/{id}", h.UpdateRecord)
	mux.HandleFunc("DELETE /api/v1/records/{type}/{id}", h.DeleteRecord)
	mux.HandleFunc("POST /api/v1/records/{type}/{id}/transitions", h.RequestTransition)
	mux.HandleFunc("GET /api/v1/records/{type}/{id}/audit", h.GetAuditTrail)
	mux.HandleFunc("POST /api/v1/records/{type}/{id}/cascades/retry", h.RetryCascade)

	mux.HandleFunc("GET /api/v1/approvals", h.ListPendingApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", h.ApproveRequest)
	mux.HandleFunc("POST /api/v1/approvals/{id}/reject", h.RejectRequest)
	mux.HandleFunc("POST /api/v1/approvals/{id}/cancel", h.CancelRequest)
	mux.HandleFunc("GET /api/v1/approvals/{id}/audit", h.GetApprovalAuditTrail)

	mux.HandleFunc("PUT /api/v1/thresholds/{type}", h.SetApprovalThreshold)
}

// CreateRecord handles POST /api/v1/records
func (h *HTTPHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRecordInput
	if !h.decode(w, r, &req) {
		return
	}
	req.Type = lifecycle.EntityType(strings.ToUpper(strings.TrimSpace(string(req.Type))))

	res, err := h.service.CreateRecord(r.Context(), req, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetRecord handles GET /api/v1/records/{type}/{id}
// With ?consistent=true the record is read off the replica, waiting out
// replication lag; otherwise it comes straight from the primary.
func (h *HTTPHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	read := h.service.GetRecord
	if consistent, _ := strconv.ParseBool(r.URL.Query().Get("consistent")); consistent {
		read = h.service.ReadEntityConsistently
	}
	rec, err := read(r.Context(), entityType(r), r.PathValue("id"), actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateRecord handles PATCH /api/v1/records/{type}/{id}
func (h *HTTPHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	var patch repository.FieldPatch
	if !h.decode(w, r, &patch) {
		return
	}

	res, err := h.service.UpdateRecord(r.Context(), entityType(r), r.PathValue("id"), patch, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteRecord handles DELETE /api/v1/records/{type}/{id}
func (h *HTTPHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRecord(r.Context(), entityType(r), r.PathValue("id"), actorFrom(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionRequest struct {
	Status string                `json:"status"`
	Patch  repository.FieldPatch `json:"patch"`
}

// RequestTransition handles POST /api/v1/records/{type}/{id}/transitions
func (h *HTTPHandler) RequestTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		h.writeError(w, r, errors.InvalidInput("status", "status is required"))
		return
	}

	res, err := h.service.RequestTransition(r.Context(), entityType(r), r.PathValue("id"),
		lifecycle.ParseStatus(req.Status), req.Patch, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	code := http.StatusOK
	if res.Outcome == service.OutcomePendingApproval {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

// GetAuditTrail handles GET /api/v1/records/{type}/{id}/audit
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	h.auditTrail(w, r, r.PathValue("type"))
}

// GetApprovalAuditTrail handles GET /api/v1/approvals/{id}/audit
func (h *HTTPHandler) GetApprovalAuditTrail(w http.ResponseWriter, r *http.Request) {
	h.auditTrail(w, r, "APPROVAL_REQUEST")
}

func (h *HTTPHandler) auditTrail(w http.ResponseWriter, r *http.Request, kind string) {
	page := pageFrom(r)
	entries, total, err := h.service.GetAuditTrail(r.Context(), kind, r.PathValue("id"), page, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"limit":   page.Limit,
		"offset":  page.Offset,
	})
}

// RetryCascade handles POST /api/v1/records/{type}/{id}/cascades/retry
func (h *HTTPHandler) RetryCascade(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.RetryCascade(r.Context(), entityType(r), r.PathValue("id"), actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"effects": effectOutcomes(results)})
}

// ListPendingApprovals handles GET /api/v1/approvals
func (h *HTTPHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	page := pageFrom(r)
	requests, total, err := h.service.ListPendingApprovals(r.Context(), page, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"total":    total,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// ApproveRequest handles POST /api/v1/approvals/{id}/approve
func (h *HTTPHandler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.ApproveRequest(r.Context(), r.PathValue("id"), actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// RejectRequest handles POST /api/v1/approvals/{id}/reject
func (h *HTTPHandler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.service.RejectRequest(r.Context(), r.PathValue("id"), req.Reason, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// CancelRequest handles POST /api/v1/approvals/{id}/cancel
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.CancelRequest(r.Context(), r.PathValue("id"), actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type thresholdRequest struct {
	Threshold decimal.Decimal `json:"threshold"`
}

// SetApprovalThreshold handles PUT /api/v1/thresholds/{type}
func (h *HTTPHandler) SetApprovalThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if !h.decode(w, r, &req) {
		return
	}
	t := entityType(r)
	if err := h.service.SetApprovalThreshold(r.Context(), t, req.Threshold, actorFrom(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"type": t, "threshold": req.Threshold})
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── helpers ───────────────────────────────────────────────────────────────────

// effectOutcome is the wire form of a cascade effect result.
type effectOutcome struct {
	Effect   string `json:"effect"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func effectOutcomes(results []service.EffectResult) []effectOutcome {
	out := make([]effectOutcome, len(results))
	for i, r := range results {
		out[i] = effectOutcome{Effect: r.Effect, Attempts: r.Attempts}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

func actorFrom(r *http.Request) service.Actor {
	uc, err := auth.GetUserContext(r.Context())
	if err != nil {
		return service.Actor{}
	}
	return actorOf(uc)
}

func actorOf(uc *auth.UserContext) service.Actor {
	return service.Actor{
		ID:       uc.UserID,
		TenantID: uc.TenantID,
		Role:     lifecycle.ParseRole(uc.Role),
	}
}

func entityType(r *http.Request) lifecycle.EntityType {
	return lifecycle.EntityType(strings.ToUpper(strings.TrimSpace(r.PathValue("type"))))
}

func pageFrom(r *http.Request) repository.Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return repository.Page{Limit: limit, Offset: offset}.Normalize()
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

type errorBody struct {
	Code    errors.Code `json:"code"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := httpStatus(code)

	msg := errors.MessageOf(err)

	event := h.log.Debug()
	if status >= http.StatusInternalServerError {
		event = h.log.Error()
		msg = "internal error"
		if code == errors.ErrCodeUnavailable {
			msg = "service temporarily unavailable"
		}
	}
	event.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("code", string(code)).
		Int("status", status).
		Msg("Request failed")

	writeJSON(w, status, errorBody{Code: code, Reason: errors.ReasonOf(err), Message: msg})
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeValidation:
		return http.StatusBadRequest
	case errors.ErrCodePermissionDenied:
		return http.StatusForbidden
	case errors.ErrCodeStateLocked:
		return http.StatusLocked
	case errors.ErrCodeIllegalApprovalState, errors.ErrCodeOptimisticConflict:
		return http.StatusConflict
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
