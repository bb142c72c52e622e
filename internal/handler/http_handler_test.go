package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-lifecycle-engine/internal/consistency"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository/memory"
	"github.com/pesio-ai/be-lifecycle-engine/internal/service"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/auth"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
)

const tenant = "tenant-1"

var (
	member  = auth.UserContext{UserID: "u-member", TenantID: tenant, Role: "MEMBER"}
	manager = auth.UserContext{UserID: "u-manager", TenantID: tenant, Role: "MANAGER"}
	viewer  = auth.UserContext{UserID: "u-viewer", TenantID: tenant, Role: "VIEWER"}
)

func newTestService(t *testing.T) (*service.LifecycleService, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := service.NewLifecycleService(service.Stores{
		Records:    store.Records(),
		Approvals:  store.Approvals(),
		Activity:   store.Activity(),
		Finance:    store.Finance(),
		Stock:      store.Stock(),
		Thresholds: store.Thresholds(),
	}, nil, service.Options{
		Audit:   service.AuditWriterConfig{QueueSize: 64, Workers: 1, WriteTimeout: time.Second},
		Cascade: service.CascadeConfig{Attempts: 2, Delay: time.Millisecond},
		Read:    consistency.Options{MaxAttempts: 5, Delay: time.Millisecond, MaxWait: 500 * time.Millisecond},
	}, nil)
	t.Cleanup(svc.Close)
	return svc, store
}

type testAPI struct {
	t       *testing.T
	svc     *service.LifecycleService
	store   *memory.Store
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	svc, store := newTestService(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", Health)
	NewHTTPHandler(svc, logger.Nop()).RegisterRoutes(mux)
	return &testAPI{t: t, svc: svc, store: store, handler: auth.Middleware(mux)}
}

func (a *testAPI) do(method, path string, as *auth.UserContext, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set(auth.KeyActorID, as.UserID)
		req.Header.Set(auth.KeyTenantID, as.TenantID)
		req.Header.Set(auth.KeyActorRole, as.Role)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type createdRecord struct {
	Record struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"record"`
	Transition *struct {
		Outcome   string `json:"outcome"`
		RequestID string `json:"requestId"`
	} `json:"transition"`
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestHTTP_CreateAndGetRecord(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/v1/records", &member, map[string]any{
		"type":  "ticket",
		"title": "Printer on fire",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[createdRecord](t, rec)
	assert.Equal(t, "OPEN", created.Record.Status)
	assert.Nil(t, created.Transition)

	rec = api.do(http.MethodGet, "/api/v1/records/TICKET/"+created.Record.ID, &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "Printer on fire", got["title"])

	rec = api.do(http.MethodGet, "/api/v1/records/DEAL/"+created.Record.ID, &viewer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_GetRecord_PrimaryOrConsistent(t *testing.T) {
	api := newTestAPI(t)
	api.store.SetReplicaLag(2)

	rec := api.do(http.MethodPost, "/api/v1/records", &member, map[string]any{"type": "TICKET", "title": "Lagging"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	path := "/api/v1/records/TICKET/" + decodeBody[createdRecord](t, rec).Record.ID

	rec = api.do(http.MethodGet, path+"?consistent=true", &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Lagging", decodeBody[map[string]any](t, rec)["title"])

	api.store.InjectFault(memory.OpReplicaRead, 1_000_000, errors.New(errors.ErrCodeUnavailable, "replica down"))

	rec = api.do(http.MethodGet, path+"?consistent=true", &viewer, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	rec = api.do(http.MethodGet, path, &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Lagging", decodeBody[map[string]any](t, rec)["title"])
}

func TestHTTP_ErrorMapping(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/v1/records", &member, map[string]any{"type": "INVOICE", "title": "INV-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	invoiceID := decodeBody[createdRecord](t, rec).Record.ID

	tests := []struct {
		name       string
		method     string
		path       string
		as         *auth.UserContext
		body       any
		wantStatus int
		wantCode   string
		wantReason string
	}{
		{
			name:       "missing actor",
			method:     http.MethodPost,
			path:       "/api/v1/records",
			body:       map[string]any{"type": "TICKET", "title": "x"},
			wantStatus: http.StatusForbidden,
			wantCode:   "PERMISSION_DENIED",
			wantReason: service.ReasonMissingActorContext,
		},
		{
			name:       "malformed body",
			method:     http.MethodPost,
			path:       "/api/v1/records",
			as:         &member,
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
			wantReason: "INVALID_BODY",
		},
		{
			name:       "viewer cannot create",
			method:     http.MethodPost,
			path:       "/api/v1/records",
			as:         &viewer,
			body:       map[string]any{"type": "TICKET", "title": "x"},
			wantStatus: http.StatusForbidden,
			wantCode:   "PERMISSION_DENIED",
			wantReason: "INSUFFICIENT_ROLE",
		},
		{
			name:       "missing status",
			method:     http.MethodPost,
			path:       "/api/v1/records/INVOICE/" + invoiceID + "/transitions",
			as:         &member,
			body:       map[string]any{},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
			wantReason: "INVALID_STATUS",
		},
		{
			name:       "illegal transition",
			method:     http.MethodPost,
			path:       "/api/v1/records/INVOICE/" + invoiceID + "/transitions",
			as:         &member,
			body:       map[string]any{"status": "PAID"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
			wantReason: "ILLEGAL_TRANSITION",
		},
		{
			name:       "unknown record",
			method:     http.MethodDelete,
			path:       "/api/v1/records/INVOICE/missing",
			as:         &member,
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "unknown approval",
			method:     http.MethodPost,
			path:       "/api/v1/approvals/missing/approve",
			as:         &manager,
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(tc.method, tc.path, tc.as, tc.body)
			assert.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
			body := decodeBody[errorBody](t, rec)
			assert.Equal(t, tc.wantCode, string(body.Code))
			assert.Equal(t, tc.wantReason, body.Reason)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestHTTP_ApprovalFlow(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/v1/records", &member, map[string]any{
		"type":   "DEAL",
		"title":  "Enterprise renewal",
		"amount": "250000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dealID := decodeBody[createdRecord](t, rec).Record.ID

	rec = api.do(http.MethodPost, "/api/v1/records/DEAL/"+dealID+"/transitions", &member, map[string]any{"status": "ACTIVE"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	pending := decodeBody[service.TransitionResult](t, rec)
	assert.Equal(t, service.OutcomePendingApproval, pending.Outcome)
	require.NotEmpty(t, pending.RequestID)

	rec = api.do(http.MethodGet, "/api/v1/approvals", &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[map[string]any](t, rec)
	assert.EqualValues(t, 1, list["total"])

	rec = api.do(http.MethodPost, "/api/v1/approvals/"+pending.RequestID+"/approve", &member, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/approvals/"+pending.RequestID+"/approve", &manager, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	outcome := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, outcome["transitioned"])

	rec = api.do(http.MethodPost, "/api/v1/approvals/"+pending.RequestID+"/reject", &manager, map[string]any{"reason": "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, api.svc.Flush(context.Background()))
	rec = api.do(http.MethodGet, "/api/v1/approvals/"+pending.RequestID+"/audit", &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	trail := decodeBody[struct {
		Entries []struct {
			Action string `json:"action"`
		} `json:"entries"`
	}](t, rec)
	actions := make([]string, len(trail.Entries))
	for i, e := range trail.Entries {
		actions[i] = e.Action
	}
	assert.Contains(t, actions, service.ActionApprovalApproved)
	assert.Contains(t, actions, service.ActionStatusUpdate)

	rec = api.do(http.MethodGet, "/api/v1/records/DEAL/"+dealID, &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACTIVE", decodeBody[map[string]any](t, rec)["status"])
}

func TestHTTP_UpdateAndDelete(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/v1/records", &member, map[string]any{"type": "TICKET", "title": "Old"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[createdRecord](t, rec).Record.ID

	rec = api.do(http.MethodPatch, "/api/v1/records/TICKET/"+id, &member, map[string]any{"title": "New"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[service.TransitionResult](t, rec)
	require.NotNil(t, updated.Record)
	assert.Equal(t, "New", updated.Record.Title)

	rec = api.do(http.MethodDelete, "/api/v1/records/TICKET/"+id, &member, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/records/TICKET/"+id, &viewer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_SetApprovalThreshold(t *testing.T) {
	api := newTestAPI(t)
	admin := auth.UserContext{UserID: "u-admin", TenantID: tenant, Role: "ADMIN"}

	rec := api.do(http.MethodPut, "/api/v1/thresholds/quote", &manager, map[string]any{"threshold": "10"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPut, "/api/v1/thresholds/quote", &admin, map[string]any{"threshold": "10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/v1/records", &member, map[string]any{
		"type":   "QUOTE",
		"title":  "Small quote",
		"amount": "11",
		"submit": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[createdRecord](t, rec)
	require.NotNil(t, created.Transition)
	assert.Equal(t, service.OutcomePendingApproval, created.Transition.Outcome)
}
