package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-lifecycle-engine/internal/client"
	"github.com/pesio-ai/be-lifecycle-engine/internal/consistency"
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository/memory"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
)

const tenant = "tenant-1"

var (
	viewer   = Actor{ID: "u-viewer", TenantID: tenant, Role: lifecycle.RoleViewer}
	member   = Actor{ID: "u-member", TenantID: tenant, Role: lifecycle.RoleMember}
	member2  = Actor{ID: "u-member-2", TenantID: tenant, Role: lifecycle.RoleMember}
	manager  = Actor{ID: "u-manager", TenantID: tenant, Role: lifecycle.RoleManager}
	manager2 = Actor{ID: "u-manager-2", TenantID: tenant, Role: lifecycle.RoleManager}
	admin    = Actor{ID: "u-admin", TenantID: tenant, Role: lifecycle.RoleAdmin}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []client.LifecycleEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev client.LifecycleEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.EventType
	}
	return out
}

type harness struct {
	store  *memory.Store
	svc    *LifecycleService
	events *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	events := &recordingPublisher{}
	svc := NewLifecycleService(Stores{
		Records:    store.Records(),
		Approvals:  store.Approvals(),
		Activity:   store.Activity(),
		Finance:    store.Finance(),
		Stock:      store.Stock(),
		Thresholds: store.Thresholds(),
	}, events, Options{
		Audit:   AuditWriterConfig{QueueSize: 64, Workers: 1, WriteTimeout: time.Second},
		Cascade: CascadeConfig{Attempts: 2, Delay: time.Millisecond},
		Read: consistency.Options{
			Name:        "test",
			MaxAttempts: 5,
			Delay:       time.Millisecond,
			MaxWait:     500 * time.Millisecond,
		},
	}, nil)
	t.Cleanup(svc.Close)
	return &harness{store: store, svc: svc, events: events}
}

func (h *harness) create(t *testing.T, typ lifecycle.EntityType, amount string, submit bool, actor Actor) *CreateRecordResult {
	t.Helper()
	in := CreateRecordInput{Type: typ, Title: "Test " + typ.String(), Submit: submit}
	if amount != "" {
		in.Amount = decimal.NewNullDecimal(decimal.RequireFromString(amount))
	}
	res, err := h.svc.CreateRecord(context.Background(), in, actor)
	require.NoError(t, err)
	return res
}

func (h *harness) record(t *testing.T, id string) *repository.BusinessRecord {
	t.Helper()
	rec, err := h.store.Records().GetByID(context.Background(), tenant, id)
	require.NoError(t, err)
	return rec
}

func (h *harness) request(t *testing.T, id string) *repository.ApprovalRequest {
	t.Helper()
	req, err := h.store.Approvals().GetByID(context.Background(), tenant, id)
	require.NoError(t, err)
	return req
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Flush(ctx))
}

func (h *harness) actions(t *testing.T, entityType, id string) []string {
	t.Helper()
	h.flush(t)
	entries, _, err := h.svc.GetAuditTrail(context.Background(), entityType, id, repository.Page{Limit: 200}, member)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func assertDenied(t *testing.T, err error, code errors.Code, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, errors.CodeOf(err), err.Error())
	if reason != "" {
		assert.Equal(t, reason, errors.ReasonOf(err), err.Error())
	}
}
