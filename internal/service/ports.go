package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lifecycle-engine/internal/client"
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
)

// RecordStore persists business records. Write and Delete are
// compare-and-set on the record's status.
type RecordStore interface {
	Create(ctx context.Context, rec *repository.BusinessRecord) error
	GetByID(ctx context.Context, tenantID, id string) (*repository.BusinessRecord, error)
	GetFromReplica(ctx context.Context, tenantID, id string) (*repository.BusinessRecord, error)
	Write(ctx context.Context, w repository.RecordWrite) (*repository.BusinessRecord, error)
	Delete(ctx context.Context, tenantID, id string, expected lifecycle.Status) error
}

// ApprovalStore persists approval requests. Resolve only succeeds on a
// PENDING request and returns (nil, nil) otherwise.
type ApprovalStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest) error
	GetByID(ctx context.Context, tenantID, id string) (*repository.ApprovalRequest, error)
	GetPendingByTarget(ctx context.Context, tenantID, targetID string) (*repository.ApprovalRequest, error)
	Resolve(ctx context.Context, res repository.ApprovalResolution) (*repository.ApprovalRequest, error)
	ListPending(ctx context.Context, tenantID string, page repository.Page) ([]*repository.ApprovalRequest, int64, error)
}

// ActivityLogStore is the append-only audit table.
type ActivityLogStore interface {
	Append(ctx context.Context, entry *repository.ActivityLogEntry) error
	ListByEntity(ctx context.Context, tenantID, entityType, entityID string, page repository.Page) ([]*repository.ActivityLogEntry, int64, error)
}

// FinanceStore writes finance records idempotently.
type FinanceStore interface {
	CreateIfAbsent(ctx context.Context, rec *repository.FinanceRecord) (bool, error)
}

// StockStore applies shipment stock movements idempotently.
type StockStore interface {
	DecrementForShipment(ctx context.Context, tenantID, shipmentID string, lines []*repository.LineItem) (int, error)
}

// ThresholdStore yields and updates per-tenant threshold overrides.
type ThresholdStore interface {
	TenantThresholds(ctx context.Context, tenantID string) (lifecycle.Thresholds, error)
	SetTenantThreshold(ctx context.Context, tenantID string, t lifecycle.EntityType, threshold decimal.Decimal) error
}

// EventPublisher sends lifecycle events. Implementations never fail the
// caller.
type EventPublisher interface {
	Publish(ctx context.Context, ev client.LifecycleEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, client.LifecycleEvent) {}
