package repository

import (
	"maps"
	"time"

	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/shopspring/decimal"
)

// ── Business records ─────────────────────────────────────────────────────────

// BusinessRecord is a quote, deal, invoice, contract, shipment or ticket.
type BusinessRecord struct {
	ID         string               `json:"id"`
	TenantID   string               `json:"tenantId"`
	Type       lifecycle.EntityType `json:"type"`
	Title      string               `json:"title"`
	Amount     decimal.NullDecimal  `json:"amount"`
	Status     lifecycle.Status     `json:"status"`
	Attributes map[string]any       `json:"attributes,omitempty"`
	CreatedBy  string               `json:"createdBy"`
	UpdatedBy  string               `json:"updatedBy"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
	Lines      []*LineItem          `json:"lines,omitempty"`
}

// Clone returns a deep copy.
func (r *BusinessRecord) Clone() *BusinessRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Attributes = maps.Clone(r.Attributes)
	if r.Lines != nil {
		out.Lines = make([]*LineItem, len(r.Lines))
		for i, l := range r.Lines {
			cp := *l
			out.Lines[i] = &cp
		}
	}
	return &out
}

// LineItem is one shipment line.
type LineItem struct {
	ID         string `json:"id"`
	RecordID   string `json:"recordId"`
	LineNumber int    `json:"lineNumber"`
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
}

// FieldPatch is a partial update of a record's editable fields. Nil members
// are left untouched. Status is accepted on the wire only so that it can be
// refused; stores never write it from a patch.
type FieldPatch struct {
	Title      *string              `json:"title,omitempty"`
	Amount     *decimal.NullDecimal `json:"amount,omitempty"`
	Attributes map[string]any       `json:"attributes,omitempty"`
	Status     *string              `json:"status,omitempty"`
}

// Fields lists the names of the fields the patch sets.
func (p FieldPatch) Fields() []string {
	var fields []string
	if p.Title != nil {
		fields = append(fields, "title")
	}
	if p.Amount != nil {
		fields = append(fields, "amount")
	}
	if p.Attributes != nil {
		fields = append(fields, "attributes")
	}
	if p.Status != nil {
		fields = append(fields, "status")
	}
	return fields
}

// IsEmpty reports whether the patch sets nothing.
func (p FieldPatch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// ApplyTo writes the patch onto rec.
func (p FieldPatch) ApplyTo(rec *BusinessRecord) {
	if p.Title != nil {
		rec.Title = *p.Title
	}
	if p.Amount != nil {
		rec.Amount = *p.Amount
	}
	if p.Attributes != nil {
		rec.Attributes = maps.Clone(p.Attributes)
	}
}

// RecordWrite is a compare-and-set write of one record. It only succeeds
// while the stored status still equals ExpectedStatus.
type RecordWrite struct {
	ID             string
	TenantID       string
	ExpectedStatus lifecycle.Status
	NextStatus     lifecycle.Status
	Patch          FieldPatch
	UpdatedBy      string
}

// ── Approval requests ────────────────────────────────────────────────────────

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

// SystemActor is recorded as approver for threshold auto-approvals.
const SystemActor = "system"

// ApprovalRequest gates a monetary transition behind human sign-off.
type ApprovalRequest struct {
	ID              string               `json:"id"`
	TenantID        string               `json:"tenantId"`
	TargetType      lifecycle.EntityType `json:"targetType"`
	TargetID        string               `json:"targetId"`
	Amount          decimal.NullDecimal  `json:"amount"`
	FromStatus      lifecycle.Status     `json:"fromStatus"`
	ToStatus        lifecycle.Status     `json:"toStatus"`
	Status          ApprovalStatus       `json:"status"`
	RequestedBy     string               `json:"requestedBy"`
	ApprovedBy      *string              `json:"approvedBy,omitempty"`
	RejectedBy      *string              `json:"rejectedBy,omitempty"`
	CancelledBy     *string              `json:"cancelledBy,omitempty"`
	RejectionReason *string              `json:"rejectionReason,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
	ResolvedAt      *time.Time           `json:"resolvedAt,omitempty"`
}

// Clone returns a copy whose pointer fields are not shared.
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	if a == nil {
		return nil
	}
	out := *a
	out.ApprovedBy = clonePtr(a.ApprovedBy)
	out.RejectedBy = clonePtr(a.RejectedBy)
	out.CancelledBy = clonePtr(a.CancelledBy)
	out.RejectionReason = clonePtr(a.RejectionReason)
	out.ResolvedAt = clonePtr(a.ResolvedAt)
	return &out
}

// ApprovalResolution moves a PENDING request to a final status.
type ApprovalResolution struct {
	ID       string
	TenantID string
	Status   ApprovalStatus
	ActorID  string
	Reason   *string
}

// ── Activity log ─────────────────────────────────────────────────────────────

// ActivityMeta is the structured part of an activity entry.
type ActivityMeta struct {
	RelatedEntityIDs []string         `json:"relatedEntityIds,omitempty"`
	FromStatus       lifecycle.Status `json:"fromStatus,omitempty"`
	ToStatus         lifecycle.Status `json:"toStatus,omitempty"`
	Extra            map[string]any   `json:"extra,omitempty"`
}

// ActivityLogEntry is one append-only audit entry.
type ActivityLogEntry struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenantId"`
	EntityType  string       `json:"entityType"`
	EntityID    string       `json:"entityId"`
	Action      string       `json:"action"`
	Description string       `json:"description"`
	Meta        ActivityMeta `json:"meta"`
	ActorID     string       `json:"actorId"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ── Cascade artifacts ────────────────────────────────────────────────────────

// FinanceKind classifies a finance record.
type FinanceKind string

const (
	FinanceIncome  FinanceKind = "INCOME"
	FinanceExpense FinanceKind = "EXPENSE"
)

// FinanceRecord is a ledger line produced by a cascade. RelatedTo is the
// idempotency key within a tenant.
type FinanceRecord struct {
	ID          string               `json:"id"`
	TenantID    string               `json:"tenantId"`
	Kind        FinanceKind          `json:"kind"`
	Amount      decimal.Decimal      `json:"amount"`
	Currency    string               `json:"currency"`
	RelatedType lifecycle.EntityType `json:"relatedType"`
	RelatedTo   string               `json:"relatedTo"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// StockMovement records one shipment line leaving stock. (ShipmentID,
// LineID) is the idempotency key.
type StockMovement struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	ShipmentID string    `json:"shipmentId"`
	LineID     string    `json:"lineId"`
	SKU        string    `json:"sku"`
	Quantity   int       `json:"quantity"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
