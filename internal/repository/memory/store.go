// Package memory is an in-process implementation of the repository ports.
// It keeps the same compare-and-set and idempotency semantics as the Postgres
// repositories and backs local runs (STORE_DRIVER=memory) and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/shopspring/decimal"
)

// Store holds every table behind one mutex.
type Store struct {
	mu sync.Mutex

	records    map[string]*repository.BusinessRecord
	approvals  map[string]*repository.ApprovalRequest
	activity   []*repository.ActivityLogEntry
	finance    map[string]*repository.FinanceRecord // tenant|relatedTo
	movements  map[string]*repository.StockMovement // shipment|line
	stock      map[string]int                       // tenant|sku
	thresholds map[string]lifecycle.Thresholds

	// replica lag: reads of a fresh record miss this many times
	replicaLag    int
	replicaMisses map[string]int

	faults map[string]*fault
	now    func() time.Time
}

type fault struct {
	remaining int
	err       error
}

// Fault injection points.
const (
	OpRecordWrite    = "record.write"
	OpReplicaRead    = "record.replica_read"
	OpActivityAppend = "activity.append"
	OpFinanceCreate  = "finance.create"
	OpStockDecrement = "stock.decrement"
	OpThresholdRead  = "threshold.read"
)

// New creates an empty store.
func New() *Store {
	return &Store{
		records:       make(map[string]*repository.BusinessRecord),
		approvals:     make(map[string]*repository.ApprovalRequest),
		finance:       make(map[string]*repository.FinanceRecord),
		movements:     make(map[string]*repository.StockMovement),
		stock:         make(map[string]int),
		thresholds:    make(map[string]lifecycle.Thresholds),
		replicaMisses: make(map[string]int),
		faults:        make(map[string]*fault),
		now:           time.Now,
	}
}

// SetReplicaLag makes replica reads of records created afterwards miss n
// times before they become visible.
func (s *Store) SetReplicaLag(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicaLag = n
}

// InjectFault makes the next times calls of op fail with err.
func (s *Store) InjectFault(op string, times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{remaining: times, err: err}
}

// SetTenantThresholds installs threshold overrides for a tenant.
func (s *Store) SetTenantThresholds(tenantID string, th lifecycle.Thresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[tenantID] = th.Merge(nil)
}

// StockLevel returns the stock quantity of a SKU.
func (s *Store) StockLevel(tenantID, sku string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[tenantID+"|"+sku]
}

// SetStockLevel seeds the stock quantity of a SKU.
func (s *Store) SetStockLevel(tenantID, sku string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[tenantID+"|"+sku] = qty
}

// MovementCount returns the number of stock movements recorded.
func (s *Store) MovementCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.movements)
}

// takeFault must be called with s.mu held.
func (s *Store) takeFault(op string) error {
	f, ok := s.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

// ── records ──────────────────────────────────────────────────────────────────

// Records returns the record table.
func (s *Store) Records() *RecordStore { return &RecordStore{s: s} }

// RecordStore is the in-memory RecordRepository.
type RecordStore struct{ s *Store }

func (r *RecordStore) Create(_ context.Context, rec *repository.BusinessRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, exists := s.records[rec.ID]; exists {
		return errors.New(errors.ErrCodeInternal, "record "+rec.ID+" already exists")
	}
	now := s.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	rec.UpdatedBy = rec.CreatedBy
	for i, line := range rec.Lines {
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		if line.LineNumber == 0 {
			line.LineNumber = i + 1
		}
		line.RecordID = rec.ID
	}
	s.records[rec.ID] = rec.Clone()
	if s.replicaLag > 0 {
		s.replicaMisses[rec.ID] = s.replicaLag
	}
	return nil
}

func (r *RecordStore) GetByID(_ context.Context, tenantID, id string) (*repository.BusinessRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.TenantID != tenantID {
		return nil, errors.NotFound("record", id)
	}
	return rec.Clone(), nil
}

func (r *RecordStore) GetFromReplica(_ context.Context, tenantID, id string) (*repository.BusinessRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFault(OpReplicaRead); err != nil {
		return nil, err
	}
	if n := s.replicaMisses[id]; n > 0 {
		s.replicaMisses[id] = n - 1
		return nil, errors.NotFound("record", id)
	}
	rec, ok := s.records[id]
	if !ok || rec.TenantID != tenantID {
		return nil, errors.NotFound("record", id)
	}
	return rec.Clone(), nil
}

func (r *RecordStore) GetLineItems(_ context.Context, recordID string) ([]*repository.LineItem, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordID]
	if !ok {
		return nil, nil
	}
	return rec.Clone().Lines, nil
}

func (r *RecordStore) Write(_ context.Context, w repository.RecordWrite) (*repository.BusinessRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFault(OpRecordWrite); err != nil {
		return nil, err
	}
	rec, ok := s.records[w.ID]
	if !ok || rec.TenantID != w.TenantID {
		return nil, errors.NotFound("record", w.ID)
	}
	if rec.Status != w.ExpectedStatus {
		return nil, errors.Denied(errors.ErrCodeOptimisticConflict, repository.ReasonStatusChanged,
			"record status changed from "+w.ExpectedStatus.String()+" to "+rec.Status.String())
	}
	w.Patch.ApplyTo(rec)
	rec.Status = w.NextStatus
	rec.UpdatedBy = w.UpdatedBy
	rec.UpdatedAt = s.now()
	return rec.Clone(), nil
}

func (r *RecordStore) Delete(_ context.Context, tenantID, id string, expected lifecycle.Status) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.TenantID != tenantID {
		return errors.NotFound("record", id)
	}
	if rec.Status != expected {
		return errors.Denied(errors.ErrCodeOptimisticConflict, repository.ReasonStatusChanged,
			"record status changed from "+expected.String()+" to "+rec.Status.String())
	}
	delete(s.records, id)
	return nil
}

// ── approval requests ────────────────────────────────────────────────────────

// Approvals returns the approval request table.
func (s *Store) Approvals() *ApprovalStore { return &ApprovalStore{s: s} }

// ApprovalStore is the in-memory ApprovalRequestRepository.
type ApprovalStore struct{ s *Store }

func (a *ApprovalStore) Create(_ context.Context, req *repository.ApprovalRequest) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Status == repository.ApprovalPending {
		for _, existing := range s.approvals {
			if existing.TenantID == req.TenantID && existing.TargetID == req.TargetID && existing.Status == repository.ApprovalPending {
				return errors.Denied(errors.ErrCodeValidation, repository.ReasonDuplicateActiveRequest,
					"an approval request is already pending for "+req.TargetID)
			}
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := s.now()
	req.CreatedAt = now
	if req.Status != repository.ApprovalPending {
		req.ResolvedAt = &now
	}
	s.approvals[req.ID] = req.Clone()
	return nil
}

func (a *ApprovalStore) GetByID(_ context.Context, tenantID, id string) (*repository.ApprovalRequest, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.approvals[id]
	if !ok || req.TenantID != tenantID {
		return nil, errors.NotFound("approval_request", id)
	}
	return req.Clone(), nil
}

func (a *ApprovalStore) GetPendingByTarget(_ context.Context, tenantID, targetID string) (*repository.ApprovalRequest, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.approvals {
		if req.TenantID == tenantID && req.TargetID == targetID && req.Status == repository.ApprovalPending {
			return req.Clone(), nil
		}
	}
	return nil, nil
}

func (a *ApprovalStore) Resolve(_ context.Context, res repository.ApprovalResolution) (*repository.ApprovalRequest, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.approvals[res.ID]
	if !ok || req.TenantID != res.TenantID || req.Status != repository.ApprovalPending {
		return nil, nil
	}
	actor := res.ActorID
	switch res.Status {
	case repository.ApprovalApproved:
		req.ApprovedBy = &actor
	case repository.ApprovalRejected:
		req.RejectedBy = &actor
	case repository.ApprovalCancelled:
		req.CancelledBy = &actor
	}
	if res.Reason != nil {
		reason := *res.Reason
		req.RejectionReason = &reason
	}
	now := s.now()
	req.Status = res.Status
	req.ResolvedAt = &now
	return req.Clone(), nil
}

func (a *ApprovalStore) ListPending(_ context.Context, tenantID string, page repository.Page) ([]*repository.ApprovalRequest, int64, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*repository.ApprovalRequest
	for _, req := range s.approvals {
		if req.TenantID == tenantID && req.Status == repository.ApprovalPending {
			all = append(all, req.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return paginate(all, page), int64(len(all)), nil
}

// ── activity log ─────────────────────────────────────────────────────────────

// Activity returns the activity log table.
func (s *Store) Activity() *ActivityStore { return &ActivityStore{s: s} }

// ActivityStore is the in-memory ActivityLogRepository.
type ActivityStore struct{ s *Store }

func (l *ActivityStore) Append(_ context.Context, entry *repository.ActivityLogEntry) error {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFault(OpActivityAppend); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = s.now()
	cp := *entry
	s.activity = append(s.activity, &cp)
	return nil
}

func (l *ActivityStore) ListByEntity(_ context.Context, tenantID, entityType, entityID string, page repository.Page) ([]*repository.ActivityLogEntry, int64, error) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*repository.ActivityLogEntry
	for i := len(s.activity) - 1; i >= 0; i-- {
		e := s.activity[i]
		if e.TenantID != tenantID {
			continue
		}
		if (e.EntityType == entityType && e.EntityID == entityID) || slices.Contains(e.Meta.RelatedEntityIDs, entityID) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	return paginate(matched, page), int64(len(matched)), nil
}

// Entries returns every entry oldest-first.
func (l *ActivityStore) Entries() []*repository.ActivityLogEntry {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*repository.ActivityLogEntry, len(s.activity))
	for i, e := range s.activity {
		cp := *e
		out[i] = &cp
	}
	return out
}

// ── finance ──────────────────────────────────────────────────────────────────

// Finance returns the finance record table.
func (s *Store) Finance() *FinanceStore { return &FinanceStore{s: s} }

// FinanceStore is the in-memory FinanceRepository.
type FinanceStore struct{ s *Store }

func (f *FinanceStore) CreateIfAbsent(_ context.Context, rec *repository.FinanceRecord) (bool, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFault(OpFinanceCreate); err != nil {
		return false, err
	}
	key := rec.TenantID + "|" + rec.RelatedTo
	if _, exists := s.finance[key]; exists {
		return false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = s.now()
	cp := *rec
	s.finance[key] = &cp
	return true, nil
}

func (f *FinanceStore) ListByRelated(_ context.Context, tenantID, relatedTo string) ([]*repository.FinanceRecord, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.finance[tenantID+"|"+relatedTo]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return []*repository.FinanceRecord{&cp}, nil
}

// ── stock ────────────────────────────────────────────────────────────────────

// Stock returns the stock tables.
func (s *Store) Stock() *StockStore { return &StockStore{s: s} }

// StockStore is the in-memory StockRepository.
type StockStore struct{ s *Store }

func (st *StockStore) DecrementForShipment(_ context.Context, tenantID, shipmentID string, lines []*repository.LineItem) (int, error) {
	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFault(OpStockDecrement); err != nil {
		return 0, err
	}
	applied := 0
	for _, line := range lines {
		key := shipmentID + "|" + line.ID
		if _, done := s.movements[key]; done {
			continue
		}
		s.movements[key] = &repository.StockMovement{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			ShipmentID: shipmentID,
			LineID:     line.ID,
			SKU:        line.SKU,
			Quantity:   line.Quantity,
			CreatedAt:  s.now(),
		}
		s.stock[tenantID+"|"+line.SKU] -= line.Quantity
		applied++
	}
	return applied, nil
}

func (st *StockStore) Quantity(_ context.Context, tenantID, sku string) (int, error) {
	return st.s.StockLevel(tenantID, sku), nil
}

// ── thresholds ───────────────────────────────────────────────────────────────

// Thresholds returns the tenant threshold table.
func (s *Store) Thresholds() *ThresholdStore { return &ThresholdStore{s: s} }

// ThresholdStore is the in-memory ThresholdRepository.
type ThresholdStore struct{ s *Store }

func (t *ThresholdStore) TenantThresholds(_ context.Context, tenantID string) (lifecycle.Thresholds, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFault(OpThresholdRead); err != nil {
		return nil, err
	}
	return s.thresholds[tenantID].Merge(nil), nil
}

func (t *ThresholdStore) SetTenantThreshold(_ context.Context, tenantID string, et lifecycle.EntityType, threshold decimal.Decimal) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.thresholds[tenantID].Merge(nil)
	th[et] = threshold
	s.thresholds[tenantID] = th
	return nil
}

func paginate[T any](items []T, page repository.Page) []T {
	page = page.Normalize()
	if page.Offset >= len(items) {
		return nil
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}
