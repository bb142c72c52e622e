package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lifecycle-engine/internal/client"
	"github.com/pesio-ai/be-lifecycle-engine/internal/consistency"
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
)

// Engine denial reasons not owned by the guard.
const (
	ReasonPatchWithGatedTransition = "PATCH_WITH_GATED_TRANSITION"
	ReasonNotSubmittable           = "NOT_SUBMITTABLE"
)

// Transition outcomes.
const (
	OutcomeAccepted        = "ACCEPTED"
	OutcomePendingApproval = "PENDING_APPROVAL"
)

// Stores are the persistence ports of the engine.
type Stores struct {
	Records    RecordStore
	Approvals  ApprovalStore
	Activity   ActivityLogStore
	Finance    FinanceStore
	Stock      StockStore
	Thresholds ThresholdStore
}

// Options tune the engine.
type Options struct {
	Thresholds lifecycle.Thresholds
	Audit      AuditWriterConfig
	Cascade    CascadeConfig
	Read       consistency.Options
}

// recordKey addresses a record for the consistent reader.
type recordKey struct {
	TenantID string
	ID       string
}

// LifecycleService is the engine's public surface: record creation, guarded
// transitions and updates, approvals, audit trail and consistent reads.
type LifecycleService struct {
	records    RecordStore
	activity   ActivityLogStore
	thresholds ThresholdStore
	guard      lifecycle.Guard
	approvals  *ApprovalService
	applier    *transitionApplier
	cascades   *CascadeDispatcher
	audit      *AuditWriter
	reader     *consistency.Reader[recordKey, *repository.BusinessRecord]
	events     EventPublisher
	log        *logger.Logger
}

// NewLifecycleService wires the engine. events may be nil.
func NewLifecycleService(stores Stores, events EventPublisher, opts Options, log *logger.Logger) *LifecycleService {
	if log == nil {
		log = logger.Nop()
	}
	if events == nil {
		events = noopPublisher{}
	}
	if opts.Thresholds == nil {
		opts.Thresholds = lifecycle.DefaultThresholds()
	}
	if opts.Read.Name == "" {
		opts.Read.Name = "records"
	}

	audit := NewAuditWriter(stores.Activity, opts.Audit, log)
	cascades := NewCascadeDispatcher(EffectStores{Finance: stores.Finance, Stock: stores.Stock}, audit, events, opts.Cascade, log)
	applier := &transitionApplier{
		records:  stores.Records,
		cascades: cascades,
		audit:    audit,
		events:   events,
		log:      log.Component("applier"),
	}

	records := stores.Records
	reader := consistency.NewReader(func(ctx context.Context, k recordKey) (*repository.BusinessRecord, error) {
		return records.GetFromReplica(ctx, k.TenantID, k.ID)
	}, opts.Read, log.Component("consistent_reader"))

	return &LifecycleService{
		records:    stores.Records,
		activity:   stores.Activity,
		thresholds: stores.Thresholds,
		approvals: &ApprovalService{
			approvals:  stores.Approvals,
			records:    stores.Records,
			thresholds: stores.Thresholds,
			defaults:   opts.Thresholds,
			applier:    applier,
			audit:      audit,
			events:     events,
			log:        log.Component("approvals"),
		},
		applier:  applier,
		cascades: cascades,
		audit:    audit,
		reader:   reader,
		events:   events,
		log:      log.Component("lifecycle"),
	}
}

// Flush waits for queued audit entries to be written.
func (s *LifecycleService) Flush(ctx context.Context) error {
	return s.audit.Flush(ctx)
}

// Close drains the audit writer.
func (s *LifecycleService) Close() {
	s.audit.Close()
}

// ── Create ────────────────────────────────────────────────────────────────────

// CreateRecordInput describes a new record. Submit requests the type's
// approval-gated activation right after creation.
type CreateRecordInput struct {
	Type       lifecycle.EntityType   `json:"type"`
	Title      string                 `json:"title"`
	Amount     decimal.NullDecimal    `json:"amount"`
	Attributes map[string]any         `json:"attributes,omitempty"`
	Lines      []*repository.LineItem `json:"lines,omitempty"`
	Submit     bool                   `json:"submit"`
}

// CreateRecordResult is the created record and, when submitted, the result
// of the activation request.
type CreateRecordResult struct {
	Record     *repository.BusinessRecord `json:"record"`
	Transition *TransitionResult          `json:"transition,omitempty"`
}

// CreateRecord stores a record in its type's initial status.
func (s *LifecycleService) CreateRecord(ctx context.Context, in CreateRecordInput, actor Actor) (*CreateRecordResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	g := lifecycle.GraphFor(in.Type)
	if g == nil {
		return nil, unknownType(in.Type)
	}
	if !actor.Role.CanMutate() {
		return nil, errors.Denied(errors.ErrCodePermissionDenied, lifecycle.ReasonInsufficientRole,
			fmt.Sprintf("role %q cannot create records", actor.Role))
	}
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	activation, submittable := g.ActivationStatus()
	if in.Submit && !submittable {
		return nil, errors.Denied(errors.ErrCodeValidation, ReasonNotSubmittable,
			fmt.Sprintf("%s has no approval-gated activation", in.Type))
	}

	rec := &repository.BusinessRecord{
		ID:         uuid.NewString(),
		TenantID:   actor.TenantID,
		Type:       in.Type,
		Title:      strings.TrimSpace(in.Title),
		Amount:     in.Amount,
		Status:     g.Initial,
		Attributes: in.Attributes,
		CreatedBy:  actor.ID,
		UpdatedBy:  actor.ID,
		Lines:      in.Lines,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.audit.Append(ctx, &repository.ActivityLogEntry{
		TenantID:    rec.TenantID,
		EntityType:  rec.Type.String(),
		EntityID:    rec.ID,
		Action:      ActionRecordCreated,
		Description: fmt.Sprintf("%s %q created", rec.Type, rec.Title),
		Meta:        repository.ActivityMeta{ToStatus: rec.Status},
		ActorID:     actor.ID,
	})
	s.events.Publish(ctx, client.LifecycleEvent{
		EventType:    client.EventRecordCreated,
		TenantID:     rec.TenantID,
		ActorID:      actor.ID,
		ResourceType: rec.Type.String(),
		ResourceID:   rec.ID,
		ToStatus:     rec.Status.String(),
	})
	s.log.Info().
		Str("record_id", rec.ID).
		Str("entity_type", rec.Type.String()).
		Str("tenant_id", rec.TenantID).
		Msg("Record created")

	out := &CreateRecordResult{Record: rec}
	if !in.Submit {
		return out, nil
	}

	// The activation reads back through the replica, which may not have the
	// row yet.
	fresh, err := s.reader.Get(ctx, recordKey{TenantID: rec.TenantID, ID: rec.ID})
	if err != nil {
		return nil, err
	}
	res, err := s.transition(ctx, fresh, activation, repository.FieldPatch{}, actor)
	if err != nil {
		return nil, err
	}
	out.Transition = res
	if res.Record != nil {
		out.Record = res.Record
	}
	return out, nil
}

func validateCreate(in CreateRecordInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return errors.InvalidInput("title", "title is required")
	}
	if in.Amount.Valid && in.Amount.Decimal.IsNegative() {
		return errors.InvalidInput("amount", "amount must not be negative")
	}
	if len(in.Lines) > 0 && in.Type != lifecycle.EntityShipment {
		return errors.InvalidInput("lines", "only shipments carry line items")
	}
	for i, line := range in.Lines {
		if line == nil || strings.TrimSpace(line.SKU) == "" {
			return errors.InvalidInput("lines", fmt.Sprintf("line %d has no sku", i+1))
		}
		if line.Quantity <= 0 {
			return errors.InvalidInput("lines", fmt.Sprintf("line %d quantity must be positive", i+1))
		}
	}
	return nil
}

// ── Transition ────────────────────────────────────────────────────────────────

// TransitionResult is ACCEPTED with the updated record, or PENDING_APPROVAL
// with the id of the request waiting for sign-off.
type TransitionResult struct {
	Outcome   string                     `json:"outcome"`
	RequestID string                     `json:"requestId,omitempty"`
	Record    *repository.BusinessRecord `json:"record,omitempty"`
}

// RequestTransition moves a record to desired and/or applies a field patch.
// An empty desired status is a field-only update.
func (s *LifecycleService) RequestTransition(ctx context.Context, t lifecycle.EntityType, id string, desired lifecycle.Status, patch repository.FieldPatch, actor Actor) (*TransitionResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !t.IsValid() {
		return nil, unknownType(t)
	}

	rec, err := s.load(ctx, t, id, actor)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, rec, desired, patch, actor)
}

// UpdateRecord is the generic update path: a patch with no status change.
func (s *LifecycleService) UpdateRecord(ctx context.Context, t lifecycle.EntityType, id string, patch repository.FieldPatch, actor Actor) (*TransitionResult, error) {
	return s.RequestTransition(ctx, t, id, "", patch, actor)
}

func (s *LifecycleService) transition(ctx context.Context, rec *repository.BusinessRecord, desired lifecycle.Status, patch repository.FieldPatch, actor Actor) (*TransitionResult, error) {
	decision := s.guard.Evaluate(lifecycle.TransitionInput{
		Type:        rec.Type,
		Current:     rec.Status,
		Requested:   desired,
		PatchFields: patch.Fields(),
		ActorRole:   actor.Role,
	})

	switch decision.Outcome {
	case lifecycle.Deny:
		s.log.Info().
			Str("record_id", rec.ID).
			Str("current_status", rec.Status.String()).
			Str("requested_status", desired.String()).
			Str("actor_id", actor.ID).
			Str("code", string(decision.Code)).
			Str("reason", decision.Reason).
			Msg("Transition denied")
		return nil, decision.Err()

	case lifecycle.RequiresApproval:
		if !patch.IsEmpty() {
			return nil, errors.Denied(errors.ErrCodeValidation, ReasonPatchWithGatedTransition,
				"field changes cannot ride on an approval-gated transition")
		}
		outcome, err := s.approvals.Create(ctx, CreateApprovalInput{Record: rec, To: desired}, actor)
		if err != nil {
			return nil, err
		}
		if outcome.Transitioned {
			return &TransitionResult{Outcome: OutcomeAccepted, RequestID: outcome.Request.ID, Record: outcome.Record}, nil
		}
		return &TransitionResult{Outcome: OutcomePendingApproval, RequestID: outcome.Request.ID, Record: rec}, nil
	}

	// Field values are checked only once the guard lets the write through.
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	updated, err := s.applier.apply(ctx, applyInput{Record: rec, To: desired, Patch: patch, ActorID: actor.ID})
	if err != nil {
		return nil, err
	}
	return &TransitionResult{Outcome: OutcomeAccepted, Record: updated}, nil
}

func validatePatch(p repository.FieldPatch) error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return errors.InvalidInput("title", "title must not be blank")
	}
	if p.Amount != nil && p.Amount.Valid && p.Amount.Decimal.IsNegative() {
		return errors.InvalidInput("amount", "amount must not be negative")
	}
	return nil
}

// ── Delete ────────────────────────────────────────────────────────────────────

// DeleteRecord removes a record when its status allows it.
func (s *LifecycleService) DeleteRecord(ctx context.Context, t lifecycle.EntityType, id string, actor Actor) error {
	if err := actor.validate(); err != nil {
		return err
	}
	if !t.IsValid() {
		return unknownType(t)
	}
	rec, err := s.load(ctx, t, id, actor)
	if err != nil {
		return err
	}
	if err := s.guard.EvaluateDelete(rec.Type, rec.Status, actor.Role).Err(); err != nil {
		return err
	}
	if err := s.records.Delete(ctx, rec.TenantID, rec.ID, rec.Status); err != nil {
		return err
	}

	s.audit.Append(ctx, &repository.ActivityLogEntry{
		TenantID:    rec.TenantID,
		EntityType:  rec.Type.String(),
		EntityID:    rec.ID,
		Action:      ActionRecordDeleted,
		Description: fmt.Sprintf("%s %q deleted", rec.Type, rec.Title),
		Meta:        repository.ActivityMeta{FromStatus: rec.Status},
		ActorID:     actor.ID,
	})
	s.events.Publish(ctx, client.LifecycleEvent{
		EventType:    client.EventRecordDeleted,
		TenantID:     rec.TenantID,
		ActorID:      actor.ID,
		ResourceType: rec.Type.String(),
		ResourceID:   rec.ID,
		FromStatus:   rec.Status.String(),
	})
	s.log.Info().Str("record_id", rec.ID).Str("actor_id", actor.ID).Msg("Record deleted")
	return nil
}

// ── Approvals ─────────────────────────────────────────────────────────────────

// ApproveRequest approves a pending request and applies its transition.
func (s *LifecycleService) ApproveRequest(ctx context.Context, requestID string, actor Actor) (*ApprovalOutcome, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	return s.approvals.Approve(ctx, requestID, actor)
}

// RejectRequest rejects a pending request.
func (s *LifecycleService) RejectRequest(ctx context.Context, requestID, reason string, actor Actor) (*ApprovalOutcome, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	return s.approvals.Reject(ctx, requestID, actor, reason)
}

// CancelRequest withdraws a pending request.
func (s *LifecycleService) CancelRequest(ctx context.Context, requestID string, actor Actor) (*ApprovalOutcome, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	return s.approvals.Cancel(ctx, requestID, actor)
}

// ListPendingApprovals lists the tenant's open approval requests.
func (s *LifecycleService) ListPendingApprovals(ctx context.Context, page repository.Page, actor Actor) ([]*repository.ApprovalRequest, int64, error) {
	if err := actor.validate(); err != nil {
		return nil, 0, err
	}
	return s.approvals.ListPending(ctx, actor, page)
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetAuditTrail returns the entries of an entity, most recent first, with the
// total count. entityType is a record type or APPROVAL_REQUEST. Entries are
// written asynchronously and show up shortly after the change.
func (s *LifecycleService) GetAuditTrail(ctx context.Context, entityType, id string, page repository.Page, actor Actor) ([]*repository.ActivityLogEntry, int64, error) {
	if err := actor.validate(); err != nil {
		return nil, 0, err
	}
	kind := strings.ToUpper(strings.TrimSpace(entityType))
	if kind != auditEntityApproval {
		t, err := lifecycle.ParseEntityType(kind)
		if err != nil {
			return nil, 0, unknownType(lifecycle.EntityType(entityType))
		}
		kind = t.String()
	}
	return s.activity.ListByEntity(ctx, actor.TenantID, kind, id, page.Normalize())
}

// GetRecord reads a record from the primary.
func (s *LifecycleService) GetRecord(ctx context.Context, t lifecycle.EntityType, id string, actor Actor) (*repository.BusinessRecord, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !t.IsValid() {
		return nil, unknownType(t)
	}
	return s.load(ctx, t, id, actor)
}

// ReadEntityConsistently reads a record from the replica, waiting out
// replication lag within the reader's budget. Callers that just wrote the
// record use it to read their own write off the replica.
func (s *LifecycleService) ReadEntityConsistently(ctx context.Context, t lifecycle.EntityType, id string, actor Actor) (*repository.BusinessRecord, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !t.IsValid() {
		return nil, unknownType(t)
	}
	rec, err := s.reader.Get(ctx, recordKey{TenantID: actor.TenantID, ID: id})
	if err != nil {
		return nil, err
	}
	if rec.Type != t {
		return nil, errors.NotFound(strings.ToLower(t.String()), id)
	}
	return rec, nil
}

// ── Operations ────────────────────────────────────────────────────────────────

// RetryCascade re-runs the effects bound to the record's current status.
// Effects are idempotent, so a replay only fills in what failed before.
func (s *LifecycleService) RetryCascade(ctx context.Context, t lifecycle.EntityType, id string, actor Actor) ([]EffectResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(lifecycle.RoleManager) {
		return nil, errors.Denied(errors.ErrCodePermissionDenied, lifecycle.ReasonInsufficientRole,
			fmt.Sprintf("role %q cannot replay cascades", actor.Role))
	}
	if !t.IsValid() {
		return nil, unknownType(t)
	}
	rec, err := s.load(ctx, t, id, actor)
	if err != nil {
		return nil, err
	}

	results := s.cascades.Dispatch(ctx, EffectInput{Record: rec, To: rec.Status, ActorID: actor.ID})
	s.log.Info().
		Str("record_id", rec.ID).
		Str("status", rec.Status.String()).
		Int("effects", len(results)).
		Msg("Cascade replayed")
	return results, nil
}

// SetApprovalThreshold overrides the tenant's approval threshold for t.
func (s *LifecycleService) SetApprovalThreshold(ctx context.Context, t lifecycle.EntityType, threshold decimal.Decimal, actor Actor) error {
	if err := actor.validate(); err != nil {
		return err
	}
	if !actor.Role.AtLeast(lifecycle.RoleAdmin) {
		return errors.Denied(errors.ErrCodePermissionDenied, lifecycle.ReasonInsufficientRole,
			fmt.Sprintf("role %q cannot change approval thresholds", actor.Role))
	}
	if !t.IsValid() {
		return unknownType(t)
	}
	if threshold.IsNegative() {
		return errors.InvalidInput("threshold", "threshold must not be negative")
	}
	if s.thresholds == nil {
		return errors.New(errors.ErrCodeUnavailable, "threshold store is not configured")
	}
	if err := s.thresholds.SetTenantThreshold(ctx, actor.TenantID, t, threshold); err != nil {
		return err
	}

	s.audit.Append(ctx, &repository.ActivityLogEntry{
		TenantID:    actor.TenantID,
		EntityType:  auditEntityTenant,
		EntityID:    actor.TenantID,
		Action:      ActionThresholdUpdated,
		Description: fmt.Sprintf("%s approval threshold set to %s", t, threshold.String()),
		Meta: repository.ActivityMeta{Extra: map[string]any{
			"entityType": t.String(),
			"threshold":  threshold.String(),
		}},
		ActorID: actor.ID,
	})
	s.log.Info().
		Str("tenant_id", actor.TenantID).
		Str("entity_type", t.String()).
		Str("threshold", threshold.String()).
		Msg("Approval threshold updated")
	return nil
}

// load reads a record from the primary and checks its type.
func (s *LifecycleService) load(ctx context.Context, t lifecycle.EntityType, id string, actor Actor) (*repository.BusinessRecord, error) {
	rec, err := s.records.GetByID(ctx, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	if rec.Type != t {
		return nil, errors.NotFound(strings.ToLower(t.String()), id)
	}
	return rec, nil
}

func unknownType(t lifecycle.EntityType) error {
	return errors.Denied(errors.ErrCodeValidation, lifecycle.ReasonUnknownEntityType,
		fmt.Sprintf("unknown entity type %q", t))
}
