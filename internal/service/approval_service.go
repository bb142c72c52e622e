package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lifecycle-engine/internal/client"
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
)

// Approval denial reasons.
const (
	ReasonSelfApprovalForbidden       = "SELF_APPROVAL_FORBIDDEN"
	ReasonRejectionReasonRequired     = "REJECTION_REASON_REQUIRED"
	ReasonNotRequester                = "NOT_REQUESTER"
	ReasonRequestNotPending           = "REQUEST_NOT_PENDING"
	ReasonRequestResolvedConcurrently = "REQUEST_RESOLVED_CONCURRENTLY"
)

// ApprovalService owns the approval request lifecycle: creation through the
// threshold evaluator, approval, rejection and cancellation.
type ApprovalService struct {
	approvals  ApprovalStore
	records    RecordStore
	thresholds ThresholdStore
	defaults   lifecycle.Thresholds
	applier    *transitionApplier
	audit      *AuditWriter
	events     EventPublisher
	log        *logger.Logger
}

// CreateApprovalInput is a gated transition waiting for a verdict.
type CreateApprovalInput struct {
	Record *repository.BusinessRecord
	To     lifecycle.Status
}

// ApprovalOutcome is the result of an approval operation. Transitioned is
// set when the target record moved as part of the call.
type ApprovalOutcome struct {
	Request      *repository.ApprovalRequest `json:"request"`
	Record       *repository.BusinessRecord  `json:"record,omitempty"`
	Transitioned bool                        `json:"transitioned"`
}

// ── Create ────────────────────────────────────────────────────────────────────

// Create opens an approval request for a gated transition. Amounts within the
// tenant's threshold are approved by the system and applied at once; larger
// amounts leave a PENDING request and the record untouched.
func (s *ApprovalService) Create(ctx context.Context, in CreateApprovalInput, actor Actor) (*ApprovalOutcome, error) {
	rec := in.Record

	existing, err := s.approvals.GetPendingByTarget(ctx, rec.TenantID, rec.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Denied(errors.ErrCodeValidation, repository.ReasonDuplicateActiveRequest,
			fmt.Sprintf("%s %s already has pending approval request %s", rec.Type, rec.ID, existing.ID))
	}

	verdict := lifecycle.Decide(rec.Type, rec.Amount, s.tenantThresholds(ctx, rec.TenantID))

	req := &repository.ApprovalRequest{
		ID:          uuid.NewString(),
		TenantID:    rec.TenantID,
		TargetType:  rec.Type,
		TargetID:    rec.ID,
		Amount:      rec.Amount,
		FromStatus:  rec.Status,
		ToStatus:    in.To,
		Status:      repository.ApprovalPending,
		RequestedBy: actor.ID,
	}

	if verdict == lifecycle.VerdictRequiresApproval {
		if err := s.approvals.Create(ctx, req); err != nil {
			return nil, err
		}
		s.appendApprovalAudit(ctx, req, ActionApprovalRequested, actor.ID,
			fmt.Sprintf("Approval requested for %s %s -> %s", rec.Type, rec.Status, in.To), nil)
		s.publish(ctx, req, client.EventApprovalRequested, actor.ID)

		s.log.Info().
			Str("request_id", req.ID).
			Str("record_id", rec.ID).
			Str("to_status", in.To.String()).
			Msg("Approval request created")
		return &ApprovalOutcome{Request: req, Record: rec}, nil
	}

	system := repository.SystemActor
	req.Status = repository.ApprovalApproved
	req.ApprovedBy = &system
	if err := s.approvals.Create(ctx, req); err != nil {
		return nil, err
	}
	s.appendApprovalAudit(ctx, req, ActionApprovalAutoApproved, system,
		fmt.Sprintf("Auto-approved %s %s -> %s within threshold", rec.Type, rec.Status, in.To), nil)

	updated, err := s.applier.apply(ctx, applyInput{
		Record:     rec,
		To:         in.To,
		ActorID:    actor.ID,
		Extra:      map[string]any{"approvalRequestId": req.ID, "autoApproved": true},
		RelatedIDs: []string{req.ID},
	})
	if err != nil {
		// The request stays APPROVED; its trail records that nothing moved.
		s.skipTransition(ctx, req, actor.ID, err.Error())
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("record_id", rec.ID).
		Str("to_status", in.To.String()).
		Msg("Transition auto-approved")
	return &ApprovalOutcome{Request: req, Record: updated, Transitioned: true}, nil
}

// tenantThresholds merges the tenant's overrides over the defaults. A failed
// lookup falls back to the defaults.
func (s *ApprovalService) tenantThresholds(ctx context.Context, tenantID string) lifecycle.Thresholds {
	if s.thresholds == nil {
		return s.defaults
	}
	overrides, err := s.thresholds.TenantThresholds(ctx, tenantID)
	if err != nil {
		s.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Threshold lookup failed, using defaults")
		return s.defaults
	}
	return s.defaults.Merge(overrides)
}

// ── Approve ───────────────────────────────────────────────────────────────────

// Approve resolves a PENDING request and applies its transition. When the
// target's status or amount moved on since the request was opened, the
// approval still stands but the transition is skipped and audited.
func (s *ApprovalService) Approve(ctx context.Context, requestID string, actor Actor) (*ApprovalOutcome, error) {
	if !actor.Role.CanResolveApprovals() {
		return nil, errors.Denied(errors.ErrCodePermissionDenied, lifecycle.ReasonInsufficientRole,
			fmt.Sprintf("role %q cannot approve requests", actor.Role))
	}

	req, err := s.pendingRequest(ctx, actor.TenantID, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequestedBy == actor.ID {
		return nil, errors.Denied(errors.ErrCodePermissionDenied, ReasonSelfApprovalForbidden,
			"requesters cannot approve their own request")
	}

	resolved, err := s.resolve(ctx, repository.ApprovalResolution{
		ID:       req.ID,
		TenantID: req.TenantID,
		Status:   repository.ApprovalApproved,
		ActorID:  actor.ID,
	})
	if err != nil {
		return nil, err
	}
	s.appendApprovalAudit(ctx, resolved, ActionApprovalApproved, actor.ID,
		fmt.Sprintf("Approved %s %s -> %s", resolved.TargetType, resolved.FromStatus, resolved.ToStatus), nil)
	s.publish(ctx, resolved, client.EventApprovalApproved, actor.ID)

	out := &ApprovalOutcome{Request: resolved}

	target, err := s.records.GetByID(ctx, resolved.TenantID, resolved.TargetID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			s.skipTransition(ctx, resolved, actor.ID, "target record no longer exists")
			return out, nil
		}
		return nil, err
	}
	out.Record = target
	if target.Status != resolved.FromStatus {
		s.skipTransition(ctx, resolved, actor.ID,
			fmt.Sprintf("target moved from %s to %s", resolved.FromStatus, target.Status))
		return out, nil
	}
	// The approver signed off on the requested amount, not on a later edit.
	if !sameAmount(target.Amount, resolved.Amount) {
		s.skipTransition(ctx, resolved, actor.ID,
			fmt.Sprintf("target amount changed from %s to %s", formatAmount(resolved.Amount), formatAmount(target.Amount)))
		return out, nil
	}

	updated, err := s.applier.apply(ctx, applyInput{
		Record:     target,
		To:         resolved.ToStatus,
		ActorID:    actor.ID,
		Extra:      map[string]any{"approvalRequestId": resolved.ID},
		RelatedIDs: []string{resolved.ID},
	})
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeOptimisticConflict) {
			s.skipTransition(ctx, resolved, actor.ID, "target changed while the transition was applied")
			return out, nil
		}
		return nil, err
	}

	out.Record = updated
	out.Transitioned = true
	s.log.Info().
		Str("request_id", resolved.ID).
		Str("record_id", updated.ID).
		Str("approved_by", actor.ID).
		Msg("Approval request approved")
	return out, nil
}

func (s *ApprovalService) skipTransition(ctx context.Context, req *repository.ApprovalRequest, actorID, why string) {
	s.log.Warn().
		Str("request_id", req.ID).
		Str("record_id", req.TargetID).
		Str("reason", why).
		Msg("Approved transition not applied")
	s.appendApprovalAudit(ctx, req, ActionApprovalTransitionFailed, actorID,
		fmt.Sprintf("Approved transition %s -> %s not applied: %s", req.FromStatus, req.ToStatus, why), nil)
}

func sameAmount(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func formatAmount(a decimal.NullDecimal) string {
	if !a.Valid {
		return "none"
	}
	return a.Decimal.String()
}

// ── Reject ────────────────────────────────────────────────────────────────────

// Reject resolves a PENDING request as REJECTED. The target is not touched.
func (s *ApprovalService) Reject(ctx context.Context, requestID string, actor Actor, reason string) (*ApprovalOutcome, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.Denied(errors.ErrCodeValidation, ReasonRejectionReasonRequired, "rejection reason is required")
	}
	if !actor.Role.CanResolveApprovals() {
		return nil, errors.Denied(errors.ErrCodePermissionDenied, lifecycle.ReasonInsufficientRole,
			fmt.Sprintf("role %q cannot reject requests", actor.Role))
	}

	req, err := s.pendingRequest(ctx, actor.TenantID, requestID)
	if err != nil {
		return nil, err
	}

	resolved, err := s.resolve(ctx, repository.ApprovalResolution{
		ID:       req.ID,
		TenantID: req.TenantID,
		Status:   repository.ApprovalRejected,
		ActorID:  actor.ID,
		Reason:   &reason,
	})
	if err != nil {
		return nil, err
	}
	s.appendApprovalAudit(ctx, resolved, ActionApprovalRejected, actor.ID,
		fmt.Sprintf("Rejected %s %s -> %s", resolved.TargetType, resolved.FromStatus, resolved.ToStatus),
		map[string]any{"reason": reason})
	s.publish(ctx, resolved, client.EventApprovalRejected, actor.ID)

	s.log.Info().
		Str("request_id", resolved.ID).
		Str("record_id", resolved.TargetID).
		Str("rejected_by", actor.ID).
		Msg("Approval request rejected")
	return &ApprovalOutcome{Request: resolved}, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel withdraws a PENDING request. Only the requester or an admin may do
// so.
func (s *ApprovalService) Cancel(ctx context.Context, requestID string, actor Actor) (*ApprovalOutcome, error) {
	req, err := s.pendingRequest(ctx, actor.TenantID, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequestedBy != actor.ID && !actor.Role.AtLeast(lifecycle.RoleAdmin) {
		return nil, errors.Denied(errors.ErrCodePermissionDenied, ReasonNotRequester,
			"only the requester can cancel an approval request")
	}

	resolved, err := s.resolve(ctx, repository.ApprovalResolution{
		ID:       req.ID,
		TenantID: req.TenantID,
		Status:   repository.ApprovalCancelled,
		ActorID:  actor.ID,
	})
	if err != nil {
		return nil, err
	}
	s.appendApprovalAudit(ctx, resolved, ActionApprovalCancelled, actor.ID,
		fmt.Sprintf("Cancelled approval of %s %s -> %s", resolved.TargetType, resolved.FromStatus, resolved.ToStatus), nil)
	s.publish(ctx, resolved, client.EventApprovalCancelled, actor.ID)

	s.log.Info().
		Str("request_id", resolved.ID).
		Str("cancelled_by", actor.ID).
		Msg("Approval request cancelled")
	return &ApprovalOutcome{Request: resolved}, nil
}

// ListPending returns the tenant's open requests, oldest first.
func (s *ApprovalService) ListPending(ctx context.Context, actor Actor, page repository.Page) ([]*repository.ApprovalRequest, int64, error) {
	return s.approvals.ListPending(ctx, actor.TenantID, page.Normalize())
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (s *ApprovalService) pendingRequest(ctx context.Context, tenantID, id string) (*repository.ApprovalRequest, error) {
	req, err := s.approvals.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.ApprovalPending {
		return nil, errors.Denied(errors.ErrCodeIllegalApprovalState, ReasonRequestNotPending,
			fmt.Sprintf("approval request %s is %s", req.ID, req.Status))
	}
	return req, nil
}

// resolve is the compare-and-set on PENDING. Losing the race surfaces as
// ILLEGAL_APPROVAL_STATE when the request is now resolved, OPTIMISTIC_CONFLICT
// otherwise.
func (s *ApprovalService) resolve(ctx context.Context, res repository.ApprovalResolution) (*repository.ApprovalRequest, error) {
	resolved, err := s.approvals.Resolve(ctx, res)
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		return resolved, nil
	}

	current, err := s.approvals.GetByID(ctx, res.TenantID, res.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != repository.ApprovalPending {
		return nil, errors.Denied(errors.ErrCodeIllegalApprovalState, ReasonRequestNotPending,
			fmt.Sprintf("approval request %s was %s concurrently", current.ID, strings.ToLower(string(current.Status))))
	}
	return nil, errors.Denied(errors.ErrCodeOptimisticConflict, ReasonRequestResolvedConcurrently,
		fmt.Sprintf("approval request %s changed concurrently", current.ID))
}

func (s *ApprovalService) appendApprovalAudit(ctx context.Context, req *repository.ApprovalRequest, action, actorID, description string, extra map[string]any) {
	meta := repository.ActivityMeta{
		RelatedEntityIDs: []string{req.TargetID},
		FromStatus:       req.FromStatus,
		ToStatus:         req.ToStatus,
		Extra:            extra,
	}
	if req.Amount.Valid {
		meta.Extra = withExtra(extra, "amount", req.Amount.Decimal.String())
	}
	s.audit.Append(ctx, &repository.ActivityLogEntry{
		TenantID:    req.TenantID,
		EntityType:  auditEntityApproval,
		EntityID:    req.ID,
		Action:      action,
		Description: description,
		Meta:        meta,
		ActorID:     actorID,
	})
}

func (s *ApprovalService) publish(ctx context.Context, req *repository.ApprovalRequest, eventType, actorID string) {
	s.events.Publish(ctx, client.LifecycleEvent{
		EventType:    eventType,
		TenantID:     req.TenantID,
		ActorID:      actorID,
		ResourceType: req.TargetType.String(),
		ResourceID:   req.TargetID,
		FromStatus:   req.FromStatus.String(),
		ToStatus:     req.ToStatus.String(),
		Payload:      map[string]any{"approvalRequestId": req.ID, "status": string(req.Status)},
	})
}
