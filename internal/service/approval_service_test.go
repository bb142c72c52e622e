package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository/memory"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
)

// pendingDeal creates a DEAL above the default threshold and submits it.
func pendingDeal(t *testing.T, h *harness, requester Actor) (*repository.BusinessRecord, string) {
	t.Helper()
	res := h.create(t, lifecycle.EntityDeal, "250000", true, requester)
	require.Equal(t, OutcomePendingApproval, res.Transition.Outcome)
	return res.Record, res.Transition.RequestID
}

func TestApprove_Permissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, reqID := pendingDeal(t, h, manager)

	_, err := h.svc.ApproveRequest(ctx, reqID, member2)
	assertDenied(t, err, errors.ErrCodePermissionDenied, lifecycle.ReasonInsufficientRole)

	_, err = h.svc.ApproveRequest(ctx, reqID, manager)
	assertDenied(t, err, errors.ErrCodePermissionDenied, ReasonSelfApprovalForbidden)

	_, err = h.svc.ApproveRequest(ctx, reqID, Actor{Role: lifecycle.RoleAdmin})
	assertDenied(t, err, errors.ErrCodePermissionDenied, ReasonMissingActorContext)

	_, err = h.svc.ApproveRequest(ctx, "missing", manager2)
	assertDenied(t, err, errors.ErrCodeNotFound, "")

	other := Actor{ID: "u-foreign", TenantID: "tenant-2", Role: lifecycle.RoleAdmin}
	_, err = h.svc.ApproveRequest(ctx, reqID, other)
	assertDenied(t, err, errors.ErrCodeNotFound, "")

	assert.Equal(t, repository.ApprovalPending, h.request(t, reqID).Status)
}

func TestApprove_ConcurrentApproversExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deal, reqID := pendingDeal(t, h, member)
	approvers := []Actor{manager, manager2, admin, {ID: "u-manager-3", TenantID: tenant, Role: lifecycle.RoleManager}}

	var wg sync.WaitGroup
	errs := make([]error, len(approvers))
	for i, a := range approvers {
		wg.Add(1)
		go func(i int, a Actor) {
			defer wg.Done()
			_, errs[i] = h.svc.ApproveRequest(ctx, reqID, a)
		}(i, a)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, errors.ErrCodeIllegalApprovalState, errors.CodeOf(err), err.Error())
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, lifecycle.StatusActive, h.record(t, deal.ID).Status)

	var approvals int
	for _, action := range h.actions(t, "DEAL", deal.ID) {
		if action == ActionApprovalApproved {
			approvals++
		}
	}
	assert.Equal(t, 1, approvals)
}

func TestResolvedRequestsAreFinal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, approvedID := pendingDeal(t, h, member)
	_, err := h.svc.ApproveRequest(ctx, approvedID, manager)
	require.NoError(t, err)

	_, rejectedID := pendingDeal(t, h, member)
	_, err = h.svc.RejectRequest(ctx, rejectedID, "over budget", manager)
	require.NoError(t, err)

	for _, id := range []string{approvedID, rejectedID} {
		before := h.request(t, id)

		_, err = h.svc.ApproveRequest(ctx, id, manager2)
		assertDenied(t, err, errors.ErrCodeIllegalApprovalState, ReasonRequestNotPending)
		_, err = h.svc.RejectRequest(ctx, id, "again", manager2)
		assertDenied(t, err, errors.ErrCodeIllegalApprovalState, ReasonRequestNotPending)
		_, err = h.svc.CancelRequest(ctx, id, member)
		assertDenied(t, err, errors.ErrCodeIllegalApprovalState, ReasonRequestNotPending)

		assert.Equal(t, before, h.request(t, id))
	}
}

func TestReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deal, reqID := pendingDeal(t, h, member)

	_, err := h.svc.RejectRequest(ctx, reqID, "   ", manager)
	assertDenied(t, err, errors.ErrCodeValidation, ReasonRejectionReasonRequired)

	_, err = h.svc.RejectRequest(ctx, reqID, "too large", member2)
	assertDenied(t, err, errors.ErrCodePermissionDenied, lifecycle.ReasonInsufficientRole)

	out, err := h.svc.RejectRequest(ctx, reqID, "too large", manager)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalRejected, out.Request.Status)
	require.NotNil(t, out.Request.RejectedBy)
	assert.Equal(t, manager.ID, *out.Request.RejectedBy)
	require.NotNil(t, out.Request.RejectionReason)
	assert.Equal(t, "too large", *out.Request.RejectionReason)
	assert.False(t, out.Transitioned)

	assert.Equal(t, lifecycle.StatusDraft, h.record(t, deal.ID).Status)

	// A rejected request no longer blocks a new one.
	res, err := h.svc.RequestTransition(ctx, lifecycle.EntityDeal, deal.ID, lifecycle.StatusActive, repository.FieldPatch{}, member)
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, res.Outcome)
	assert.NotEqual(t, reqID, res.RequestID)
}

func TestDuplicatePendingRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deal, reqID := pendingDeal(t, h, member)

	_, err := h.svc.RequestTransition(ctx, lifecycle.EntityDeal, deal.ID, lifecycle.StatusActive, repository.FieldPatch{}, member2)
	assertDenied(t, err, errors.ErrCodeValidation, repository.ReasonDuplicateActiveRequest)

	pending, total, err := h.svc.ListPendingApprovals(ctx, repository.Page{}, viewer)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, pending, 1)
	assert.Equal(t, reqID, pending[0].ID)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deal, reqID := pendingDeal(t, h, member)

	_, err := h.svc.CancelRequest(ctx, reqID, member2)
	assertDenied(t, err, errors.ErrCodePermissionDenied, ReasonNotRequester)

	_, err = h.svc.CancelRequest(ctx, reqID, manager)
	assertDenied(t, err, errors.ErrCodePermissionDenied, ReasonNotRequester)

	out, err := h.svc.CancelRequest(ctx, reqID, member)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalCancelled, out.Request.Status)
	require.NotNil(t, out.Request.CancelledBy)
	assert.Equal(t, member.ID, *out.Request.CancelledBy)
	assert.Equal(t, lifecycle.StatusDraft, h.record(t, deal.ID).Status)

	_, otherID := pendingDeal(t, h, member)
	out, err = h.svc.CancelRequest(ctx, otherID, admin)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalCancelled, out.Request.Status)
}

func TestApprove_TargetMovedOn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deal, reqID := pendingDeal(t, h, member)

	_, err := h.svc.RequestTransition(ctx, lifecycle.EntityDeal, deal.ID, lifecycle.StatusCancelled, repository.FieldPatch{}, member)
	require.NoError(t, err)

	out, err := h.svc.ApproveRequest(ctx, reqID, manager)
	require.NoError(t, err)
	assert.False(t, out.Transitioned)
	assert.Equal(t, repository.ApprovalApproved, out.Request.Status)
	assert.Equal(t, lifecycle.StatusCancelled, h.record(t, deal.ID).Status)
	assert.Contains(t, h.actions(t, "APPROVAL_REQUEST", reqID), ActionApprovalTransitionFailed)
}

// An approval covers the amount it was requested for. Raising the amount
// while the request waits must not ride on the sign-off.
func TestApprove_AmountChangedWhilePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deal, reqID := pendingDeal(t, h, member)
	raised := decimal.NewNullDecimal(decimal.NewFromInt(10_000_000))

	_, err := h.svc.UpdateRecord(ctx, lifecycle.EntityDeal, deal.ID, repository.FieldPatch{Amount: &raised}, member)
	require.NoError(t, err)

	out, err := h.svc.ApproveRequest(ctx, reqID, manager)
	require.NoError(t, err)
	assert.False(t, out.Transitioned)
	assert.Equal(t, repository.ApprovalApproved, out.Request.Status)

	got := h.record(t, deal.ID)
	assert.Equal(t, deal.Status, got.Status)
	assert.True(t, got.Amount.Decimal.Equal(raised.Decimal))
	assert.Contains(t, h.actions(t, "APPROVAL_REQUEST", reqID), ActionApprovalTransitionFailed)
	assert.NotContains(t, h.actions(t, "DEAL", deal.ID), ActionStatusUpdate)

	// A fresh request is needed for the new amount.
	res, err := h.svc.RequestTransition(ctx, lifecycle.EntityDeal, deal.ID, out.Request.ToStatus, repository.FieldPatch{}, member)
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, res.Outcome)
	assert.NotEqual(t, reqID, res.RequestID)
}

func TestApprove_StatusUpdateJoinsRequestTrail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, reqID := pendingDeal(t, h, member)

	out, err := h.svc.ApproveRequest(ctx, reqID, manager)
	require.NoError(t, err)
	require.True(t, out.Transitioned)

	trail := h.actions(t, "APPROVAL_REQUEST", reqID)
	require.NotEmpty(t, trail)
	assert.Equal(t, ActionStatusUpdate, trail[0])
	assert.Contains(t, trail, ActionApprovalApproved)
	assert.Contains(t, trail, ActionApprovalRequested)
}

// A write conflict after an auto-approval leaves the record where it was and
// says so in the trail.
func TestSubmit_AutoApprovedWriteConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	quote := h.create(t, lifecycle.EntityQuote, "1000", false, member).Record
	h.store.InjectFault(memory.OpRecordWrite, 1, errors.Denied(errors.ErrCodeOptimisticConflict,
		repository.ReasonStatusChanged, "record status changed"))

	_, err := h.svc.RequestTransition(ctx, lifecycle.EntityQuote, quote.ID, lifecycle.StatusActive, repository.FieldPatch{}, member)
	assertDenied(t, err, errors.ErrCodeOptimisticConflict, repository.ReasonStatusChanged)
	assert.Equal(t, lifecycle.StatusDraft, h.record(t, quote.ID).Status)

	trail := h.actions(t, "QUOTE", quote.ID)
	assert.Contains(t, trail, ActionApprovalAutoApproved)
	assert.Contains(t, trail, ActionApprovalTransitionFailed)
	assert.NotContains(t, trail, ActionStatusUpdate)

	res, err := h.svc.RequestTransition(ctx, lifecycle.EntityQuote, quote.ID, lifecycle.StatusActive, repository.FieldPatch{}, member)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, lifecycle.StatusActive, h.record(t, quote.ID).Status)
}
