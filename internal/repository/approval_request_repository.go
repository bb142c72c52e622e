package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/database"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
)

// ReasonDuplicateActiveRequest is returned when a target already has a
// PENDING approval request.
const ReasonDuplicateActiveRequest = "DUPLICATE_ACTIVE_REQUEST"

const pendingTargetIndex = "uq_approval_requests_pending_target"

// ApprovalRequestRepository persists approval requests. Resolution is a
// compare-and-set on status = PENDING.
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

const approvalColumns = `
	id, tenant_id, target_type, target_id, amount, from_status, to_status, status,
	requested_by, approved_by, rejected_by, cancelled_by, rejection_reason,
	created_at, resolved_at`

// Create inserts a request. A second PENDING request for the same target is
// refused by the partial unique index.
func (r *ApprovalRequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_requests
		    (id, tenant_id, target_type, target_id, amount, from_status, to_status, status,
		     requested_by, approved_by, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		        $9, $10, CASE WHEN $8 = 'PENDING' THEN NULL ELSE NOW() END)
		RETURNING created_at, resolved_at
	`

	err := r.db.QueryRow(ctx, query,
		req.ID,
		req.TenantID,
		req.TargetType,
		req.TargetID,
		req.Amount,
		req.FromStatus,
		req.ToStatus,
		req.Status,
		req.RequestedBy,
		req.ApprovedBy,
	).Scan(&req.CreatedAt, &req.ResolvedAt)
	if isUniqueViolation(err, pendingTargetIndex) {
		return errors.Denied(errors.ErrCodeValidation, ReasonDuplicateActiveRequest,
			"an approval request is already pending for "+req.TargetID)
	}
	if err != nil {
		return wrapDBError(err, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request within a tenant.
func (r *ApprovalRequestRepository) GetByID(ctx context.Context, tenantID, id string) (*ApprovalRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("approval_request", id)
	}
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE id = $1 AND tenant_id = $2`

	req, err := scanApproval(r.db.QueryRow(ctx, query, id, tenantID))
	if isNoRows(err) {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, wrapDBError(err, "failed to get approval request")
	}
	return req, nil
}

// GetPendingByTarget returns the pending request of a target, or nil.
func (r *ApprovalRequestRepository) GetPendingByTarget(ctx context.Context, tenantID, targetID string) (*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE tenant_id = $1 AND target_id = $2 AND status = 'PENDING'
	`

	req, err := scanApproval(r.db.QueryRow(ctx, query, tenantID, targetID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError(err, "failed to get pending approval request")
	}
	return req, nil
}

// Resolve moves a PENDING request to res.Status. It returns the updated
// request, or (nil, nil) when the request was no longer PENDING.
func (r *ApprovalRequestRepository) Resolve(ctx context.Context, res ApprovalResolution) (*ApprovalRequest, error) {
	query := `
		UPDATE approval_requests
		SET status           = $3,
		    approved_by      = CASE WHEN $3 = 'APPROVED'  THEN $4 ELSE approved_by END,
		    rejected_by      = CASE WHEN $3 = 'REJECTED'  THEN $4 ELSE rejected_by END,
		    cancelled_by     = CASE WHEN $3 = 'CANCELLED' THEN $4 ELSE cancelled_by END,
		    rejection_reason = $5,
		    resolved_at      = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'PENDING'
		RETURNING ` + approvalColumns

	req, err := scanApproval(r.db.QueryRow(ctx, query, res.ID, res.TenantID, res.Status, res.ActorID, res.Reason))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError(err, "failed to resolve approval request")
	}
	return req, nil
}

// ListPending returns pending requests of a tenant oldest-first, with the
// total count.
func (r *ApprovalRequestRepository) ListPending(ctx context.Context, tenantID string, page Page) ([]*ApprovalRequest, int64, error) {
	page = page.Normalize()

	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM approval_requests WHERE tenant_id = $1 AND status = 'PENDING'`,
		tenantID,
	).Scan(&total)
	if err != nil {
		return nil, 0, wrapDBError(err, "failed to count pending approval requests")
	}

	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE tenant_id = $1 AND status = 'PENDING'
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, tenantID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, wrapDBError(err, "failed to list pending approval requests")
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, 0, wrapDBError(err, "failed to scan approval request")
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapDBError(err, "failed to read approval requests")
	}
	return out, total, nil
}

func scanApproval(sc rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var targetType, from, to, status string

	err := sc.Scan(
		&req.ID,
		&req.TenantID,
		&targetType,
		&req.TargetID,
		&req.Amount,
		&from,
		&to,
		&status,
		&req.RequestedBy,
		&req.ApprovedBy,
		&req.RejectedBy,
		&req.CancelledBy,
		&req.RejectionReason,
		&req.CreatedAt,
		&req.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	req.TargetType = lifecycle.EntityType(targetType)
	req.FromStatus = lifecycle.Status(from)
	req.ToStatus = lifecycle.Status(to)
	req.Status = ApprovalStatus(status)
	return req, nil
}
