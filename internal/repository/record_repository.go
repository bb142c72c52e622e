package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/database"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
)

// ReasonStatusChanged marks a lost compare-and-set on a record.
const ReasonStatusChanged = "STATUS_CHANGED"

// RecordRepository persists business records and their line items.
// Reads through GetFromReplica go to the replica pool when one is configured.
type RecordRepository struct {
	db      *database.DB
	replica *database.DB
}

// NewRecordRepository creates a new RecordRepository. replica may be nil.
func NewRecordRepository(db, replica *database.DB) *RecordRepository {
	if replica == nil {
		replica = db
	}
	return &RecordRepository{db: db, replica: replica}
}

const recordColumns = `
	id, tenant_id, entity_type, title, amount, status, attributes,
	created_by, updated_by, created_at, updated_at`

// Create inserts a record and its line items in one transaction.
func (r *RecordRepository) Create(ctx context.Context, rec *BusinessRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	attrs, err := marshalAttributes(rec.Attributes)
	if err != nil {
		return err
	}
	if attrs == nil {
		attrs = []byte(`{}`)
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO business_records
			    (id, tenant_id, entity_type, title, amount, status, attributes,
			     created_by, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			RETURNING created_at, updated_at
		`
		err := tx.QueryRow(ctx, query,
			rec.ID,
			rec.TenantID,
			rec.Type,
			rec.Title,
			rec.Amount,
			rec.Status,
			attrs,
			rec.CreatedBy,
		).Scan(&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return wrapDBError(err, "failed to create record")
		}
		rec.UpdatedBy = rec.CreatedBy

		lineQuery := `
			INSERT INTO record_line_items (id, record_id, line_number, sku, quantity)
			VALUES ($1, $2, $3, $4, $5)
		`
		for i, line := range rec.Lines {
			if line.ID == "" {
				line.ID = uuid.NewString()
			}
			if line.LineNumber == 0 {
				line.LineNumber = i + 1
			}
			line.RecordID = rec.ID
			if _, err := tx.Exec(ctx, lineQuery, line.ID, line.RecordID, line.LineNumber, line.SKU, line.Quantity); err != nil {
				return wrapDBError(err, "failed to create line item")
			}
		}
		return nil
	})
}

// GetByID reads a record from the primary.
func (r *RecordRepository) GetByID(ctx context.Context, tenantID, id string) (*BusinessRecord, error) {
	return r.get(ctx, r.db, tenantID, id)
}

// GetFromReplica reads a record from the replica. It may lag the primary.
func (r *RecordRepository) GetFromReplica(ctx context.Context, tenantID, id string) (*BusinessRecord, error) {
	return r.get(ctx, r.replica, tenantID, id)
}

func (r *RecordRepository) get(ctx context.Context, db *database.DB, tenantID, id string) (*BusinessRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("record", id)
	}
	query := `SELECT ` + recordColumns + ` FROM business_records WHERE id = $1 AND tenant_id = $2`

	rec, err := scanRecord(db.QueryRow(ctx, query, id, tenantID))
	if isNoRows(err) {
		return nil, errors.NotFound("record", id)
	}
	if err != nil {
		return nil, wrapDBError(err, "failed to get record")
	}

	lines, err := r.lineItems(ctx, db, id)
	if err != nil {
		return nil, err
	}
	rec.Lines = lines
	return rec, nil
}

// GetLineItems returns the line items of a record ordered by line number.
func (r *RecordRepository) GetLineItems(ctx context.Context, recordID string) ([]*LineItem, error) {
	return r.lineItems(ctx, r.db, recordID)
}

func (r *RecordRepository) lineItems(ctx context.Context, db *database.DB, recordID string) ([]*LineItem, error) {
	query := `
		SELECT id, record_id, line_number, sku, quantity
		FROM record_line_items
		WHERE record_id = $1
		ORDER BY line_number
	`
	rows, err := db.Query(ctx, query, recordID)
	if err != nil {
		return nil, wrapDBError(err, "failed to get line items")
	}
	defer rows.Close()

	var lines []*LineItem
	for rows.Next() {
		l := &LineItem{}
		if err := rows.Scan(&l.ID, &l.RecordID, &l.LineNumber, &l.SKU, &l.Quantity); err != nil {
			return nil, wrapDBError(err, "failed to scan line item")
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError(err, "failed to read line items")
	}
	return lines, nil
}

// Write applies a compare-and-set update. A record whose status no longer
// equals w.ExpectedStatus yields OPTIMISTIC_CONFLICT.
func (r *RecordRepository) Write(ctx context.Context, w RecordWrite) (*BusinessRecord, error) {
	attrs, err := marshalAttributes(w.Patch.Attributes)
	if err != nil {
		return nil, err
	}
	var amount any
	if w.Patch.Amount != nil {
		amount = *w.Patch.Amount
	}

	query := `
		UPDATE business_records
		SET status     = $4,
		    title      = COALESCE($5::text, title),
		    amount     = CASE WHEN $6::boolean THEN $7::numeric ELSE amount END,
		    attributes = COALESCE($8::jsonb, attributes),
		    updated_by = $9,
		    updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = $3
		RETURNING ` + recordColumns

	rec, err := scanRecord(r.db.QueryRow(ctx, query,
		w.ID,
		w.TenantID,
		w.ExpectedStatus,
		w.NextStatus,
		w.Patch.Title,
		w.Patch.Amount != nil,
		amount,
		attrs,
		w.UpdatedBy,
	))
	if isNoRows(err) {
		return nil, r.casMiss(ctx, w.TenantID, w.ID, w.ExpectedStatus)
	}
	if err != nil {
		return nil, wrapDBError(err, "failed to update record")
	}

	lines, err := r.lineItems(ctx, r.db, rec.ID)
	if err != nil {
		return nil, err
	}
	rec.Lines = lines
	return rec, nil
}

// Delete removes a record while it still sits in expected.
func (r *RecordRepository) Delete(ctx context.Context, tenantID, id string, expected lifecycle.Status) error {
	query := `DELETE FROM business_records WHERE id = $1 AND tenant_id = $2 AND status = $3`

	tag, err := r.db.Exec(ctx, query, id, tenantID, expected)
	if err != nil {
		return wrapDBError(err, "failed to delete record")
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, tenantID, id, expected)
	}
	return nil
}

// casMiss tells a vanished record apart from a concurrent status change.
func (r *RecordRepository) casMiss(ctx context.Context, tenantID, id string, expected lifecycle.Status) error {
	var current lifecycle.Status
	err := r.db.QueryRow(ctx, `SELECT status FROM business_records WHERE id = $1 AND tenant_id = $2`, id, tenantID).Scan(&current)
	if isNoRows(err) {
		return errors.NotFound("record", id)
	}
	if err != nil {
		return wrapDBError(err, "failed to re-read record")
	}
	return errors.Denied(errors.ErrCodeOptimisticConflict, ReasonStatusChanged,
		"record status changed from "+expected.String()+" to "+current.String())
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanRecord(sc rowScanner) (*BusinessRecord, error) {
	rec := &BusinessRecord{}
	var attrs []byte
	var createdAt, updatedAt time.Time

	err := sc.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.Type,
		&rec.Title,
		&rec.Amount,
		&rec.Status,
		&attrs,
		&rec.CreatedBy,
		&rec.UpdatedBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, rec.UpdatedAt = createdAt, updatedAt

	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal record attributes")
		}
	}
	return rec, nil
}

func marshalAttributes(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return nil, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal record attributes")
	}
	return b, nil
}
