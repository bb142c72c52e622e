package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/database"
)

// FinanceRepository stores finance records created by cascades.
type FinanceRepository struct {
	db *database.DB
}

// NewFinanceRepository creates a new FinanceRepository.
func NewFinanceRepository(db *database.DB) *FinanceRepository {
	return &FinanceRepository{db: db}
}

// CreateIfAbsent inserts rec unless a record with the same (tenant,
// relatedTo) key exists. It reports whether a row was written.
func (r *FinanceRepository) CreateIfAbsent(ctx context.Context, rec *FinanceRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	query := `
		INSERT INTO finance_records
		    (id, tenant_id, kind, amount, currency, related_type, related_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, related_to) DO NOTHING
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.Kind,
		rec.Amount,
		rec.Currency,
		rec.RelatedType,
		rec.RelatedTo,
	).Scan(&rec.CreatedAt)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapDBError(err, "failed to create finance record")
	}
	return true, nil
}

// ListByRelated returns the finance records keyed to one business record.
func (r *FinanceRepository) ListByRelated(ctx context.Context, tenantID, relatedTo string) ([]*FinanceRecord, error) {
	query := `
		SELECT id, tenant_id, kind, amount, currency, related_type, related_to, created_at
		FROM finance_records
		WHERE tenant_id = $1 AND related_to = $2
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, tenantID, relatedTo)
	if err != nil {
		return nil, wrapDBError(err, "failed to list finance records")
	}
	defer rows.Close()

	var out []*FinanceRecord
	for rows.Next() {
		f := &FinanceRecord{}
		if err := rows.Scan(&f.ID, &f.TenantID, &f.Kind, &f.Amount, &f.Currency, &f.RelatedType, &f.RelatedTo, &f.CreatedAt); err != nil {
			return nil, wrapDBError(err, "failed to scan finance record")
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError(err, "failed to read finance records")
	}
	return out, nil
}
