package repository

import (
	"context"

	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/database"
	"github.com/shopspring/decimal"
)

// ThresholdRepository reads per-tenant approval threshold overrides.
type ThresholdRepository struct {
	db *database.DB
}

// NewThresholdRepository creates a new ThresholdRepository.
func NewThresholdRepository(db *database.DB) *ThresholdRepository {
	return &ThresholdRepository{db: db}
}

// TenantThresholds returns the overrides configured for a tenant. Rows with
// an unknown entity type are skipped.
func (r *ThresholdRepository) TenantThresholds(ctx context.Context, tenantID string) (lifecycle.Thresholds, error) {
	rows, err := r.db.Query(ctx,
		`SELECT entity_type, threshold FROM tenant_approval_thresholds WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return nil, wrapDBError(err, "failed to get tenant thresholds")
	}
	defer rows.Close()

	out := lifecycle.Thresholds{}
	for rows.Next() {
		var raw string
		var threshold decimal.Decimal
		if err := rows.Scan(&raw, &threshold); err != nil {
			return nil, wrapDBError(err, "failed to scan tenant threshold")
		}
		t, err := lifecycle.ParseEntityType(raw)
		if err != nil {
			continue
		}
		out[t] = threshold
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError(err, "failed to read tenant thresholds")
	}
	return out, nil
}

// SetTenantThreshold upserts one override.
func (r *ThresholdRepository) SetTenantThreshold(ctx context.Context, tenantID string, t lifecycle.EntityType, threshold decimal.Decimal) error {
	query := `
		INSERT INTO tenant_approval_thresholds (tenant_id, entity_type, threshold)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, entity_type)
		DO UPDATE SET threshold = EXCLUDED.threshold, updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, tenantID, t, threshold); err != nil {
		return wrapDBError(err, "failed to set tenant threshold")
	}
	return nil
}
