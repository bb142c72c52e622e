package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/database"
)

// StockRepository applies stock movements for shipments.
type StockRepository struct {
	db *database.DB
}

// NewStockRepository creates a new StockRepository.
func NewStockRepository(db *database.DB) *StockRepository {
	return &StockRepository{db: db}
}

// DecrementForShipment records one movement per line and decrements stock
// for the lines that had none yet, in a single transaction. It returns the
// number of lines applied by this call.
func (r *StockRepository) DecrementForShipment(ctx context.Context, tenantID, shipmentID string, lines []*LineItem) (int, error) {
	applied := 0
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		applied = 0
		movementQuery := `
			INSERT INTO stock_movements (id, tenant_id, shipment_id, line_id, sku, quantity)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (shipment_id, line_id) DO NOTHING
		`
		stockQuery := `
			INSERT INTO stock_items (tenant_id, sku, quantity)
			VALUES ($1, $2, -$3::integer)
			ON CONFLICT (tenant_id, sku)
			DO UPDATE SET quantity = stock_items.quantity - $3::integer, updated_at = NOW()
		`

		for _, line := range lines {
			tag, err := tx.Exec(ctx, movementQuery, uuid.NewString(), tenantID, shipmentID, line.ID, line.SKU, line.Quantity)
			if err != nil {
				return wrapDBError(err, "failed to record stock movement")
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			if _, err := tx.Exec(ctx, stockQuery, tenantID, line.SKU, line.Quantity); err != nil {
				return wrapDBError(err, "failed to decrement stock")
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// Quantity returns the stock level of a SKU.
func (r *StockRepository) Quantity(ctx context.Context, tenantID, sku string) (int, error) {
	var qty int
	err := r.db.QueryRow(ctx, `SELECT quantity FROM stock_items WHERE tenant_id = $1 AND sku = $2`, tenantID, sku).Scan(&qty)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapDBError(err, "failed to get stock level")
	}
	return qty, nil
}
