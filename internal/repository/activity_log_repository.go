package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/database"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
)

// ActivityLogRepository appends and reads immutable activity entries.
type ActivityLogRepository struct {
	db *database.DB
}

// NewActivityLogRepository creates a new ActivityLogRepository.
func NewActivityLogRepository(db *database.DB) *ActivityLogRepository {
	return &ActivityLogRepository{db: db}
}

// Append inserts one entry. The table has an update/delete prevention trigger
// so this is the only mutation exposed.
func (r *ActivityLogRepository) Append(ctx context.Context, entry *ActivityLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	meta, err := json.Marshal(entry.Meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal activity meta")
	}

	query := `
		INSERT INTO activity_log
		    (id, tenant_id, entity_type, entity_id, action, description, meta, actor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err = r.db.QueryRow(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		entry.Description,
		meta,
		entry.ActorID,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return wrapDBError(err, "failed to append activity entry")
	}
	return nil
}

// ListByEntity returns the trail of one entity most-recent-first, with the
// total count. Entries that name the entity as related (approval requests)
// are included.
func (r *ActivityLogRepository) ListByEntity(ctx context.Context, tenantID, entityType, entityID string, page Page) ([]*ActivityLogEntry, int64, error) {
	page = page.Normalize()
	related, _ := json.Marshal([]string{entityID})

	where := `
		WHERE tenant_id = $1
		  AND ((entity_type = $2 AND entity_id = $3) OR meta -> 'relatedEntityIds' @> $4::jsonb)
	`

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM activity_log`+where,
		tenantID, entityType, entityID, related,
	).Scan(&total); err != nil {
		return nil, 0, wrapDBError(err, "failed to count activity entries")
	}

	query := `
		SELECT id, tenant_id, entity_type, entity_id, action, description, meta, actor_id, created_at
		FROM activity_log` + where + `
		ORDER BY seq DESC
		LIMIT $5 OFFSET $6
	`
	rows, err := r.db.Query(ctx, query, tenantID, entityType, entityID, related, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, wrapDBError(err, "failed to list activity entries")
	}
	defer rows.Close()

	var entries []*ActivityLogEntry
	for rows.Next() {
		entry := &ActivityLogEntry{}
		var meta []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.TenantID,
			&entry.EntityType,
			&entry.EntityID,
			&entry.Action,
			&entry.Description,
			&meta,
			&entry.ActorID,
			&entry.CreatedAt,
		); err != nil {
			return nil, 0, wrapDBError(err, "failed to scan activity entry")
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &entry.Meta); err != nil {
				return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal activity meta")
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapDBError(err, "failed to read activity entries")
	}
	return entries, total, nil
}
