package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-lifecycle-engine/internal/client"
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
)

// transitionApplier commits an already-authorised change to a record and
// runs what follows it: audit entry, event and cascades.
type transitionApplier struct {
	records  RecordStore
	cascades *CascadeDispatcher
	audit    *AuditWriter
	events   EventPublisher
	log      *logger.Logger
}

// applyInput describes one write. An empty To keeps the current status.
type applyInput struct {
	Record  *repository.BusinessRecord
	To      lifecycle.Status
	Patch   repository.FieldPatch
	ActorID string
	// Extra is merged into the audit entry's meta.
	Extra map[string]any
	// RelatedIDs are other entities the audit entry belongs to, such as the
	// approval request that authorised the write.
	RelatedIDs []string
}

func (a *transitionApplier) apply(ctx context.Context, in applyInput) (*repository.BusinessRecord, error) {
	rec := in.Record
	from := rec.Status
	to := in.To
	if to == "" {
		to = from
	}

	updated, err := a.records.Write(ctx, repository.RecordWrite{
		ID:             rec.ID,
		TenantID:       rec.TenantID,
		ExpectedStatus: from,
		NextStatus:     to,
		Patch:          in.Patch,
		UpdatedBy:      in.ActorID,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to write record")
	}

	if to == from {
		a.audit.Append(ctx, &repository.ActivityLogEntry{
			TenantID:    updated.TenantID,
			EntityType:  updated.Type.String(),
			EntityID:    updated.ID,
			Action:      ActionFieldsUpdate,
			Description: fmt.Sprintf("%s %q updated", updated.Type, updated.Title),
			Meta: repository.ActivityMeta{
				RelatedEntityIDs: in.RelatedIDs,
				Extra:            withExtra(in.Extra, "fields", in.Patch.Fields()),
			},
			ActorID:     in.ActorID,
		})
		a.log.Info().
			Str("record_id", updated.ID).
			Strs("fields", in.Patch.Fields()).
			Msg("Record fields updated")
		return updated, nil
	}

	a.audit.Append(ctx, &repository.ActivityLogEntry{
		TenantID:    updated.TenantID,
		EntityType:  updated.Type.String(),
		EntityID:    updated.ID,
		Action:      ActionStatusUpdate,
		Description: fmt.Sprintf("%s %q moved from %s to %s", updated.Type, updated.Title, from, to),
		Meta: repository.ActivityMeta{
			FromStatus:       from,
			ToStatus:         to,
			RelatedEntityIDs: in.RelatedIDs,
			Extra:            in.Extra,
		},
		ActorID: in.ActorID,
	})
	a.events.Publish(ctx, client.LifecycleEvent{
		EventType:    client.EventStatusChanged,
		TenantID:     updated.TenantID,
		ActorID:      in.ActorID,
		ResourceType: updated.Type.String(),
		ResourceID:   updated.ID,
		FromStatus:   from.String(),
		ToStatus:     to.String(),
	})
	a.log.Info().
		Str("record_id", updated.ID).
		Str("entity_type", updated.Type.String()).
		Str("from_status", from.String()).
		Str("to_status", to.String()).
		Msg("Record transitioned")

	a.cascades.Dispatch(ctx, EffectInput{Record: updated, From: from, To: to, ActorID: in.ActorID})
	return updated, nil
}

func withExtra(extra map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	out[key] = value
	return out
}
