package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-lifecycle-engine/internal/client"
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
)

// Cascade effect names.
const (
	EffectFinanceIncome     = "finance.income"
	EffectStockDecrement    = "stock.decrement"
	EffectShipmentDelivered = "audit.delivered"
	EffectRenewalSuggestion = "contract.renewal_suggestion"
)

const defaultCurrency = "USD"

// EffectInput is the committed transition an effect reacts to.
type EffectInput struct {
	Record  *repository.BusinessRecord
	From    lifecycle.Status
	To      lifecycle.Status
	ActorID string
}

// Effect is one secondary change bound to a transition. Apply must be
// idempotent: it may run again after a partial failure or a replay.
type Effect interface {
	Name() string
	Apply(ctx context.Context, in EffectInput) error
}

// financeIncomeEffect books a paid invoice as income, once per invoice.
type financeIncomeEffect struct {
	finance FinanceStore
	log     *logger.Logger
}

func (e *financeIncomeEffect) Name() string { return EffectFinanceIncome }

func (e *financeIncomeEffect) Apply(ctx context.Context, in EffectInput) error {
	rec := in.Record
	if !rec.Amount.Valid {
		e.log.Warn().Str("record_id", rec.ID).Msg("Paid invoice has no amount, no income booked")
		return nil
	}

	created, err := e.finance.CreateIfAbsent(ctx, &repository.FinanceRecord{
		ID:          uuid.NewString(),
		TenantID:    rec.TenantID,
		Kind:        repository.FinanceIncome,
		Amount:      rec.Amount.Decimal,
		Currency:    currencyOf(rec),
		RelatedType: rec.Type,
		RelatedTo:   rec.ID,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to book invoice income")
	}
	if !created {
		e.log.Debug().Str("record_id", rec.ID).Msg("Income already booked for invoice")
	}
	return nil
}

func currencyOf(rec *repository.BusinessRecord) string {
	if c, ok := rec.Attributes["currency"].(string); ok && strings.TrimSpace(c) != "" {
		return strings.ToUpper(strings.TrimSpace(c))
	}
	return defaultCurrency
}

// stockDecrementEffect takes an approved shipment's lines out of stock.
type stockDecrementEffect struct {
	stock StockStore
	log   *logger.Logger
}

func (e *stockDecrementEffect) Name() string { return EffectStockDecrement }

func (e *stockDecrementEffect) Apply(ctx context.Context, in EffectInput) error {
	rec := in.Record
	if len(rec.Lines) == 0 {
		return nil
	}
	applied, err := e.stock.DecrementForShipment(ctx, rec.TenantID, rec.ID, rec.Lines)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decrement stock")
	}
	e.log.Debug().
		Str("record_id", rec.ID).
		Int("lines", len(rec.Lines)).
		Int("applied", applied).
		Msg("Stock decremented for shipment")
	return nil
}

// deliveredAuditEffect records the delivery milestone.
type deliveredAuditEffect struct {
	audit *AuditWriter
}

func (e *deliveredAuditEffect) Name() string { return EffectShipmentDelivered }

func (e *deliveredAuditEffect) Apply(ctx context.Context, in EffectInput) error {
	rec := in.Record
	e.audit.Append(ctx, &repository.ActivityLogEntry{
		TenantID:    rec.TenantID,
		EntityType:  rec.Type.String(),
		EntityID:    rec.ID,
		Action:      ActionShipmentDelivered,
		Description: fmt.Sprintf("Shipment %q delivered", rec.Title),
		Meta:        repository.ActivityMeta{FromStatus: in.From, ToStatus: in.To},
		ActorID:     in.ActorID,
	})
	return nil
}

// renewalSuggestionEffect suggests renewing an expired contract. It never
// changes the contract.
type renewalSuggestionEffect struct {
	audit  *AuditWriter
	events EventPublisher
}

func (e *renewalSuggestionEffect) Name() string { return EffectRenewalSuggestion }

func (e *renewalSuggestionEffect) Apply(ctx context.Context, in EffectInput) error {
	rec := in.Record
	e.audit.Append(ctx, &repository.ActivityLogEntry{
		TenantID:    rec.TenantID,
		EntityType:  rec.Type.String(),
		EntityID:    rec.ID,
		Action:      ActionContractRenewalSuggested,
		Description: fmt.Sprintf("Contract %q expired, renewal suggested", rec.Title),
		Meta:        repository.ActivityMeta{FromStatus: in.From, ToStatus: in.To},
		ActorID:     in.ActorID,
	})
	e.events.Publish(ctx, client.LifecycleEvent{
		EventType:    client.EventRenewalSuggested,
		TenantID:     rec.TenantID,
		ActorID:      in.ActorID,
		ResourceType: rec.Type.String(),
		ResourceID:   rec.ID,
		FromStatus:   in.From.String(),
		ToStatus:     in.To.String(),
		Payload:      map[string]any{"title": rec.Title},
	})
	return nil
}
