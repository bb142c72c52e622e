package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-lifecycle-engine/internal/client"
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
)

// CascadeConfig bounds the retries of each effect.
type CascadeConfig struct {
	Attempts int
	Delay    time.Duration
}

// EffectResult is the outcome of one effect of a dispatch.
type EffectResult struct {
	Effect   string
	Attempts int
	Err      error
}

// CascadeDispatcher runs the effects bound to a committed transition. Each
// effect is retried on its own; a failed effect is logged and audited but
// never undoes the transition or stops the remaining effects.
type CascadeDispatcher struct {
	audit  *AuditWriter
	events EventPublisher
	cfg    CascadeConfig
	log    *logger.Logger

	income   Effect
	stock    Effect
	delivery Effect
	renewal  Effect
}

// EffectStores groups the stores the effects write to.
type EffectStores struct {
	Finance FinanceStore
	Stock   StockStore
}

// NewCascadeDispatcher wires the effect bindings.
func NewCascadeDispatcher(stores EffectStores, audit *AuditWriter, events EventPublisher, cfg CascadeConfig, log *logger.Logger) *CascadeDispatcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 200 * time.Millisecond
	}
	if events == nil {
		events = noopPublisher{}
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.Component("cascade")

	return &CascadeDispatcher{
		audit:    audit,
		events:   events,
		cfg:      cfg,
		log:      log,
		income:   &financeIncomeEffect{finance: stores.Finance, log: log},
		stock:    &stockDecrementEffect{stock: stores.Stock, log: log},
		delivery: &deliveredAuditEffect{audit: audit},
		renewal:  &renewalSuggestionEffect{audit: audit, events: events},
	}
}

// EffectsFor returns the ordered effects bound to (t, from, to). Every
// current binding matches any source status.
func (d *CascadeDispatcher) EffectsFor(t lifecycle.EntityType, _ lifecycle.Status, to lifecycle.Status) []Effect {
	switch t {
	case lifecycle.EntityInvoice:
		if to == lifecycle.StatusPaid {
			return []Effect{d.income}
		}
	case lifecycle.EntityShipment:
		switch to {
		case lifecycle.StatusApproved:
			return []Effect{d.stock}
		case lifecycle.StatusDelivered:
			return []Effect{d.delivery}
		}
	case lifecycle.EntityContract:
		if to == lifecycle.StatusExpired {
			return []Effect{d.renewal}
		}
	case lifecycle.EntityQuote, lifecycle.EntityDeal, lifecycle.EntityTicket:
	}
	return nil
}

// Dispatch runs the effects bound to the transition in order. The effects
// run on a context detached from the caller's cancellation.
func (d *CascadeDispatcher) Dispatch(ctx context.Context, in EffectInput) []EffectResult {
	effects := d.EffectsFor(in.Record.Type, in.From, in.To)
	if len(effects) == 0 {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	results := make([]EffectResult, 0, len(effects))
	for _, effect := range effects {
		res := d.run(ctx, effect, in)
		if res.Err != nil {
			d.reportFailure(ctx, in, res)
		}
		results = append(results, res)
	}
	return results
}

func (d *CascadeDispatcher) run(ctx context.Context, effect Effect, in EffectInput) EffectResult {
	res := EffectResult{Effect: effect.Name()}
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		res.Attempts = attempt
		res.Err = effect.Apply(ctx, in)
		if res.Err == nil {
			d.log.Debug().
				Str("effect", res.Effect).
				Str("record_id", in.Record.ID).
				Int("attempt", attempt).
				Msg("Cascade effect applied")
			return res
		}

		d.log.Warn().Err(res.Err).
			Str("effect", res.Effect).
			Str("record_id", in.Record.ID).
			Int("attempt", attempt).
			Msg("Cascade effect failed")

		if attempt < d.cfg.Attempts {
			if err := sleep(ctx, d.cfg.Delay); err != nil {
				res.Err = err
				return res
			}
		}
	}
	return res
}

func (d *CascadeDispatcher) reportFailure(ctx context.Context, in EffectInput, res EffectResult) {
	rec := in.Record
	d.log.Error().Err(res.Err).
		Str("code", string(errors.ErrCodeCascadeEffectFailed)).
		Str("effect", res.Effect).
		Str("tenant_id", rec.TenantID).
		Str("entity_type", rec.Type.String()).
		Str("record_id", rec.ID).
		Str("from_status", in.From.String()).
		Str("to_status", in.To.String()).
		Int("attempts", res.Attempts).
		Msg("Cascade effect gave up")

	d.audit.Append(ctx, &repository.ActivityLogEntry{
		TenantID:    rec.TenantID,
		EntityType:  rec.Type.String(),
		EntityID:    rec.ID,
		Action:      ActionCascadeEffectFailed,
		Description: fmt.Sprintf("Effect %s failed after %d attempts", res.Effect, res.Attempts),
		Meta: repository.ActivityMeta{
			FromStatus: in.From,
			ToStatus:   in.To,
			Extra: map[string]any{
				"effect": res.Effect,
				"error":  res.Err.Error(),
			},
		},
		ActorID: in.ActorID,
	})

	d.events.Publish(ctx, client.LifecycleEvent{
		EventType:    client.EventCascadeEffectFailed,
		TenantID:     rec.TenantID,
		ActorID:      in.ActorID,
		ResourceType: rec.Type.String(),
		ResourceID:   rec.ID,
		FromStatus:   in.From.String(),
		ToStatus:     in.To.String(),
		Payload:      map[string]any{"effect": res.Effect},
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
