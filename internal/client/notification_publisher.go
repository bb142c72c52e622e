package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Publisher is the part of *nats.Conn the event publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// EventPublisher publishes lifecycle events to NATS for downstream
// consumers (notifications, search indexing, reporting).
//
// Subject convention: <prefix>.<resource_type>.<event_type>, e.g.
// lifecycle.invoice.status_changed.
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so a broker outage never interrupts a transition.
type EventPublisher struct {
	conn   Publisher
	prefix string
	log    zerolog.Logger
}

// LifecycleEvent is the JSON schema published to NATS.
type LifecycleEvent struct {
	EventType    string         `json:"event_type"`
	TenantID     string         `json:"tenant_id"`
	ActorID      string         `json:"actor_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	FromStatus   string         `json:"from_status,omitempty"`
	ToStatus     string         `json:"to_status,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Lifecycle event types.
const (
	EventRecordCreated       = "created"
	EventRecordDeleted       = "deleted"
	EventStatusChanged       = "status_changed"
	EventApprovalRequested   = "approval_requested"
	EventApprovalApproved    = "approval_approved"
	EventApprovalRejected    = "approval_rejected"
	EventApprovalCancelled   = "approval_cancelled"
	EventRenewalSuggested    = "renewal_suggested"
	EventCascadeEffectFailed = "cascade_effect_failed"
)

// NewEventPublisher creates a publisher. A nil conn disables publishing.
func NewEventPublisher(conn Publisher, prefix string, log zerolog.Logger) *EventPublisher {
	if prefix == "" {
		prefix = "lifecycle"
	}
	return &EventPublisher{conn: conn, prefix: prefix, log: log}
}

// Subject returns the subject an event is published on.
func (p *EventPublisher) Subject(ev LifecycleEvent) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, strings.ToLower(ev.ResourceType), ev.EventType)
}

// Publish sends ev. It never fails the caller.
func (p *EventPublisher) Publish(_ context.Context, ev LifecycleEvent) {
	if p == nil || p.conn == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", ev.EventType).Msg("event: failed to marshal event")
		return
	}

	subject := p.Subject(ev)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("resource_id", ev.ResourceID).
			Msg("event: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", ev.ResourceID).
		Msg("event: published")
}
