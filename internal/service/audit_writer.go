package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
)

// Activity actions.
const (
	ActionRecordCreated            = "RECORD_CREATED"
	ActionRecordDeleted            = "RECORD_DELETED"
	ActionStatusUpdate             = "STATUS_UPDATE"
	ActionFieldsUpdate             = "FIELDS_UPDATE"
	ActionApprovalRequested        = "APPROVAL_REQUESTED"
	ActionApprovalAutoApproved     = "APPROVAL_AUTO_APPROVED"
	ActionApprovalApproved         = "APPROVAL_APPROVED"
	ActionApprovalRejected         = "APPROVAL_REJECTED"
	ActionApprovalCancelled        = "APPROVAL_CANCELLED"
	ActionApprovalTransitionFailed = "APPROVAL_TRANSITION_SKIPPED"
	ActionCascadeEffectFailed      = "CASCADE_EFFECT_FAILED"
	ActionShipmentDelivered        = "SHIPMENT_DELIVERED"
	ActionContractRenewalSuggested = "CONTRACT_RENEWAL_SUGGESTED"
	ActionThresholdUpdated         = "THRESHOLD_UPDATED"
)

// Entity types used for entries that are not about a business record.
const (
	auditEntityApproval = "APPROVAL_REQUEST"
	auditEntityTenant   = "TENANT"
)

// AuditWriterConfig sizes the writer.
type AuditWriterConfig struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

// AuditWriter appends activity entries off the request path. Entries are
// queued for a pool of workers; when the queue is full or the writer is
// closed the entry is written synchronously instead of being dropped. A
// failed write is retried once and then logged with the full entry. Append
// never returns an error.
type AuditWriter struct {
	store ActivityLogStore
	cfg   AuditWriterConfig
	log   *logger.Logger

	queue   chan *repository.ActivityLogEntry
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	pending atomic.Int64
}

// NewAuditWriter starts the worker pool.
func NewAuditWriter(store ActivityLogStore, cfg AuditWriterConfig, log *logger.Logger) *AuditWriter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	w := &AuditWriter{
		store: store,
		cfg:   cfg,
		log:   log.Component("audit_writer"),
		queue: make(chan *repository.ActivityLogEntry, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

func (w *AuditWriter) run() {
	defer w.wg.Done()
	for entry := range w.queue {
		w.write(entry)
	}
}

// Append records entry. The request context only contributes its values;
// the write outlives the request.
func (w *AuditWriter) Append(ctx context.Context, entry *repository.ActivityLogEntry) {
	w.pending.Add(1)

	w.mu.RLock()
	if !w.closed {
		select {
		case w.queue <- entry:
			w.mu.RUnlock()
			return
		default:
		}
	}
	w.mu.RUnlock()

	w.log.Debug().Str("action", entry.Action).Msg("Audit queue unavailable, writing synchronously")
	w.writeWith(context.WithoutCancel(ctx), entry)
}

func (w *AuditWriter) write(entry *repository.ActivityLogEntry) {
	w.writeWith(context.Background(), entry)
}

func (w *AuditWriter) writeWith(parent context.Context, entry *repository.ActivityLogEntry) {
	defer w.pending.Add(-1)

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		ctx, cancel := context.WithTimeout(parent, w.cfg.WriteTimeout)
		err = w.store.Append(ctx, entry)
		cancel()
		if err == nil {
			return
		}
	}

	w.log.Error().Err(err).
		Str("code", string(errors.ErrCodeAuditWriteFailed)).
		Str("tenant_id", entry.TenantID).
		Str("entity_type", entry.EntityType).
		Str("entity_id", entry.EntityID).
		Str("action", entry.Action).
		Str("actor_id", entry.ActorID).
		Str("description", entry.Description).
		Interface("meta", entry.Meta).
		Msg("Failed to write audit log entry")
}

// Flush waits until every entry appended so far has been written or has
// failed, or until ctx is done.
func (w *AuditWriter) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for w.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close drains the queue and stops the workers. Appends after Close are
// written synchronously.
func (w *AuditWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
}
