// Package integration orchestrates cross-system batch flows between the
// local store and the QMIB gateway. A transition is never considered complete
// until it has been persisted; the gap between a remote success and a lost
// local commit is owned by the reconciliation scan.
package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apexmfg/qmib-bridge/internal/app/domain/batch"
	"github.com/apexmfg/qmib-bridge/internal/app/metrics"
	"github.com/apexmfg/qmib-bridge/internal/app/storage"
	"github.com/apexmfg/qmib-bridge/internal/qmib"
	"github.com/apexmfg/qmib-bridge/pkg/logger"
)

var (
	// ErrBatchBusy indicates another coordinator operation holds the lease
	// for the batch. The caller performed no gateway call.
	ErrBatchBusy = errors.New("batch is busy")

	// ErrReconciliationConflict indicates the gateway reported a remote id
	// that differs from the one already recorded locally. Automatic action
	// on the record is halted until manual intervention.
	ErrReconciliationConflict = errors.New("reconciliation conflict")
)

// Gateway is the remote surface the coordinator depends on.
type Gateway interface {
	FetchTemplate(ctx context.Context, templateID string) (batch.Template, error)
	FetchEquipment(ctx context.Context, equipmentID string) (batch.EquipmentRef, error)
	FetchEquipmentState(ctx context.Context, equipmentID string) (batch.EquipmentState, error)
	PublishBatch(ctx context.Context, idempotencyKey string, payload map[string]interface{}) (qmib.PublishResult, error)
	AcknowledgeEvent(ctx context.Context, eventID string, ack batch.EventAck) (qmib.AckResult, error)
}

// Options tunes coordinator behavior. Zero values take defaults.
type Options struct {
	// LeaseTTL bounds how long an operation may hold a batch before a
	// crashed holder's claim expires.
	LeaseTTL time.Duration

	// CASRetries bounds re-read-and-retry loops on version conflicts.
	CASRetries int

	// PublishGrace is how long a record may sit in PublishPending before
	// the reconciliation scan picks it up.
	PublishGrace time.Duration

	// Instance identifies this coordinator in lease ownership tokens.
	Instance string
}

func (o *Options) defaults() {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.CASRetries <= 0 {
		o.CASRetries = 3
	}
	if o.PublishGrace <= 0 {
		o.PublishGrace = time.Minute
	}
	if o.Instance == "" {
		o.Instance = uuid.NewString()
	}
}

// Coordinator drives creation-from-template, completion-and-publish, and
// inbound-event-acknowledgment flows.
type Coordinator struct {
	gw      Gateway
	batches storage.BatchStore
	acks    storage.EventAckStore
	opts    Options
	log     *logger.Logger
}

// New constructs a coordinator.
func New(gw Gateway, batches storage.BatchStore, acks storage.EventAckStore, opts Options, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewDefault("integration")
	}
	opts.defaults()
	return &Coordinator{
		gw:      gw,
		batches: batches,
		acks:    acks,
		opts:    opts,
		log:     log,
	}
}

// CreateFromTemplate fetches the template from QMIB and creates a local batch
// record in Created state. The gateway client owns retries; an exhausted
// fetch surfaces its classified error unchanged.
func (c *Coordinator) CreateFromTemplate(ctx context.Context, templateID string) (batch.Record, error) {
	tmpl, err := c.gw.FetchTemplate(ctx, templateID)
	if err != nil {
		return batch.Record{}, err
	}

	state, err := batch.Next(batch.StateDraft, batch.EventCreate)
	if err != nil {
		return batch.Record{}, err
	}

	localID := uuid.NewString()
	rec := batch.Record{
		LocalID:        localID,
		TemplateID:     tmpl.ID,
		State:          state,
		Payload:        tmpl.DefaultData,
		IdempotencyKey: batch.IdempotencyKey(localID),
	}
	rec, err = c.batches.CreateBatch(ctx, rec)
	if err != nil {
		return batch.Record{}, fmt.Errorf("persist created batch: %w", err)
	}

	metrics.ObserveTransition(string(batch.EventCreate))
	c.log.WithField("local_id", rec.LocalID).
		WithField("template_id", tmpl.ID).
		Info("batch created from template")
	return rec, nil
}

// StartBatch marks a created batch as executing.
func (c *Coordinator) StartBatch(ctx context.Context, localID string) (batch.Record, error) {
	token, release, err := c.acquireLease(ctx, localID)
	if err != nil {
		return batch.Record{}, err
	}
	defer release()

	return c.applyTransition(ctx, localID, token, batch.EventStart, func(rec *batch.Record) {
		rec.StartedAt = time.Now().UTC()
	})
}

// CompleteAndPublish drives InProgress -> Completed -> PublishPending, then
// publishes to QMIB with the record's stable idempotency key. A transient
// gateway failure leaves the record in PublishPending, safe to resume later
// with the same key; a permanent failure moves it to Failed.
func (c *Coordinator) CompleteAndPublish(ctx context.Context, localID string, payload map[string]interface{}) (batch.Record, error) {
	token, release, err := c.acquireLease(ctx, localID)
	if err != nil {
		return batch.Record{}, err
	}
	defer release()

	rec, err := c.batches.GetBatch(ctx, localID)
	if err != nil {
		return batch.Record{}, err
	}

	// The operation is resumable: a record stranded in Completed or
	// PublishPending by an earlier transient failure picks up where it
	// stopped, reusing the same idempotency key.
	if rec.State == batch.StateInProgress {
		rec, err = c.applyTransition(ctx, localID, token, batch.EventComplete, func(rec *batch.Record) {
			rec.CompletedAt = time.Now().UTC()
			if rec.Payload == nil {
				rec.Payload = make(map[string]interface{}, len(payload))
			}
			for k, v := range payload {
				rec.Payload[k] = v
			}
		})
		if err != nil {
			return rec, err
		}
	}
	if rec.State == batch.StateCompleted {
		rec, err = c.applyTransition(ctx, localID, token, batch.EventRequestPublish, nil)
		if err != nil {
			return rec, err
		}
	}
	if rec.State != batch.StatePublishPending {
		return rec, fmt.Errorf("%w: cannot publish from state %s", batch.ErrInvalidTransition, rec.State)
	}
	if rec.Halted {
		return rec, fmt.Errorf("batch %s halted: %s: %w", rec.LocalID, rec.FailureReason, ErrReconciliationConflict)
	}

	return c.publishPending(ctx, rec, token)
}

// publishPending publishes a record already persisted in PublishPending and,
// on success, confirms the Published transition. Callers hold the lease.
func (c *Coordinator) publishPending(ctx context.Context, rec batch.Record, token string) (batch.Record, error) {
	res, err := c.gw.PublishBatch(ctx, rec.IdempotencyKey, publishPayload(rec))
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return rec, err
		case errors.Is(err, qmib.ErrCircuitOpen), errors.Is(err, qmib.ErrTransient):
			// Record stays in PublishPending; the same idempotency key is
			// reused on resume or by the reconciliation scan.
			return rec, err
		default:
			failed, ferr := c.applyTransition(ctx, rec.LocalID, token, batch.EventFail, func(r *batch.Record) {
				r.FailureReason = err.Error()
			})
			if ferr != nil {
				c.log.WithError(ferr).WithField("local_id", rec.LocalID).Error("could not persist failure state")
				return rec, err
			}
			return failed, err
		}
	}

	if rec.RemoteID != "" && rec.RemoteID != res.RemoteID {
		return c.haltOnConflict(ctx, rec, token, res.RemoteID)
	}

	confirmed, err := c.confirmPublish(ctx, rec.LocalID, token, res.RemoteID)
	if err != nil {
		return rec, err
	}
	c.log.WithField("local_id", confirmed.LocalID).
		WithField("remote_id", confirmed.RemoteID).
		Info("batch published")
	return confirmed, nil
}

// confirmPublish assigns the remote id (at most once) and persists the
// Published transition.
func (c *Coordinator) confirmPublish(ctx context.Context, localID, token, remoteID string) (batch.Record, error) {
	var lastErr error
	for i := 0; i < c.opts.CASRetries; i++ {
		rec, err := c.batches.GetBatch(ctx, localID)
		if err != nil {
			return batch.Record{}, err
		}
		if rec.RemoteID == "" {
			rec.RemoteID = remoteID
		} else if rec.RemoteID != remoteID {
			return c.haltOnConflict(ctx, rec, token, remoteID)
		}

		next, err := batch.ConfirmPublish(rec)
		if err != nil {
			return rec, err
		}
		rec.State = next
		rec.PublishedAt = time.Now().UTC()

		stored, err := c.batches.CompareAndSwapBatch(ctx, localID, rec.Version, rec)
		if err == nil {
			metrics.ObserveTransition(string(batch.EventConfirmPublish))
			return stored, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return batch.Record{}, err
		}
		lastErr = err
	}
	return batch.Record{}, lastErr
}

// haltOnConflict marks the record so the reconciliation scan stops touching
// it, then surfaces the conflict for manual intervention.
func (c *Coordinator) haltOnConflict(ctx context.Context, rec batch.Record, token, gotRemoteID string) (batch.Record, error) {
	reason := fmt.Sprintf("gateway returned remote id %s, local record has %s", gotRemoteID, rec.RemoteID)
	for i := 0; i < c.opts.CASRetries; i++ {
		current, err := c.batches.GetBatch(ctx, rec.LocalID)
		if err != nil {
			break
		}
		current.Halted = true
		current.FailureReason = reason
		if _, err := c.batches.CompareAndSwapBatch(ctx, rec.LocalID, current.Version, current); err == nil {
			break
		} else if !errors.Is(err, storage.ErrVersionConflict) {
			break
		}
	}
	c.log.WithField("local_id", rec.LocalID).
		WithField("local_remote_id", rec.RemoteID).
		WithField("gateway_remote_id", gotRemoteID).
		Error("reconciliation conflict, automatic action halted")
	return rec, fmt.Errorf("batch %s: %s: %w", rec.LocalID, reason, ErrReconciliationConflict)
}

// ProcessInboundEvent acknowledges a gateway event, records the ack, and if
// the referenced batch is Published, advances it to Acknowledged.
func (c *Coordinator) ProcessInboundEvent(ctx context.Context, eventID, batchID, ackedBy, comment string) (batch.EventAck, error) {
	ack := batch.EventAck{
		EventID: eventID,
		BatchID: batchID,
		AckedBy: ackedBy,
		Comment: comment,
		AckedAt: time.Now().UTC(),
	}

	res, err := c.gw.AcknowledgeEvent(ctx, eventID, ack)
	if err != nil {
		return batch.EventAck{}, err
	}
	ack.Status = res.Status

	ack, err = c.acks.CreateEventAck(ctx, ack)
	if err != nil {
		return batch.EventAck{}, fmt.Errorf("persist event ack: %w", err)
	}

	if batchID == "" {
		return ack, nil
	}
	rec, err := c.batches.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.log.WithField("event_id", eventID).
				WithField("batch_id", batchID).
				Warn("acknowledged event references unknown batch")
			return ack, nil
		}
		return ack, err
	}
	if rec.State != batch.StatePublished {
		return ack, nil
	}

	token, release, err := c.acquireLease(ctx, batchID)
	if err != nil {
		return ack, err
	}
	defer release()

	if _, err := c.applyTransition(ctx, batchID, token, batch.EventAcknowledge, func(r *batch.Record) {
		r.AcknowledgedAt = ack.AckedAt
	}); err != nil {
		return ack, err
	}
	return ack, nil
}

// GetEquipment reads equipment reference data through the gateway. Nothing is
// cached locally: equipment is owned by QMIB.
func (c *Coordinator) GetEquipment(ctx context.Context, equipmentID string) (batch.EquipmentRef, error) {
	return c.gw.FetchEquipment(ctx, equipmentID)
}

// GetEquipmentState reads a live equipment status snapshot through the gateway.
func (c *Coordinator) GetEquipmentState(ctx context.Context, equipmentID string) (batch.EquipmentState, error) {
	return c.gw.FetchEquipmentState(ctx, equipmentID)
}

// GetBatch returns a batch record by local id.
func (c *Coordinator) GetBatch(ctx context.Context, localID string) (batch.Record, error) {
	return c.batches.GetBatch(ctx, localID)
}

// ListBatches returns all locally tracked batch records.
func (c *Coordinator) ListBatches(ctx context.Context) ([]batch.Record, error) {
	return c.batches.ListBatches(ctx)
}

// ListEventAcks returns the acknowledgements recorded for a batch.
func (c *Coordinator) ListEventAcks(ctx context.Context, batchID string) ([]batch.EventAck, error) {
	return c.acks.ListEventAcks(ctx, batchID)
}

// Leasing ----------------------------------------------------------------------

// acquireLease claims the record for one operation. The claim is persisted
// through compare-and-swap so it serializes operations across coordinator
// instances sharing one store, not just within this process.
func (c *Coordinator) acquireLease(ctx context.Context, localID string) (token string, release func(), err error) {
	token = c.opts.Instance + ":" + uuid.NewString()

	var lastErr error
	for i := 0; i < c.opts.CASRetries; i++ {
		rec, err := c.batches.GetBatch(ctx, localID)
		if err != nil {
			return "", nil, err
		}
		now := time.Now().UTC()
		if rec.Lease.Held(now) {
			return "", nil, fmt.Errorf("batch %s leased by %s: %w", localID, rec.Lease.Owner, ErrBatchBusy)
		}
		rec.Lease = batch.Lease{Owner: token, ExpiresAt: now.Add(c.opts.LeaseTTL)}
		if _, err := c.batches.CompareAndSwapBatch(ctx, localID, rec.Version, rec); err == nil {
			return token, func() { c.releaseLease(localID, token) }, nil
		} else if !errors.Is(err, storage.ErrVersionConflict) {
			return "", nil, err
		} else {
			lastErr = err
		}
	}
	return "", nil, fmt.Errorf("batch %s: lease contention: %w", localID, lastErr)
}

// releaseLease clears the lease if we still own it. Best effort: an expired
// lease is also released by the next acquirer.
func (c *Coordinator) releaseLease(localID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < c.opts.CASRetries; i++ {
		rec, err := c.batches.GetBatch(ctx, localID)
		if err != nil || rec.Lease.Owner != token {
			return
		}
		rec.Lease = batch.Lease{}
		if _, err := c.batches.CompareAndSwapBatch(ctx, localID, rec.Version, rec); err == nil {
			return
		} else if !errors.Is(err, storage.ErrVersionConflict) {
			return
		}
	}
}

// applyTransition validates the lifecycle transition, applies mutate, and
// persists through compare-and-swap, re-reading on conflict.
func (c *Coordinator) applyTransition(ctx context.Context, localID, token string, ev batch.Event, mutate func(*batch.Record)) (batch.Record, error) {
	var lastErr error
	for i := 0; i < c.opts.CASRetries; i++ {
		rec, err := c.batches.GetBatch(ctx, localID)
		if err != nil {
			return batch.Record{}, err
		}
		if rec.Lease.Owner != token {
			return batch.Record{}, fmt.Errorf("batch %s: lease lost to %s: %w", localID, rec.Lease.Owner, ErrBatchBusy)
		}

		next, err := batch.Next(rec.State, ev)
		if err != nil {
			return rec, err
		}
		rec.State = next
		if mutate != nil {
			mutate(&rec)
		}

		stored, err := c.batches.CompareAndSwapBatch(ctx, localID, rec.Version, rec)
		if err == nil {
			metrics.ObserveTransition(string(ev))
			return stored, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return batch.Record{}, err
		}
		lastErr = err
	}
	return batch.Record{}, fmt.Errorf("batch %s: %s transition: %w", localID, ev, lastErr)
}

// publishPayload builds the execution payload sent to the gateway.
func publishPayload(rec batch.Record) map[string]interface{} {
	payload := map[string]interface{}{
		"localId":    rec.LocalID,
		"templateId": rec.TemplateID,
		"data":       rec.Payload,
	}
	if !rec.StartedAt.IsZero() {
		payload["startedAt"] = rec.StartedAt
	}
	if !rec.CompletedAt.IsZero() {
		payload["completedAt"] = rec.CompletedAt
	}
	return payload
}
