package pipeline

import (
	"context"
	"time"

	"brant.roofing.org/common"
	"brant.roofing.org/model"
	"brant.roofing.org/queue"
)

// JanitorStore is the store surface the janitor sweeps against.
type JanitorStore interface {
	RecoverExpiredLeases(ctx context.Context, maxAttempts int) ([]model.Document, error)
	MarkFailedFromDLQ(ctx context.Context, id string) error
}

// DeadLetterConsumer is the DLQ-side broker contract.
type DeadLetterConsumer interface {
	ConsumeDeadLetters(consumerTag string) (<-chan queue.Delivery, error)
}

// Janitor recovers documents whose worker died mid-job and reconciles
// dead-lettered jobs to FAILED rows. Every worker process runs one; the
// sweep is idempotent so overlapping janitors are harmless.
type Janitor struct {
	store       JanitorStore
	publisher   Publisher
	dlq         DeadLetterConsumer
	interval    time.Duration
	maxAttempts int
}

// NewJanitor builds a Janitor sweeping at the given interval.
func NewJanitor(st JanitorStore, publisher Publisher, dlq DeadLetterConsumer, interval time.Duration, maxAttempts int) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Janitor{store: st, publisher: publisher, dlq: dlq, interval: interval, maxAttempts: maxAttempts}
}

// Run blocks until ctx is done, sweeping leases on a ticker and draining
// the dead-letter queue as entries arrive.
func (j *Janitor) Run(ctx context.Context) {
	if j.dlq != nil {
		go j.reconcileDeadLetters(ctx)
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep recovers expired leases and re-enqueues the recovered documents.
func (j *Janitor) sweep(ctx context.Context) {
	recovered, err := j.store.RecoverExpiredLeases(ctx, j.maxAttempts)
	if err != nil {
		common.Logger.WithError(err).Error("janitor lease sweep failed")
		return
	}
	for _, doc := range recovered {
		job := model.Job{DocumentID: doc.ID, Attempt: doc.AttemptCount, EnqueuedAt: time.Now().UTC()}
		if err := j.publisher.Publish(job); err != nil {
			// The row stays PENDING with no queue entry; operators must
			// re-enqueue it once the broker recovers.
			common.Logger.WithError(err).WithField("document_id", doc.ID).
				Error("janitor failed to requeue recovered document")
			continue
		}
		common.Logger.WithField("document_id", doc.ID).
			WithField("attempt", doc.AttemptCount).Info("janitor requeued document")
	}
}

// reconcileDeadLetters marks the documents behind dead-lettered jobs as
// FAILED. Terminal rows are left untouched by the store.
func (j *Janitor) reconcileDeadLetters(ctx context.Context) {
	deliveries, err := j.dlq.ConsumeDeadLetters("janitor")
	if err != nil {
		common.Logger.WithError(err).Error("janitor could not consume dead-letter queue")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := j.store.MarkFailedFromDLQ(ctx, d.Job.DocumentID); err != nil {
				common.Logger.WithError(err).WithField("document_id", d.Job.DocumentID).
					Error("janitor failed to reconcile dead letter")
				if err := d.Nack(true); err != nil {
					common.Logger.WithError(err).Warn("failed to nack dead letter")
				}
				continue
			}
			if err := d.Ack(); err != nil {
				common.Logger.WithError(err).Warn("failed to ack dead letter")
			}
			common.Logger.WithField("document_id", d.Job.DocumentID).Info("dead letter reconciled to FAILED")
		}
	}
}
