// Package worker runs the pipeline worker pool: a configured number of
// goroutines consuming job deliveries from the broker and handing each to
// the orchestrator. Concurrency is additionally bounded broker-side by the
// channel prefetch, so a slow pool never accumulates unacked deliveries.
package worker

import (
	"context"
	"sync"

	"brant.roofing.org/common"
	"brant.roofing.org/model"
	"brant.roofing.org/queue"
)

// Processor handles one job delivery. A nil return acks the delivery; an
// error nacks it back to the queue for redelivery.
type Processor interface {
	Process(ctx context.Context, job model.Job) error
}

// Consumer is the broker-side contract the pool drains.
type Consumer interface {
	Consume(consumerTag string) (<-chan queue.Delivery, error)
}

// Pool fans deliveries out to a fixed set of workers.
type Pool struct {
	consumer    Consumer
	processor   Processor
	concurrency int

	wg sync.WaitGroup
}

// NewPool builds a Pool with the given concurrency.
func NewPool(consumer Consumer, processor Processor, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Pool{consumer: consumer, processor: processor, concurrency: concurrency}
}

// Run starts the workers and blocks until ctx is cancelled and all in-flight
// jobs have finished. In-flight jobs are allowed to complete; their Phase C
// commit must not be interrupted by shutdown.
func (p *Pool) Run(ctx context.Context, consumerTag string) error {
	deliveries, err := p.consumer.Consume(consumerTag)
	if err != nil {
		return err
	}

	common.Logger.WithField("concurrency", p.concurrency).Info("worker pool starting")
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.work(ctx, i, deliveries)
	}
	p.wg.Wait()
	common.Logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, id int, deliveries <-chan queue.Delivery) {
	defer p.wg.Done()
	log := common.Logger.WithField("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := p.processor.Process(ctx, d.Job); err != nil {
				log.WithError(err).WithField("document_id", d.Job.DocumentID).
					Warn("job processing failed, returning delivery to queue")
				if nerr := d.Nack(true); nerr != nil {
					log.WithError(nerr).Warn("failed to nack delivery")
				}
				continue
			}
			if err := d.Ack(); err != nil {
				log.WithError(err).Warn("failed to ack delivery")
			}
		}
	}
}
