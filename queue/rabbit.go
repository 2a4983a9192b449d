// Package queue implements the durable pipeline job queue on RabbitMQ.
//
// Delivery semantics are at-least-once: consumers ack only after the
// orchestrator finishes (or decides the job is a duplicate), and duplicate
// deliveries are resolved by the document store's Phase A status check, not
// here. Jobs that exhaust their attempts are published to the dead-letter
// queue for the janitor to reconcile.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/model"
)

// JobPublisher is the enqueue-side contract used by the ingest API.
type JobPublisher interface {
	// Publish enqueues exactly one job for the document.
	Publish(job model.Job) error

	// Close closes the connection to the broker.
	Close() error
}

// JobQueue manages the AMQP connection, the durable job queue, and the
// dead-letter queue.
type JobQueue struct {
	connection AMQPConnection
	channel    AMQPChannel
	cfg        config.BrokerConfig
}

// New connects to RabbitMQ and declares the job and dead-letter queues.
func New(cfg config.BrokerConfig) (*JobQueue, error) {
	return NewWithDialer(cfg, &RealAMQPDialer{})
}

// NewWithDialer creates a JobQueue with an injected dialer for testing.
// Both queues are declared durable so they survive broker restarts; if any
// step fails, previously created resources are closed before returning.
func NewWithDialer(cfg config.BrokerConfig, dialer AMQPDialer) (*JobQueue, error) {
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	for _, name := range []string{cfg.QueueName, cfg.DeadLetterQueue} {
		if name == "" {
			continue
		}
		_, err = ch.QueueDeclare(
			name,  // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	return &JobQueue{connection: conn, channel: ch, cfg: cfg}, nil
}

// Publish enqueues one job. The message is persistent so it survives broker
// restarts together with the durable queue.
func (q *JobQueue) Publish(job model.Job) error {
	return q.publishTo(q.cfg.QueueName, job)
}

// PublishDeadLetter moves an exhausted job to the dead-letter queue.
func (q *JobQueue) PublishDeadLetter(job model.Job) error {
	if q.cfg.DeadLetterQueue == "" {
		return nil
	}
	return q.publishTo(q.cfg.DeadLetterQueue, job)
}

func (q *JobQueue) publishTo(queueName string, job model.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = q.channel.Publish(
		"",        // exchange (default)
		queueName, // routing key (queue name)
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job: %v: %w", err, common.ErrUpstream)
	}

	common.Logger.WithField("document_id", job.DocumentID).Debug("published pipeline job")
	return nil
}

// Delivery pairs a decoded job with its ack handle.
type Delivery struct {
	Job model.Job
	raw amqp.Delivery
}

// Ack acknowledges the delivery, removing it from the queue.
func (d *Delivery) Ack() error {
	return d.raw.Ack(false)
}

// Nack returns the delivery to the queue for redelivery.
func (d *Delivery) Nack(requeue bool) error {
	return d.raw.Nack(false, requeue)
}

// Consume starts a consumer on the job queue and returns a channel of
// decoded deliveries. Malformed payloads are acked and dropped with a log
// line; they can never succeed and would otherwise poison the queue.
func (q *JobQueue) Consume(consumerTag string) (<-chan Delivery, error) {
	deliveries, err := q.channel.Consume(
		q.cfg.QueueName, // queue
		consumerTag,     // consumer
		false,           // auto-ack: acks are explicit after Phase C
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer: %v: %w", err, common.ErrUpstream)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for raw := range deliveries {
			var job model.Job
			if err := json.Unmarshal(raw.Body, &job); err != nil {
				common.Logger.WithError(err).Error("dropping malformed job payload")
				_ = raw.Ack(false)
				continue
			}
			out <- Delivery{Job: job, raw: raw}
		}
	}()
	return out, nil
}

// ConsumeDeadLetters starts a consumer on the dead-letter queue for the
// janitor's reconciliation sweep.
func (q *JobQueue) ConsumeDeadLetters(consumerTag string) (<-chan Delivery, error) {
	if q.cfg.DeadLetterQueue == "" {
		ch := make(chan Delivery)
		close(ch)
		return ch, nil
	}

	deliveries, err := q.channel.Consume(q.cfg.DeadLetterQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start DLQ consumer: %v: %w", err, common.ErrUpstream)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for raw := range deliveries {
			var job model.Job
			if err := json.Unmarshal(raw.Body, &job); err != nil {
				_ = raw.Ack(false)
				continue
			}
			out <- Delivery{Job: job, raw: raw}
		}
	}()
	return out, nil
}

// Depth reports the number of ready jobs, for health details.
func (q *JobQueue) Depth() (int, error) {
	info, err := q.channel.QueueInspect(q.cfg.QueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return info.Messages, nil
}

// Close closes the channel and connection.
func (q *JobQueue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.connection != nil {
		q.connection.Close()
	}
	return nil
}
