package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// AMQPQueue implements the work queue on RabbitMQ durable queues, one per
// node name. The broker's unacked-delivery tracking provides the
// at-least-once accounting, so MarkProcessing is bookkeeping only.
type AMQPQueue struct {
	conn    AMQPConnection
	channel AMQPChannel
	prefix  string

	mu        sync.Mutex
	declared  map[string]bool
	inFlight  map[string]amqp.Delivery // job_id -> pending delivery
}

// NewAMQPQueue connects to the broker at url.
func NewAMQPQueue(url, prefix string) (*AMQPQueue, error) {
	return NewAMQPQueueWithDialer(&RealAMQPDialer{}, url, prefix)
}

// NewAMQPQueueWithDialer allows injecting a dialer for tests.
func NewAMQPQueueWithDialer(dialer AMQPDialer, url, prefix string) (*AMQPQueue, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if prefix == "" {
		prefix = "queue:"
	}
	return &AMQPQueue{
		conn:     conn,
		channel:  ch,
		prefix:   prefix,
		declared: map[string]bool{},
		inFlight: map[string]amqp.Delivery{},
	}, nil
}

// Close shuts the channel and connection down.
func (q *AMQPQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}

func (q *AMQPQueue) queueName(taskName string) string { return q.prefix + taskName }

// ensureQueue declares the durable queue once per name.
func (q *AMQPQueue) ensureQueue(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[name] {
		return nil
	}
	if _, err := q.channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	q.declared[name] = true
	return nil
}

// Enqueue publishes the job to its node's durable queue.
func (q *AMQPQueue) Enqueue(job Job) error {
	name := q.queueName(job.TaskName)
	if err := q.ensureQueue(name); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.channel.Publish("", name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Dequeue polls the queue until a job arrives or the timeout elapses. The
// delivery stays unacked until CompleteJob or FailJob.
func (q *AMQPQueue) Dequeue(queueName string, timeout time.Duration) (*Job, error) {
	name := q.queueName(queueName)
	if err := q.ensureQueue(name); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		delivery, ok, err := q.channel.Get(name, false)
		if err != nil {
			return nil, fmt.Errorf("failed to get from %s: %w", name, err)
		}
		if ok {
			var job Job
			if err := json.Unmarshal(delivery.Body, &job); err != nil {
				_ = q.channel.Nack(delivery.DeliveryTag, false, false)
				return nil, fmt.Errorf("failed to unmarshal job: %w", err)
			}
			q.mu.Lock()
			q.inFlight[job.JobID] = delivery
			q.mu.Unlock()
			return &job, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// MarkProcessing is satisfied by the broker's unacked tracking.
func (q *AMQPQueue) MarkProcessing(jobID string, deadline time.Time) error { return nil }

// CompleteJob acks the pending delivery.
func (q *AMQPQueue) CompleteJob(jobID string) error {
	q.mu.Lock()
	delivery, ok := q.inFlight[jobID]
	delete(q.inFlight, jobID)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return q.channel.Ack(delivery.DeliveryTag, false)
}

// FailJob settles the delivery. Without requeue it is nacked and dropped;
// with requeue the job is republished with an incremented retry count and
// the original delivery is acked.
func (q *AMQPQueue) FailJob(job Job, requeue bool) error {
	q.mu.Lock()
	delivery, ok := q.inFlight[job.JobID]
	delete(q.inFlight, job.JobID)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if !requeue {
		return q.channel.Nack(delivery.DeliveryTag, false, false)
	}
	job.RetryCount++
	job.EnqueuedAt = time.Now().UTC()
	if err := q.Enqueue(job); err != nil {
		_ = q.channel.Nack(delivery.DeliveryTag, false, true)
		return err
	}
	return q.channel.Ack(delivery.DeliveryTag, false)
}

// Depth inspects the queue's message count.
func (q *AMQPQueue) Depth(queueName string) (int, error) {
	name := q.queueName(queueName)
	if err := q.ensureQueue(name); err != nil {
		return 0, err
	}
	info, err := q.channel.QueueInspect(name)
	if err != nil {
		return 0, err
	}
	return info.Messages, nil
}
