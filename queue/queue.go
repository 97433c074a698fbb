// Package queue provides the durable work queue carrying dispatched stage
// executions to the workers, with per-node routing and at-least-once
// delivery. Two backends exist: Redis lists and AMQP durable queues.
package queue

import (
	"time"
)

// Job is one unit of dispatched work. Inputs live in the workflow document;
// the job only routes.
type Job struct {
	JobID      string    `json:"job_id"`
	TaskID     string    `json:"task_id"`
	TaskName   string    `json:"task_name"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
}

// Queue is the backend contract. The queue name is always the task_name.
type Queue interface {
	// Enqueue appends a job to its node's queue.
	Enqueue(job Job) error

	// Dequeue pops the next job from a queue, blocking up to timeout.
	// A nil job with nil error means the wait timed out.
	Dequeue(queueName string, timeout time.Duration) (*Job, error)

	// MarkProcessing records a job as in flight with a deadline, backing the
	// at-least-once accounting.
	MarkProcessing(jobID string, deadline time.Time) error

	// CompleteJob removes a job from the in-flight set.
	CompleteJob(jobID string) error

	// FailJob removes a job from the in-flight set and optionally re-enqueues
	// it with an incremented retry count.
	FailJob(job Job, requeue bool) error

	// Depth returns the number of queued jobs for a node.
	Depth(queueName string) (int, error)

	// Close releases the backend connection.
	Close() error
}
