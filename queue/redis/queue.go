// Package redis implements the work queue on Redis lists: RPush/BLPop per
// node queue plus a processing ZSET for at-least-once accounting.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wionch/yivideo/queue"
)

// Queue is the Redis-backed work queue.
type Queue struct {
	client *redis.Client
	prefix string
}

// New wraps a shared Redis client. The prefix namespaces all queue keys
// (e.g. "queue:").
func New(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "queue:"
	}
	return &Queue{client: client, prefix: prefix}
}

// Close is a no-op: the client is shared and owned by the caller.
func (q *Queue) Close() error { return nil }

func (q *Queue) queueKey(name string) string { return q.prefix + name }

func (q *Queue) processingKey() string { return q.prefix + "processing" }

// Enqueue appends a job to its node's queue.
func (q *Queue) Enqueue(job queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.client.RPush(ctx, q.queueKey(job.TaskName), data).Err()
}

// Dequeue pops the next job, blocking up to timeout. A fresh context is used
// per call so long-lived workers never inherit an expired one.
func (q *Queue) Dequeue(queueName string, timeout time.Duration) (*queue.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	result, err := q.client.BLPop(ctx, timeout, q.queueKey(queueName)).Result()
	if err == redis.Nil {
		return nil, nil // timed out, no job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", queueName, err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job queue.Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// MarkProcessing adds the job to the processing set with its deadline.
func (q *Queue) MarkProcessing(jobID string, deadline time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.client.ZAdd(ctx, q.processingKey(), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: jobID,
	}).Err()
}

// CompleteJob removes the job from the processing set.
func (q *Queue) CompleteJob(jobID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.client.ZRem(ctx, q.processingKey(), jobID).Err()
}

// FailJob removes the job from the processing set and optionally re-enqueues
// it.
func (q *Queue) FailJob(job queue.Job, requeue bool) error {
	if err := q.CompleteJob(job.JobID); err != nil {
		return err
	}
	if !requeue {
		return nil
	}
	job.RetryCount++
	job.EnqueuedAt = time.Now().UTC()
	return q.Enqueue(job)
}

// Depth returns the number of queued jobs for a node.
func (q *Queue) Depth(queueName string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := q.client.LLen(ctx, q.queueKey(queueName)).Result()
	return int(n), err
}

// IsProcessing reports whether a job is currently in flight.
func (q *Queue) IsProcessing(jobID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.client.ZScore(ctx, q.processingKey(), jobID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
