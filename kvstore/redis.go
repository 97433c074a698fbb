// Package kvstore provides the Redis adapter backing workflow state
// documents, task heartbeats, monitoring counters, and the atomic scripts
// used by the distributed GPU lock.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wionch/yivideo/workflow"
)

// Key layout. The lock key lives in the gpulock package; everything else is
// owned here.
const (
	workflowKeyPrefix  = "workflow:"
	heartbeatKeyPrefix = "task_heartbeat:"
	statsKey           = "monitor:stats"
)

// opTimeout bounds every individual Redis round trip.
const opTimeout = 5 * time.Second

// compareAndDelete deletes the key only while it still holds the expected
// value. This is the release primitive that removes the GET-then-DEL race.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// compareAndExpire refreshes the TTL only while the key still holds the
// expected value, so a successor's lock is never extended by a predecessor.
var compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Store wraps a Redis client with the orchestration core's key layout.
type Store struct {
	client *redis.Client
}

// New connects to Redis using a redis:// URL and verifies the connection.
func New(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client. Used by tests and by components
// that share one connection pool.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying connection for components that share it
// (work queue, GPU lock).
func (s *Store) Client() *redis.Client { return s.client }

// Close closes the underlying connection.
func (s *Store) Close() error { return s.client.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// WorkflowKey returns the document key for a task.
func WorkflowKey(taskID string) string { return workflowKeyPrefix + taskID }

// HeartbeatKey returns the heartbeat key for a task.
func HeartbeatKey(taskID string) string { return heartbeatKeyPrefix + taskID }

// GetWorkflow loads a workflow document. A missing document returns
// (nil, nil).
func (s *Store) GetWorkflow(ctx context.Context, taskID string) (*workflow.Context, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, WorkflowKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", taskID, err)
	}

	var wf workflow.Context
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", taskID, err)
	}
	return &wf, nil
}

// SaveWorkflow persists the entire document. Serialization of writers is the
// state manager's job; this is a plain last-writer-wins SET.
func (s *Store) SaveWorkflow(ctx context.Context, wf *workflow.Context) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", wf.WorkflowID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.Set(ctx, WorkflowKey(wf.WorkflowID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", wf.WorkflowID, err)
	}
	return nil
}

// SetHeartbeat writes the liveness record with the given TTL.
func (s *Store) SetHeartbeat(ctx context.Context, taskID string, hb workflow.Heartbeat, ttl time.Duration) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat for %s: %w", taskID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Set(ctx, HeartbeatKey(taskID), data, ttl).Err()
}

// GetHeartbeat loads one heartbeat. Missing returns (nil, nil).
func (s *Store) GetHeartbeat(ctx context.Context, taskID string) (*workflow.Heartbeat, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, HeartbeatKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var hb workflow.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("failed to decode heartbeat for %s: %w", taskID, err)
	}
	return &hb, nil
}

// DeleteHeartbeat removes a task's heartbeat record.
func (s *Store) DeleteHeartbeat(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Del(ctx, HeartbeatKey(taskID)).Err()
}

// AllHeartbeats scans every live heartbeat, keyed by task_id.
func (s *Store) AllHeartbeats(ctx context.Context) (map[string]workflow.Heartbeat, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result := map[string]workflow.Heartbeat{}
	iter := s.client.Scan(ctx, 0, heartbeatKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, err
		}
		var hb workflow.Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			continue // skip unreadable records, they expire on their own
		}
		result[key[len(heartbeatKeyPrefix):]] = hb
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// IncrStat increments one monitoring counter.
func (s *Store) IncrStat(ctx context.Context, field string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.HIncrBy(ctx, statsKey, field, 1).Err()
}

// Stats returns all monitoring counters.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int64, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		stats[field] = n
	}
	return stats, nil
}

// SetNX sets the key only if absent, with a TTL. Returns whether the key was
// set. This is the lock acquisition primitive.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Get returns the raw value at key. Missing returns ("", nil).
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return value, err
}

// TTL returns the remaining lifetime of key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.TTL(ctx, key).Result()
}

// CompareAndDelete atomically deletes key iff it still holds expected.
// Returns whether a delete happened.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, expected).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompareAndExpire atomically refreshes the TTL iff key still holds expected.
// Returns whether the TTL was refreshed.
func (s *Store) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	n, err := compareAndExpire.Run(ctx, s.client, []string{key}, expected, seconds).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
