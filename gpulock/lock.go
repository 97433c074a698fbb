// Package gpulock implements the Redis-backed mutual exclusion protecting
// GPU-bound node executions across hosts, plus the monitor that supervises
// holders with leveled timeouts and forced recovery.
//
// A single logical GPU is represented by the key gpu_lock:0 holding the
// token <stage_name>:<task_id>:<acquire_ts>. Release always goes through an
// atomic compare-and-delete, so a timed-out holder can never delete a lock
// owned by its successor.
package gpulock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/kvstore"
	"github.com/wionch/yivideo/workflow"
)

// Key is the lock key for GPU 0. The key's presence encodes exclusion.
const Key = "gpu_lock:0"

// Stat counter fields kept in monitor:stats.
const (
	StatAttempts       = "lock_attempts"
	StatAcquired       = "lock_acquired"
	StatTimeouts       = "lock_timeouts"
	StatReleases       = "lock_releases"
	StatForcedReleases = "forced_releases"
	StatRecoveries     = "recoveries"
	StatZombies        = "zombie_tasks"
)

// Token identifies one lock holder.
type Token struct {
	Stage     string
	TaskID    string
	AcquireTS int64
}

// String renders the on-wire holder value.
func (t Token) String() string {
	return fmt.Sprintf("%s:%s:%d", t.Stage, t.TaskID, t.AcquireTS)
}

// Age returns how long the holder has held the lock.
func (t Token) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(t.AcquireTS, 0))
}

// ParseToken parses a holder value. Stage names never contain colons and the
// timestamp is the final field, so the task_id keeps any interior colons.
func ParseToken(value string) (Token, error) {
	first := strings.Index(value, ":")
	last := strings.LastIndex(value, ":")
	if first < 0 || last <= first {
		return Token{}, fmt.Errorf("malformed lock token %q", value)
	}
	ts, err := strconv.ParseInt(value[last+1:], 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("malformed lock token %q: %w", value, err)
	}
	return Token{
		Stage:     value[:first],
		TaskID:    value[first+1 : last],
		AcquireTS: ts,
	}, nil
}

// Lock acquires and releases the GPU mutex.
type Lock struct {
	store *kvstore.Store
	cfg   config.GPULockConfig
	hb    config.MonitorConfig
	log   *logrus.Entry
}

// New creates the lock primitive.
func New(store *kvstore.Store, cfg config.GPULockConfig, hb config.MonitorConfig, log *logrus.Entry) *Lock {
	return &Lock{
		store: store,
		cfg:   cfg,
		hb:    hb,
		log:   log.WithField("component", "gpulock"),
	}
}

// Handle represents a held lock. Release must be called on every exit path;
// the key TTL covers process death.
type Handle struct {
	lock  *Lock
	token Token

	stopOnce sync.Once
	stop     chan struct{}
	done     sync.WaitGroup
	released bool
	mu       sync.Mutex
}

// Token returns the holder token.
func (h *Handle) Token() Token { return h.token }

// Acquire obtains the lock for one stage execution, waiting with exponential
// backoff up to max_wait_time. A max_wait_time of zero means a single
// immediate attempt. On success the heartbeat loop starts.
func (l *Lock) Acquire(ctx context.Context, stage, taskID string) (*Handle, error) {
	start := time.Now()
	interval := l.cfg.PollInterval

	for {
		token := Token{Stage: stage, TaskID: taskID, AcquireTS: time.Now().Unix()}
		_ = l.store.IncrStat(ctx, StatAttempts)
		ok, err := l.store.SetNX(ctx, Key, token.String(), l.cfg.LockTimeout)
		if err != nil {
			lockAcquisitions.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("gpu lock attempt failed: %w", err)
		}
		if ok {
			lockAcquisitions.WithLabelValues("acquired").Inc()
			lockWaitTime.Observe(time.Since(start).Seconds())
			_ = l.store.IncrStat(ctx, StatAcquired)
			l.log.WithFields(logrus.Fields{
				"task_id": taskID,
				"stage":   stage,
				"waited":  time.Since(start).String(),
			}).Info("gpu lock acquired")

			h := &Handle{lock: l, token: token, stop: make(chan struct{})}
			h.startHeartbeat()
			return h, nil
		}

		waited := time.Since(start)
		if waited+interval > l.cfg.MaxWaitTime {
			lockAcquisitions.WithLabelValues("timeout").Inc()
			_ = l.store.IncrStat(ctx, StatTimeouts)
			return nil, fmt.Errorf("gpu lock not acquired within %s", l.cfg.MaxWaitTime)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		if l.cfg.ExponentialBackoff {
			interval *= 2
			if interval > l.cfg.MaxPollInterval {
				interval = l.cfg.MaxPollInterval
			}
		}
	}
}

// startHeartbeat refreshes task_heartbeat:<task_id> and the lock TTL while
// the holder is alive. The heartbeat key expires well before the lock, so a
// stalled worker surfaces as a zombie before the lock itself times out.
func (h *Handle) startHeartbeat() {
	h.done.Add(1)
	go func() {
		defer h.done.Done()
		ticker := time.NewTicker(h.lock.hb.HeartbeatInterval)
		defer ticker.Stop()

		start := time.Now().Unix()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = h.lock.store.SetHeartbeat(ctx, h.token.TaskID, workflow.Heartbeat{
					Status:     "running",
					Message:    h.token.Stage,
					LastUpdate: time.Now().Unix(),
					StartTime:  start,
				}, h.lock.hb.HeartbeatTimeout)
				_, _ = h.lock.store.CompareAndExpire(ctx, Key, h.token.String(), h.lock.cfg.LockTimeout)
				cancel()
			}
		}
	}()
}

// Release atomically releases the lock iff this handle still owns it. Safe
// to call more than once; later calls are no-ops.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	h.stopOnce.Do(func() { close(h.stop) })
	h.done.Wait()

	deleted, err := h.lock.store.CompareAndDelete(ctx, Key, h.token.String())
	if err != nil {
		return fmt.Errorf("gpu lock release failed: %w", err)
	}
	_ = h.lock.store.DeleteHeartbeat(ctx, h.token.TaskID)
	if deleted {
		_ = h.lock.store.IncrStat(ctx, StatReleases)
		h.lock.log.WithField("task_id", h.token.TaskID).Info("gpu lock released")
	} else {
		// Token no longer matches: the TTL expired or the monitor recovered
		// the lock. A successor's lock must not be touched.
		h.lock.log.WithField("task_id", h.token.TaskID).Warn("gpu lock already held by another token, release skipped")
	}
	return nil
}

// ForceRelease releases the lock on behalf of the observed holder token. A
// token mismatch is a no-op: the problem holder is already gone.
func (l *Lock) ForceRelease(ctx context.Context, observedToken string) (bool, error) {
	deleted, err := l.store.CompareAndDelete(ctx, Key, observedToken)
	if err != nil {
		return false, err
	}
	if deleted {
		forcedReleases.Inc()
		_ = l.store.IncrStat(ctx, StatForcedReleases)
	}
	return deleted, nil
}

// Holder returns the current holder token, or nil when the lock is free.
func (l *Lock) Holder(ctx context.Context) (*Token, error) {
	value, err := l.store.Get(ctx, Key)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}
	token, err := ParseToken(value)
	if err != nil {
		return nil, err
	}
	return &token, nil
}
