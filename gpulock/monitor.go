package gpulock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wionch/yivideo/callback"
	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/kvstore"
	"github.com/wionch/yivideo/statemanager"
	"github.com/wionch/yivideo/workflow"
)

// Monitor supervises the lock holder and task heartbeats with the leveled
// timeout policy: warning logs, soft timeouts signal cooperative
// cancellation with a bounded grace window, hard timeouts force release.
// The monitor owns the terminal transition for forced failures and therefore
// also issues the callback.
type Monitor struct {
	store  *kvstore.Store
	lock   *Lock
	states *statemanager.Manager
	sender *callback.Sender
	bus    *CancelBus
	cfg    config.MonitorConfig
	log    *logrus.Entry

	mu        sync.Mutex
	signalled map[string]time.Time // holder token -> grace deadline
	flagged   map[string]time.Time // task_id -> zombie flag time

	stopOnce sync.Once
	stop     chan struct{}
	done     sync.WaitGroup
}

// NewMonitor creates the supervisor.
func NewMonitor(store *kvstore.Store, lock *Lock, states *statemanager.Manager,
	sender *callback.Sender, bus *CancelBus, cfg config.MonitorConfig, log *logrus.Entry) *Monitor {
	return &Monitor{
		store:     store,
		lock:      lock,
		states:    states,
		sender:    sender,
		bus:       bus,
		cfg:       cfg,
		log:       log.WithField("component", "gpulock-monitor"),
		signalled: map[string]time.Time{},
		flagged:   map[string]time.Time{},
		stop:      make(chan struct{}),
	}
}

// Start begins polling. No-op when the monitor is disabled by config.
func (m *Monitor) Start(ctx context.Context) {
	if !m.cfg.Enabled {
		m.log.Info("gpu lock monitor disabled")
		return
	}
	m.done.Add(1)
	go func() {
		defer m.done.Done()
		ticker := time.NewTicker(m.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.done.Wait()
}

// Tick runs one supervision pass. Exposed for tests.
func (m *Monitor) Tick(ctx context.Context) {
	m.superviseHolder(ctx, time.Now())
	m.scanHeartbeats(ctx, time.Now())
}

func (m *Monitor) superviseHolder(ctx context.Context, now time.Time) {
	holder, err := m.lock.Holder(ctx)
	if err != nil {
		m.log.WithError(err).Warn("failed to read lock holder")
		return
	}
	if holder == nil {
		holderAge.Set(0)
		m.mu.Lock()
		m.signalled = map[string]time.Time{}
		m.mu.Unlock()
		return
	}

	age := holder.Age(now)
	holderAge.Set(age.Seconds())

	switch {
	case age >= m.cfg.HardTimeout:
		m.log.WithFields(logrus.Fields{
			"token": holder.String(),
			"age":   age.String(),
		}).Error("gpu lock hard timeout, forcing release")
		m.recover(ctx, *holder, fmt.Sprintf(
			"gpu lock hard timeout: stage held the lock for %s (limit %s)", age.Round(time.Second), m.cfg.HardTimeout))

	case age >= m.cfg.SoftTimeout:
		m.handleSoftTimeout(ctx, *holder, age, now)

	case age >= m.cfg.Warning:
		m.log.WithFields(logrus.Fields{
			"token": holder.String(),
			"age":   age.String(),
		}).Warn("gpu lock held past warning threshold")
	}
}

// handleSoftTimeout signals cooperative cancellation once per holder, then
// escalates after the grace window.
func (m *Monitor) handleSoftTimeout(ctx context.Context, holder Token, age time.Duration, now time.Time) {
	token := holder.String()

	m.mu.Lock()
	deadline, already := m.signalled[token]
	if !already {
		grace := m.cfg.CleanupRetryDelay * time.Duration(m.cfg.CleanupMaxRetry)
		m.signalled[token] = now.Add(grace)
		m.mu.Unlock()

		m.log.WithFields(logrus.Fields{
			"token": token,
			"age":   age.String(),
		}).Warn("gpu lock soft timeout, signalling cancellation")
		if err := m.bus.Publish(ctx, token); err != nil {
			m.log.WithError(err).Warn("failed to publish cancellation signal")
		}
		return
	}
	m.mu.Unlock()

	if now.Before(deadline) {
		return // still inside the grace window
	}

	m.log.WithField("token", token).Warn("grace window elapsed without release, recovering")
	m.recover(ctx, holder, fmt.Sprintf(
		"gpu lock soft timeout: stage did not release within the grace window after %s", age.Round(time.Second)))
}

// recover performs the bounded forced-release sequence and, when auto
// recovery is enabled, transitions the stage to FAILED and issues the
// callback.
func (m *Monitor) recover(ctx context.Context, holder Token, reason string) {
	token := holder.String()

	released := false
	for attempt := 0; attempt < m.cfg.CleanupMaxRetry; attempt++ {
		deleted, err := m.lock.ForceRelease(ctx, token)
		if err == nil {
			// deleted=false means the token already changed: the lock is no
			// longer the problem.
			released = true
			if deleted {
				_ = m.store.IncrStat(ctx, StatRecoveries)
			}
			break
		}
		m.log.WithError(err).WithField("attempt", attempt+1).Warn("forced release attempt failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.CleanupRetryDelay):
		}
	}
	if !released {
		m.log.WithField("token", token).Error("forced release exhausted retries")
		return
	}

	m.mu.Lock()
	delete(m.signalled, token)
	m.mu.Unlock()

	if !m.cfg.AutoRecovery {
		return
	}
	m.failStage(ctx, holder, reason)
}

// failStage marks the holder's stage FAILED and fires the terminal callback.
// The monitor decided the terminal transition, so the monitor owns delivery.
func (m *Monitor) failStage(ctx context.Context, holder Token, reason string) {
	stage := workflow.NewStageExecution(workflow.StageFailed)
	stage.Error = &reason
	stage.Duration = holder.Age(time.Now()).Seconds()

	wf, err := m.states.RecordStageTerminal(ctx, holder.TaskID, holder.Stage, stage, nil)
	if err != nil {
		m.log.WithError(err).WithField("task_id", holder.TaskID).Error("failed to record timeout failure")
		return
	}
	_ = m.store.DeleteHeartbeat(ctx, holder.TaskID)

	url := wf.InputParams.CallbackURL
	if url == "" {
		return
	}
	status := workflow.CallbackSent
	if err := m.sender.Send(ctx, url, callback.NewPayload(wf)); err != nil {
		m.log.WithError(err).Warn("forced-failure callback delivery failed")
		status = workflow.CallbackFailed
	}
	if _, err := m.states.SetCallbackStatus(ctx, holder.TaskID, status); err != nil {
		m.log.WithError(err).Warn("failed to record callback status")
	}
}

// scanHeartbeats flags zombie tasks whose heartbeat stopped refreshing. A
// zombie holding the lock is handed to the leveled-timeout machinery.
func (m *Monitor) scanHeartbeats(ctx context.Context, now time.Time) {
	beats, err := m.store.AllHeartbeats(ctx)
	if err != nil {
		m.log.WithError(err).Warn("heartbeat scan failed")
		return
	}

	holder, _ := m.lock.Holder(ctx)

	for taskID, hb := range beats {
		stale := now.Sub(time.Unix(hb.LastUpdate, 0))
		if stale <= m.cfg.HeartbeatTimeout {
			m.mu.Lock()
			delete(m.flagged, taskID)
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		_, seen := m.flagged[taskID]
		if !seen {
			m.flagged[taskID] = now
		}
		m.mu.Unlock()
		if seen {
			continue
		}

		zombieTasks.Inc()
		_ = m.store.IncrStat(ctx, StatZombies)
		m.log.WithFields(logrus.Fields{
			"task_id": taskID,
			"stale":   stale.String(),
		}).Warn("task heartbeat stale, flagged as zombie")

		if holder != nil && holder.TaskID == taskID {
			// Reuse the soft-timeout path: signal first, recover after grace.
			m.handleSoftTimeout(ctx, *holder, holder.Age(now), now)
		}
	}
}

// Status is the read-only monitoring snapshot served over HTTP.
type Status struct {
	Holder    string           `json:"holder,omitempty"`
	HolderAge float64          `json:"holder_age_seconds,omitempty"`
	Stats     map[string]int64 `json:"stats"`
}

// Status reports the current holder and counters.
func (m *Monitor) Status(ctx context.Context) (*Status, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	status := &Status{Stats: stats}
	holder, err := m.lock.Holder(ctx)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		status.Holder = holder.String()
		status.HolderAge = holder.Age(time.Now()).Seconds()
	}
	return status, nil
}
