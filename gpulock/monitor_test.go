package gpulock

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wionch/yivideo/callback"
	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/kvstore"
	"github.com/wionch/yivideo/statemanager"
	"github.com/wionch/yivideo/workflow"
)

type monitorFixture struct {
	monitor   *Monitor
	lock      *Lock
	store     *kvstore.Store
	states    *statemanager.Manager
	mr        *miniredis.Miniredis
	callbacks *atomic.Int32
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.NewFromClient(client)
	log := logrus.NewEntry(logrus.New())

	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Load(v)
	require.NoError(t, err)

	states := statemanager.New(store, nil, cfg, log)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	sender := callback.NewSender(config.CallbackConfig{
		Timeout:       time.Second,
		MaxRetries:    0,
		RetryInterval: time.Millisecond,
	}, log)

	lock := New(store, lockConfig(), monitorConfig(), log)
	bus := NewCancelBus(client, log)
	monitor := NewMonitor(store, lock, states, sender, bus, monitorConfig(), log)

	// Seed a workflow whose callback points at the test server.
	_, err = states.CreateOrTouch(context.Background(), "t1", workflow.InputParams{
		TaskName:    "paddleocr.perform_ocr",
		CallbackURL: srv.URL,
	})
	require.NoError(t, err)

	return &monitorFixture{monitor: monitor, lock: lock, store: store, states: states, mr: mr, callbacks: &calls}
}

// seedHolder plants a lock token acquired ago before now.
func (f *monitorFixture) seedHolder(t *testing.T, stage, taskID string, ago time.Duration) Token {
	t.Helper()
	token := Token{Stage: stage, TaskID: taskID, AcquireTS: time.Now().Add(-ago).Unix()}
	ok, err := f.store.SetNX(context.Background(), Key, token.String(), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	return token
}

func TestMonitorHardTimeoutForcesReleaseAndFailsStage(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	f.seedHolder(t, "paddleocr.perform_ocr", "t1", time.Hour)
	f.monitor.Tick(ctx)

	holder, err := f.lock.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder, "lock force-released")

	wf, err := f.states.Get(ctx, "t1")
	require.NoError(t, err)
	stage := wf.Stage("paddleocr.perform_ocr")
	require.NotNil(t, stage)
	assert.Equal(t, workflow.StageFailed, stage.Status)
	require.NotNil(t, stage.Error)
	assert.Contains(t, *stage.Error, "hard timeout")

	// The monitor owns the terminal transition, so it sent the callback.
	assert.Eventually(t, func() bool { return f.callbacks.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, workflow.CallbackSent, wfCallbackStatus(t, f, "t1"))

	// A follow-up acquire succeeds on the first attempt.
	h, err := f.lock.Acquire(ctx, "paddleocr.perform_ocr", "t2")
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func wfCallbackStatus(t *testing.T, f *monitorFixture, taskID string) string {
	t.Helper()
	var status string
	require.Eventually(t, func() bool {
		wf, err := f.states.Get(context.Background(), taskID)
		if err != nil || wf == nil {
			return false
		}
		status = wf.CallbackStatus
		return status != workflow.CallbackPending
	}, time.Second, 10*time.Millisecond)
	return status
}

func TestMonitorSoftTimeoutSignalsThenRecovers(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	// Past soft timeout, before hard timeout.
	token := f.seedHolder(t, "paddleocr.perform_ocr", "t1", 45*time.Second)

	received := make(chan string, 1)
	bus := NewCancelBus(redis.NewClient(&redis.Options{Addr: f.mr.Addr()}), logrus.NewEntry(logrus.New()))
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	bus.Subscribe(subCtx, func(tok string) { received <- tok })
	time.Sleep(50 * time.Millisecond) // let the subscription establish

	// First tick: cancellation is signalled, lock untouched.
	f.monitor.Tick(ctx)
	select {
	case tok := <-received:
		assert.Equal(t, token.String(), tok)
	case <-time.After(time.Second):
		t.Fatal("expected cancellation signal")
	}
	holder, err := f.lock.Holder(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)

	// After the grace window the next tick recovers the lock.
	time.Sleep(40 * time.Millisecond) // grace = 3 * 10ms
	f.monitor.Tick(ctx)

	holder, err = f.lock.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)

	wf, err := f.states.Get(ctx, "t1")
	require.NoError(t, err)
	stage := wf.Stage("paddleocr.perform_ocr")
	require.NotNil(t, stage)
	assert.Equal(t, workflow.StageFailed, stage.Status)
	assert.Contains(t, *stage.Error, "soft timeout")
}

func TestMonitorWarningLeavesHolderAlone(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	f.seedHolder(t, "paddleocr.perform_ocr", "t1", 15*time.Second) // past warning only
	f.monitor.Tick(ctx)

	holder, err := f.lock.Holder(ctx)
	require.NoError(t, err)
	assert.NotNil(t, holder)
	assert.Equal(t, int32(0), f.callbacks.Load())
}

func TestMonitorZombieDetection(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	// A heartbeat that stopped refreshing long ago.
	stale := workflow.Heartbeat{
		Status:     "running",
		Message:    "paddleocr.perform_ocr",
		LastUpdate: time.Now().Add(-time.Hour).Unix(),
		StartTime:  time.Now().Add(-time.Hour).Unix(),
	}
	require.NoError(t, f.store.SetHeartbeat(ctx, "t1", stale, time.Hour))

	f.monitor.Tick(ctx)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[StatZombies])

	// Flag is sticky within the same staleness episode: no double counting.
	f.monitor.Tick(ctx)
	stats, err = f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[StatZombies])
}

func TestMonitorStatus(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	status, err := f.monitor.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.Holder)

	f.seedHolder(t, "a.node", "t1", 5*time.Second)
	status, err = f.monitor.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, status.Holder, "a.node:t1:")
	assert.GreaterOrEqual(t, status.HolderAge, 4.0)
	_ = fmt.Sprintf("%v", status.Stats)
}
