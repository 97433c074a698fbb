package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wionch/yivideo/workflow"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client), mr
}

func TestWorkflowRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetWorkflow(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	wf := workflow.NewContext("t1", workflow.InputParams{
		TaskName:    "ffmpeg.extract_audio",
		InputData:   map[string]interface{}{"video_path": "/share/in/a.mp4"},
		CallbackURL: "http://cb/e1",
	}, "/share/workflows/t1", time.Now().UTC())
	stage := workflow.NewStageExecution(workflow.StageSuccess)
	stage.Output["audio_path"] = "/share/workflows/t1/a.wav"
	stage.Duration = 3.25
	wf.Stages["ffmpeg.extract_audio"] = stage

	require.NoError(t, store.SaveWorkflow(ctx, wf))

	loaded, err := store.GetWorkflow(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "SUCCESS", loaded.Stages["ffmpeg.extract_audio"].Status)
	assert.Equal(t, 3.25, loaded.Stages["ffmpeg.extract_audio"].Duration)
	assert.Equal(t, "http://cb/e1", loaded.InputParams.CallbackURL)
}

func TestHeartbeats(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	hb := workflow.Heartbeat{
		Status:     "running",
		Progress:   0.4,
		Message:    "transcribing",
		LastUpdate: time.Now().Unix(),
		StartTime:  time.Now().Unix(),
	}
	require.NoError(t, store.SetHeartbeat(ctx, "t1", hb, time.Minute))
	require.NoError(t, store.SetHeartbeat(ctx, "t2", hb, time.Minute))

	got, err := store.GetHeartbeat(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.4, got.Progress)

	all, err := store.AllHeartbeats(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// TTL expiry removes the record.
	mr.FastForward(2 * time.Minute)
	gone, err := store.GetHeartbeat(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, gone)

	require.NoError(t, store.DeleteHeartbeat(ctx, "t2"))
	all, err = store.AllHeartbeats(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStats(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.IncrStat(ctx, "lock_attempts"))
	require.NoError(t, store.IncrStat(ctx, "lock_attempts"))
	require.NoError(t, store.IncrStat(ctx, "lock_timeouts"))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["lock_attempts"])
	assert.Equal(t, int64(1), stats["lock_timeouts"])
}

func TestSetNXAndCompareAndDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "gpu_lock:0", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquire fails while held.
	ok, err = store.SetNX(ctx, "gpu_lock:0", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong token release is a no-op.
	deleted, err := store.CompareAndDelete(ctx, "gpu_lock:0", "holder-b")
	require.NoError(t, err)
	assert.False(t, deleted)

	value, err := store.Get(ctx, "gpu_lock:0")
	require.NoError(t, err)
	assert.Equal(t, "holder-a", value)

	// Matching token deletes.
	deleted, err = store.CompareAndDelete(ctx, "gpu_lock:0", "holder-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	value, err = store.Get(ctx, "gpu_lock:0")
	require.NoError(t, err)
	assert.Equal(t, "", value)
}

func TestCompareAndExpire(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "gpu_lock:0", "holder-a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	refreshed, err := store.CompareAndExpire(ctx, "gpu_lock:0", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, refreshed)

	ttl, err := store.TTL(ctx, "gpu_lock:0")
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)

	// Token mismatch refuses to refresh.
	refreshed, err = store.CompareAndExpire(ctx, "gpu_lock:0", "holder-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, refreshed)

	// Lock expiry frees the key for the next acquire.
	mr.FastForward(2 * time.Minute)
	ok, err = store.SetNX(ctx, "gpu_lock:0", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
