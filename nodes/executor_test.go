package nodes

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/gpulock"
	"github.com/wionch/yivideo/kvstore"
	"github.com/wionch/yivideo/statemanager"
	"github.com/wionch/yivideo/workflow"
)

type executorFixture struct {
	executor *Executor
	states   *statemanager.Manager
	store    *kvstore.Store
	lock     *gpulock.Lock
	cfg      *config.Config
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kvstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	log := logrus.NewEntry(logrus.New())

	v := viper.New()
	config.SetDefaults(v)
	v.Set("storage.shared_path", t.TempDir())
	v.Set("core.auto_upload_to_minio", false)
	v.Set("ffmpeg.binary", "false") // any invocation fails fast
	cfg, err := config.Load(v)
	require.NoError(t, err)

	states := statemanager.New(store, nil, cfg, log)
	lock := gpulock.New(store, cfg.GPULock, cfg.Monitor, log)
	engines := NewEngineClient(cfg.Engines, log)
	executor := NewExecutor(NewRegistry(), states, lock, engines, nil, cfg, log)

	return &executorFixture{executor: executor, states: states, store: store, lock: lock, cfg: cfg}
}

func (f *executorFixture) seedTask(t *testing.T, taskID, taskName string, inputData map[string]interface{}) {
	t.Helper()
	_, err := f.states.CreateOrTouch(context.Background(), taskID, workflow.InputParams{
		TaskName:    taskName,
		InputData:   inputData,
		CallbackURL: "http://cb/e1",
	})
	require.NoError(t, err)
	_, err = f.states.RecordStagePending(context.Background(), taskID, taskName)
	require.NoError(t, err)
}

func TestExecutorSuccessLifecycle(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	// A pure-Go node: generate subtitle files from a prepared segments file.
	segPath := filepath.Join(f.cfg.TaskDir("t1"), "transcription", "segments.json")
	require.NoError(t, SaveJSON(segPath, &SegmentsDocument{Segments: []Segment{
		{Start: 0, End: 1, Text: "hi"},
	}}))

	f.seedTask(t, "t1", "wservice.generate_subtitle_files", map[string]interface{}{
		"segments_file": segPath,
	})

	require.NoError(t, f.executor.Run(ctx, "t1", "wservice.generate_subtitle_files"))

	wf, err := f.states.Get(ctx, "t1")
	require.NoError(t, err)
	stage := wf.Stage("wservice.generate_subtitle_files")
	require.NotNil(t, stage)
	assert.Equal(t, workflow.StageSuccess, stage.Status)
	assert.Nil(t, stage.Error)
	assert.GreaterOrEqual(t, stage.Duration, 0.0)
	assert.NotEmpty(t, stage.Output["subtitle_path"])
	assert.Equal(t, segPath, stage.InputParams["segments_file"], "resolved inputs recorded")
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
}

func TestExecutorValidationFailure(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	f.seedTask(t, "t1", "wservice.generate_subtitle_files", map[string]interface{}{})

	require.NoError(t, f.executor.Run(ctx, "t1", "wservice.generate_subtitle_files"))

	wf, err := f.states.Get(ctx, "t1")
	require.NoError(t, err)
	stage := wf.Stage("wservice.generate_subtitle_files")
	require.NotNil(t, stage)
	assert.Equal(t, workflow.StageFailed, stage.Status)
	require.NotNil(t, stage.Error)
	assert.Contains(t, *stage.Error, "segments_file")
}

func TestExecutorUnresolvedReferenceFails(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	f.seedTask(t, "t1", "wservice.generate_subtitle_files", map[string]interface{}{
		"segments_file": "${{ stages.faster_whisper.transcribe_audio.output.segments_file }}",
	})

	require.NoError(t, f.executor.Run(ctx, "t1", "wservice.generate_subtitle_files"))

	wf, err := f.states.Get(ctx, "t1")
	require.NoError(t, err)
	stage := wf.Stage("wservice.generate_subtitle_files")
	require.NotNil(t, stage)
	assert.Equal(t, workflow.StageFailed, stage.Status)
	assert.Contains(t, *stage.Error, "faster_whisper.transcribe_audio")
}

func TestExecutorSkippedStage(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	f.seedTask(t, "t1", "wservice.correct_subtitles", map[string]interface{}{
		"subtitle_path":       "/any.srt",
		"subtitle_correction": map[string]interface{}{"enabled": false},
	})

	require.NoError(t, f.executor.Run(ctx, "t1", "wservice.correct_subtitles"))

	wf, err := f.states.Get(ctx, "t1")
	require.NoError(t, err)
	stage := wf.Stage("wservice.correct_subtitles")
	require.NotNil(t, stage)
	assert.Equal(t, workflow.StageSkipped, stage.Status)
	assert.Empty(t, stage.Output)
	assert.Nil(t, stage.Error)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
}

func TestExecutorGPUNodeReleasesLockOnFailure(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	video := filepath.Join(f.cfg.TaskDir("t1"), "in.mp4")
	require.NoError(t, SaveJSON(video, map[string]interface{}{"fake": "video"}))

	f.seedTask(t, "t1", "ffmpeg.crop_subtitle_images", map[string]interface{}{
		"video_path":    video,
		"subtitle_area": []interface{}{0.0, 100.0, 640.0, 80.0},
	})

	require.NoError(t, f.executor.Run(ctx, "t1", "ffmpeg.crop_subtitle_images"))

	wf, err := f.states.Get(ctx, "t1")
	require.NoError(t, err)
	stage := wf.Stage("ffmpeg.crop_subtitle_images")
	require.NotNil(t, stage)
	assert.Equal(t, workflow.StageFailed, stage.Status)

	// The lock is not leaked: a follow-up acquire succeeds immediately.
	h, err := f.lock.Acquire(ctx, "ffmpeg.crop_subtitle_images", "t2")
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestExecutorUnknownNodeRecordsTopLevelError(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	_, err := f.states.CreateOrTouch(ctx, "t1", workflow.InputParams{TaskName: "nope.node"})
	require.NoError(t, err)

	require.NoError(t, f.executor.Run(ctx, "t1", "nope.node"))

	wf, err := f.states.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Contains(t, wf.Error, "unknown task_name")
	assert.Equal(t, workflow.StatusFailed, wf.Status)
}

func TestCheckRawOutputRejectsReservedFields(t *testing.T) {
	assert.Error(t, checkRawOutput(map[string]interface{}{"audio_path_minio_url": "x"}))
	assert.Error(t, checkRawOutput(map[string]interface{}{"files_minio_urls": []string{}}))
	assert.Error(t, checkRawOutput(map[string]interface{}{"dir_compression_info": map[string]interface{}{}}))
	assert.Error(t, checkRawOutput(map[string]interface{}{"processing_time": 1.0}))
	assert.Error(t, checkRawOutput(map[string]interface{}{"transcribe_duration": 1.0}))
	assert.Error(t, checkRawOutput(map[string]interface{}{"execution_time": 1.0}))
	assert.NoError(t, checkRawOutput(map[string]interface{}{"audio_path": "/a.wav", "audio_duration": 3.0}))
}

func TestExecutorCancelByToken(t *testing.T) {
	f := newExecutorFixture(t)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	fakeCancelled := false
	f.executor.registerCancel("a.node:t1:123", func() { fakeCancelled = true; close(done) })

	f.executor.CancelByToken("a.node:t1:123")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel not invoked")
	}
	assert.True(t, fakeCancelled)

	// Unknown tokens are ignored.
	f.executor.CancelByToken("other:tok:1")
}
