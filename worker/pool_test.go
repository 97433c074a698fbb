package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/queue"
	redisqueue "github.com/wionch/yivideo/queue/redis"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (r *recordingRunner) Run(ctx context.Context, taskID, taskName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, taskID+"/"+taskName)
	return r.err
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func testPool(t *testing.T, runner StageRunner, queues map[string]int) (*Pool, queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	q := redisqueue.New(client, "queue:")

	cfg := config.WorkerConfig{
		Queues:         queues,
		DequeueTimeout: 100 * time.Millisecond,
		JobTimeout:     time.Minute,
	}
	log := logrus.NewEntry(logrus.New())
	return NewPool(q, runner, cfg, []string{"ffmpeg.extract_audio"}, log), q
}

func TestPoolProcessesJobs(t *testing.T) {
	runner := &recordingRunner{}
	pool, q := testPool(t, runner, map[string]int{"ffmpeg.extract_audio": 1})

	require.NoError(t, q.Enqueue(queue.Job{
		JobID:    "j1",
		TaskID:   "t1",
		TaskName: "ffmpeg.extract_audio",
	}))

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool { return runner.count() == 1 }, 3*time.Second, 20*time.Millisecond)

	runner.mu.Lock()
	assert.Equal(t, "t1/ffmpeg.extract_audio", runner.runs[0])
	runner.mu.Unlock()

	// The job is completed, not re-delivered.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, runner.count())
}

func TestPoolDefaultsToOneWorkerPerNode(t *testing.T) {
	runner := &recordingRunner{}
	pool, q := testPool(t, runner, nil)

	require.NoError(t, q.Enqueue(queue.Job{JobID: "j1", TaskID: "t1", TaskName: "ffmpeg.extract_audio"}))

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool { return runner.count() == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestPoolRunnerErrorDoesNotRequeue(t *testing.T) {
	runner := &recordingRunner{err: assert.AnError}
	pool, q := testPool(t, runner, map[string]int{"ffmpeg.extract_audio": 1})

	require.NoError(t, q.Enqueue(queue.Job{JobID: "j1", TaskID: "t1", TaskName: "ffmpeg.extract_audio"}))

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool { return runner.count() == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, runner.count(), "failed job is not redelivered by the queue")

	depth, err := q.Depth("ffmpeg.extract_audio")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestPoolStopIsIdempotent(t *testing.T) {
	runner := &recordingRunner{}
	pool, _ := testPool(t, runner, map[string]int{"ffmpeg.extract_audio": 2})
	pool.Start()
	pool.Stop()
	pool.Stop()
}
