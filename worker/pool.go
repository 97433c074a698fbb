// Package worker runs the per-node worker pool: each worker pulls jobs from
// its node's queue and drives the node executor. At-least-once delivery is
// preserved by only completing a job after its terminal state is persisted.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/queue"
)

// StageRunner is the executor contract the pool drives; satisfied by
// nodes.Executor.
type StageRunner interface {
	Run(ctx context.Context, taskID, taskName string) error
}

// Pool manages the worker goroutines.
type Pool struct {
	queue    queue.Queue
	runner   StageRunner
	cfg      config.WorkerConfig
	log      *logrus.Entry
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPool creates a pool. queues maps node names to worker counts; nodeNames
// is the full catalog used when no explicit queue map is configured (one
// worker each).
func NewPool(q queue.Queue, runner StageRunner, cfg config.WorkerConfig, nodeNames []string, log *logrus.Entry) *Pool {
	if cfg.Queues == nil {
		cfg.Queues = map[string]int{}
		for _, name := range nodeNames {
			cfg.Queues[name] = 1
		}
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Hour
	}
	return &Pool{
		queue:  q,
		runner: runner,
		cfg:    cfg,
		log:    log.WithField("component", "worker"),
		stop:   make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	total := 0
	for queueName, count := range p.cfg.Queues {
		for i := 0; i < count; i++ {
			p.wg.Add(1)
			go p.run(queueName, i)
			total++
		}
	}
	p.log.WithField("workers", total).Info("worker pool started")
}

// Stop signals every worker and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) run(queueName string, id int) {
	defer p.wg.Done()
	log := p.log.WithFields(logrus.Fields{"queue": queueName, "worker": id})
	log.Info("worker started")

	for {
		select {
		case <-p.stop:
			log.Info("worker stopped")
			return
		default:
		}

		if err := p.processNext(queueName, log); err != nil {
			log.WithError(err).Warn("worker iteration failed")
			// Back off briefly so a broken backend does not spin the loop.
			select {
			case <-p.stop:
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (p *Pool) processNext(queueName string, log *logrus.Entry) error {
	job, err := p.queue.Dequeue(queueName, p.cfg.DequeueTimeout)
	if err != nil {
		return err
	}
	if job == nil {
		return nil // dequeue timed out, loop around
	}

	log = log.WithFields(logrus.Fields{"job_id": job.JobID, "task_id": job.TaskID})
	log.Info("processing job")

	deadline := time.Now().Add(p.cfg.JobTimeout)
	if err := p.queue.MarkProcessing(job.JobID, deadline); err != nil {
		// Could not take ownership: put the job back rather than risk losing
		// it.
		log.WithError(err).Warn("failed to mark job processing, re-enqueueing")
		return p.queue.Enqueue(*job)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	if err := p.runner.Run(ctx, job.TaskID, job.TaskName); err != nil {
		// Infrastructure failure before any outcome could be recorded; the
		// job may be retried by a resubmission, not by the queue.
		log.WithError(err).Error("job failed without a recorded outcome")
		return p.queue.FailJob(*job, false)
	}

	log.Info("job done")
	return p.queue.CompleteJob(job.JobID)
}
