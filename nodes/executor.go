package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wionch/yivideo/callback"
	"github.com/wionch/yivideo/common"
	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/gpulock"
	"github.com/wionch/yivideo/statemanager"
	"github.com/wionch/yivideo/workflow"
)

// Executor drives the fixed node lifecycle on the worker side:
//
//	record stage start -> validate -> execute core logic -> shape output ->
//	record terminal state (side effects applied by the state manager)
//
// GPU-bound nodes run under the distributed lock with heartbeats; soft
// timeouts from the monitor arrive as cooperative cancellation keyed by the
// holder token.
type Executor struct {
	registry *Registry
	states   *statemanager.Manager
	lock     *gpulock.Lock
	engines  *EngineClient
	sender   *callback.Sender // nil disables terminal callbacks
	cfg      *config.Config
	log      *logrus.Entry

	mu      sync.Mutex
	running map[string]context.CancelFunc // holder token -> cancel
}

// NewExecutor wires the executor with its dependencies. A nil sender
// disables terminal callbacks (used by tests).
func NewExecutor(registry *Registry, states *statemanager.Manager, lock *gpulock.Lock,
	engines *EngineClient, sender *callback.Sender, cfg *config.Config, log *logrus.Entry) *Executor {
	return &Executor{
		registry: registry,
		states:   states,
		lock:     lock,
		engines:  engines,
		sender:   sender,
		cfg:      cfg,
		log:      log.WithField("component", "executor"),
		running:  map[string]context.CancelFunc{},
	}
}

// CancelByToken cancels the execution holding the given lock token, if it
// runs in this process. Wired to the monitor's cancellation bus.
func (e *Executor) CancelByToken(token string) {
	e.mu.Lock()
	cancel, ok := e.running[token]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Executor) registerCancel(token string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[token] = cancel
	e.mu.Unlock()
}

func (e *Executor) unregisterCancel(token string) {
	e.mu.Lock()
	delete(e.running, token)
	e.mu.Unlock()
}

// Run executes one stage for a dispatched job and persists the outcome. The
// returned error is non-nil only for infrastructure failures that prevented
// recording any outcome; node failures are recorded in the stage and return
// nil.
func (e *Executor) Run(ctx context.Context, taskID, taskName string) error {
	log := common.StageLogger(e.log, taskID, taskName)

	node, ok := e.registry.Get(taskName)
	if !ok {
		// The gateway validates names, so this only happens on queue noise.
		_, err := e.states.SetTopLevelError(ctx, taskID, fmt.Sprintf("unknown task_name %q", taskName))
		return err
	}

	wf, err := e.states.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if wf == nil {
		return fmt.Errorf("workflow %s not found for dispatched job", taskID)
	}

	ec := NewExecContext(taskID, wf, e.cfg, log, e.engines)
	if err := common.EnsureDir(ec.WorkDir); err != nil {
		return e.failStage(ctx, taskID, taskName, nil, 0, Resourcef("shared storage unavailable: %v", err))
	}

	start := time.Now()

	raw := map[string]interface{}{}
	for k, v := range wf.InputParams.InputData {
		raw[k] = v
	}
	resolved, rerr := ResolveParams(node, wf, raw)
	if rerr != nil {
		if _, err := e.states.RecordStageStart(ctx, taskID, taskName, Redact(raw)); err != nil {
			return err
		}
		return e.failStage(ctx, taskID, taskName, node.CustomPathFields(), time.Since(start).Seconds(), rerr)
	}

	if _, err := e.states.RecordStageStart(ctx, taskID, taskName, Redact(resolved)); err != nil {
		return err
	}
	log.WithField("cache_key", CacheKey(taskName, resolved, node.CacheKeyFields())).
		Debug("stage started with resolved inputs")

	if err := node.ValidateInput(resolved); err != nil {
		return e.failStage(ctx, taskID, taskName, node.CustomPathFields(), time.Since(start).Seconds(), err)
	}

	runCtx := ctx
	var handle *gpulock.Handle
	if node.GPUBound(e.cfg) {
		handle, err = e.lock.Acquire(ctx, taskName, taskID)
		if err != nil {
			return e.failStage(ctx, taskID, taskName, node.CustomPathFields(), time.Since(start).Seconds(),
				Resourcef("gpu lock: %v", err))
		}

		var cancel context.CancelFunc
		runCtx, cancel = context.WithCancel(ctx)
		token := handle.Token().String()
		e.registerCancel(token, cancel)
		defer func() {
			e.unregisterCancel(token)
			cancel()
			e.releaseLock(handle, log)
		}()
	}

	output, execErr := node.Execute(runCtx, ec, resolved)
	duration := time.Since(start).Seconds()

	if execErr != nil {
		if errors.Is(execErr, ErrSkipped) {
			stage := workflow.NewStageExecution(workflow.StageSkipped)
			stage.InputParams = Redact(resolved)
			stage.Duration = duration
			if _, err := e.states.RecordStageTerminal(ctx, taskID, taskName, stage, node.CustomPathFields()); err != nil {
				return err
			}
			e.notifyTerminal(ctx, taskID)
			return nil
		}
		return e.failStage(ctx, taskID, taskName, node.CustomPathFields(), duration, execErr)
	}

	if err := checkRawOutput(output); err != nil {
		return e.failStage(ctx, taskID, taskName, node.CustomPathFields(), duration, err)
	}
	for _, field := range node.RequiredOutputFields() {
		if !present(output[field]) {
			return e.failStage(ctx, taskID, taskName, node.CustomPathFields(), duration,
				Computef("node did not produce required output %q", field))
		}
	}

	stage := workflow.NewStageExecution(workflow.StageSuccess)
	stage.InputParams = Redact(resolved)
	stage.Output = output
	stage.Duration = duration
	if _, err := e.states.RecordStageTerminal(ctx, taskID, taskName, stage, node.CustomPathFields()); err != nil {
		return err
	}

	log.WithField("duration", duration).Info("stage completed")
	e.notifyTerminal(ctx, taskID)
	return nil
}

// notifyTerminal delivers the terminal-state webhook and records the
// delivery outcome. Callback failure never alters the workflow outcome.
func (e *Executor) notifyTerminal(ctx context.Context, taskID string) {
	if e.sender == nil {
		return
	}
	wf, err := e.states.Get(ctx, taskID)
	if err != nil || wf == nil {
		return
	}
	url := wf.InputParams.CallbackURL
	if url == "" {
		return
	}
	status := workflow.CallbackSent
	if err := e.sender.Send(ctx, url, callback.NewPayload(wf)); err != nil {
		e.log.WithError(err).WithField("task_id", taskID).Warn("terminal callback delivery failed")
		status = workflow.CallbackFailed
	}
	if _, err := e.states.SetCallbackStatus(ctx, taskID, status); err != nil {
		e.log.WithError(err).WithField("task_id", taskID).Warn("failed to record callback status")
	}
}

// releaseLock is the layered release guard: cooperative release first, then
// an emergency pass so the lock is never leaked on any exit path (the TTL
// covers process death).
func (e *Executor) releaseLock(handle *gpulock.Handle, log *logrus.Entry) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := handle.Release(releaseCtx); err != nil {
		log.WithError(err).Error("gpu lock release failed, attempting emergency release")
		if _, ferr := e.lock.ForceRelease(releaseCtx, handle.Token().String()); ferr != nil {
			log.WithError(ferr).Error("emergency gpu lock release failed; TTL will recover the lock")
		}
	}
}

func (e *Executor) failStage(ctx context.Context, taskID, taskName string, customPathFields []string, duration float64, cause error) error {
	kind := ClassifyKind(cause)
	message := cause.Error()
	if kind == KindCancelled {
		message = fmt.Sprintf("execution cancelled (timeout or shutdown): %v", cause)
	}

	e.log.WithFields(logrus.Fields{
		"task_id": taskID,
		"stage":   taskName,
		"kind":    string(kind),
	}).WithError(cause).Error("stage failed")

	stage := workflow.NewStageExecution(workflow.StageFailed)
	stage.Error = &message
	stage.Duration = duration
	if _, err := e.states.RecordStageTerminal(ctx, taskID, taskName, stage, customPathFields); err != nil {
		return err
	}
	e.notifyTerminal(ctx, taskID)
	return nil
}

// checkRawOutput rejects outputs that violate the shaping conventions: nodes
// never compute remote URL fields and never emit stage-scope duration
// aliases.
func checkRawOutput(output map[string]interface{}) error {
	for key := range output {
		if strings.HasSuffix(key, workflow.MinioURLSuffix) ||
			strings.HasSuffix(key, workflow.MinioURLsSuffix) ||
			strings.HasSuffix(key, workflow.CompressionInfoSuffix) {
			return Computef("node emitted reserved remote field %q", key)
		}
	}
	if alias, found := workflow.HasDurationAlias(output); found {
		return Computef("node emitted forbidden duration alias %q", alias)
	}
	return nil
}
