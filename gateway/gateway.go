package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/wionch/yivideo/callback"
	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/gpulock"
	"github.com/wionch/yivideo/kvstore"
	"github.com/wionch/yivideo/nodes"
	"github.com/wionch/yivideo/queue"
	"github.com/wionch/yivideo/statemanager"
	"github.com/wionch/yivideo/storage"
	"github.com/wionch/yivideo/workflow"
)

// reuseHitMessage is the user-facing message for a cache hit, kept verbatim
// from the platform's original surface.
const reuseHitMessage = "任务已命中缓存并完成回调"

// Gateway owns the HTTP handlers and their collaborators. It holds the
// silent state-manager handle only: gateway writes never trigger uploads.
type Gateway struct {
	states   *statemanager.Silent
	registry *nodes.Registry
	queue    queue.Queue
	store    *kvstore.Store
	objects  *storage.ObjectStore
	lock     *gpulock.Lock
	monitor  *gpulock.Monitor
	sender   *callback.Sender
	cfg      *config.Config
	log      *logrus.Entry
}

// New wires the gateway.
func New(states *statemanager.Silent, registry *nodes.Registry, q queue.Queue,
	store *kvstore.Store, objects *storage.ObjectStore, lock *gpulock.Lock,
	monitor *gpulock.Monitor, sender *callback.Sender, cfg *config.Config, log *logrus.Entry) *Gateway {
	return &Gateway{
		states:   states,
		registry: registry,
		queue:    q,
		store:    store,
		objects:  objects,
		lock:     lock,
		monitor:  monitor,
		sender:   sender,
		cfg:      cfg,
		log:      log.WithField("component", "gateway"),
	}
}

// TaskRequest is the create-task body.
type TaskRequest struct {
	TaskName  string                 `json:"task_name"`
	TaskID    string                 `json:"task_id"`
	Callback  string                 `json:"callback"`
	InputData map[string]interface{} `json:"input_data"`
}

// TaskResponse is the synchronous acknowledgement.
type TaskResponse struct {
	TaskID    string              `json:"task_id"`
	Status    string              `json:"status"`
	Message   string              `json:"message,omitempty"`
	ReuseInfo *workflow.ReuseInfo `json:"reuse_info,omitempty"`
	Result    *workflow.Context   `json:"result,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: message})
}

func storeUnavailable(c echo.Context, err error) error {
	return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "state store unavailable: " + err.Error()})
}

// handleCreateTask accepts a task, decides reuse vs. dispatch, and answers
// synchronously. Heavy work never runs on this goroutine.
func (g *Gateway) handleCreateTask(c echo.Context) error {
	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.TaskName == "" || req.TaskID == "" || req.Callback == "" {
		return badRequest(c, "task_name, task_id and callback are required")
	}
	if req.InputData == nil {
		return badRequest(c, "input_data is required")
	}
	if _, err := url.ParseRequestURI(req.Callback); err != nil {
		return badRequest(c, "callback must be an absolute URL")
	}

	node, ok := g.registry.Get(req.TaskName)
	if !ok {
		return badRequest(c, "unknown task_name "+req.TaskName)
	}

	ctx := c.Request().Context()
	wf, err := g.states.CreateOrTouch(ctx, req.TaskID, workflow.InputParams{
		TaskName:    req.TaskName,
		InputData:   req.InputData,
		CallbackURL: req.Callback,
	})
	if err != nil {
		return storeUnavailable(c, err)
	}

	stage := wf.Stage(req.TaskName)

	// Cache hit: return the persisted context, no work enqueued; the
	// callback fires with the current request's URL.
	if nodes.CanReuse(stage, node.RequiredOutputFields()) {
		g.log.WithFields(logrus.Fields{
			"task_id": req.TaskID,
			"stage":   req.TaskName,
		}).Info("cache hit, reusing persisted stage")

		go g.deliverReuseCallback(req.TaskID, req.Callback, wf)

		return c.JSON(http.StatusOK, TaskResponse{
			TaskID:  req.TaskID,
			Status:  workflow.StatusCompleted,
			Message: reuseHitMessage,
			ReuseInfo: &workflow.ReuseInfo{
				ReuseHit: true,
				TaskName: req.TaskName,
				Source:   "redis",
				CachedAt: wf.UpdatedAt.UTC().Format(time.RFC3339),
			},
			Result: wf,
		})
	}

	// A stage already in flight is not re-enqueued.
	if stage != nil && (stage.Status == workflow.StagePending || stage.Status == workflow.StageRunning) {
		return c.JSON(http.StatusOK, TaskResponse{
			TaskID:    req.TaskID,
			Status:    workflow.StatusPending,
			Message:   "task already in progress",
			ReuseInfo: &workflow.ReuseInfo{State: "pending"},
		})
	}

	// Dispatch: PENDING is persisted before the enqueue so workers always
	// observe their own dispatch.
	if _, err := g.states.RecordStagePending(ctx, req.TaskID, req.TaskName); err != nil {
		return storeUnavailable(c, err)
	}
	job := queue.Job{
		JobID:      uuid.New().String(),
		TaskID:     req.TaskID,
		TaskName:   req.TaskName,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := g.queue.Enqueue(job); err != nil {
		if _, serr := g.states.SetTopLevelError(ctx, req.TaskID, "dispatch failed: "+err.Error()); serr != nil {
			g.log.WithError(serr).Warn("failed to record dispatch error")
		}
		return storeUnavailable(c, err)
	}

	return c.JSON(http.StatusOK, TaskResponse{
		TaskID:  req.TaskID,
		Status:  workflow.StatusPending,
		Message: "task accepted and dispatched",
	})
}

// deliverReuseCallback fires the completion callback for a cache hit using
// the callback URL from the current request.
func (g *Gateway) deliverReuseCallback(taskID, callbackURL string, wf *workflow.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	status := workflow.CallbackSent
	if err := g.sender.Send(ctx, callbackURL, callback.NewPayload(wf)); err != nil {
		g.log.WithError(err).WithField("task_id", taskID).Warn("reuse callback delivery failed")
		status = workflow.CallbackFailed
	}
	if _, err := g.states.SetCallbackStatus(ctx, taskID, status); err != nil {
		g.log.WithError(err).WithField("task_id", taskID).Warn("failed to record callback status")
	}
}

// statusResponse augments the persisted context with runtime fields.
type statusResponse struct {
	*workflow.Context
	MinioFiles []workflow.MinioFile `json:"minio_files"`
}

// handleTaskStatus serves both /status and /result.
func (g *Gateway) handleTaskStatus(c echo.Context) error {
	taskID := c.Param("task_id")
	wf, err := g.states.Get(c.Request().Context(), taskID)
	if err != nil {
		return storeUnavailable(c, err)
	}
	if wf == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "task " + taskID + " not found"})
	}
	if wf.CallbackStatus == "" {
		wf.CallbackStatus = workflow.CallbackPending
	}
	return c.JSON(http.StatusOK, statusResponse{
		Context:    wf,
		MinioFiles: wf.MinioFiles(),
	})
}
