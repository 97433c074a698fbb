// Package statemanager is the sole writer of workflow documents. All writes
// for a given task are serialized through a per-task mutex, and object-store
// side effects are applied only on worker-side terminal transitions.
//
// Two handles exist on purpose: the full Manager (workers; uploads produced
// files on SUCCESS) and the Silent handle (gateway; has no side-effecting
// method at all). Handing the gateway a Silent keeps uploads off HTTP
// handler goroutines by construction.
package statemanager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wionch/yivideo/archive"
	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/kvstore"
	"github.com/wionch/yivideo/storage"
	"github.com/wionch/yivideo/workflow"
)

// Manager is the worker-side handle with upload side effects.
type Manager struct {
	store   *kvstore.Store
	objects *storage.ObjectStore
	cfg     *config.Config
	log     *logrus.Entry

	mu        sync.Mutex
	taskLocks map[string]*sync.Mutex
}

// New creates the full state manager.
func New(store *kvstore.Store, objects *storage.ObjectStore, cfg *config.Config, log *logrus.Entry) *Manager {
	return &Manager{
		store:     store,
		objects:   objects,
		cfg:       cfg,
		log:       log.WithField("component", "statemanager"),
		taskLocks: map[string]*sync.Mutex{},
	}
}

// Silent is the gateway-side handle. It can create documents and flip
// bookkeeping fields but cannot trigger uploads; the type has no
// side-effecting method.
type Silent struct {
	m *Manager
}

// Silent derives the gateway handle.
func (m *Manager) Silent() *Silent { return &Silent{m: m} }

func (m *Manager) lockTask(taskID string) func() {
	m.mu.Lock()
	lock, ok := m.taskLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		m.taskLocks[taskID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// mutate loads the document, applies fn, recomputes the aggregate status,
// and saves, all under the task's write lock. The document must already
// exist; CreateOrTouch is the only creation path.
func (m *Manager) mutate(ctx context.Context, taskID string, fn func(wf *workflow.Context) error) (*workflow.Context, error) {
	unlock := m.lockTask(taskID)
	defer unlock()

	wf, err := m.store.GetWorkflow(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow %s does not exist", taskID)
	}

	if err := fn(wf); err != nil {
		return nil, err
	}

	wf.RecomputeStatus()
	wf.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// Get returns a snapshot of the document, or nil when absent.
func (m *Manager) Get(ctx context.Context, taskID string) (*workflow.Context, error) {
	return m.store.GetWorkflow(ctx, taskID)
}

// CreateOrTouch creates the document if absent. On an existing document all
// stages are left untouched; only the callback URL is replaced by the current
// request's, which always wins.
func (m *Manager) CreateOrTouch(ctx context.Context, taskID string, params workflow.InputParams) (*workflow.Context, error) {
	unlock := m.lockTask(taskID)
	defer unlock()

	wf, err := m.store.GetWorkflow(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		wf = workflow.NewContext(taskID, params, m.cfg.TaskDir(taskID), time.Now().UTC())
	} else {
		wf.InputParams.CallbackURL = params.CallbackURL
		wf.UpdatedAt = time.Now().UTC()
	}
	if err := m.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// RecordStagePending transitions a stage to PENDING ahead of dispatch,
// overwriting any previous (e.g. FAILED) record.
func (m *Manager) RecordStagePending(ctx context.Context, taskID, stageName string) (*workflow.Context, error) {
	return m.mutate(ctx, taskID, func(wf *workflow.Context) error {
		wf.Stages[stageName] = workflow.NewStageExecution(workflow.StagePending)
		return nil
	})
}

// RecordStageStart transitions a stage to RUNNING with the resolved inputs
// that will actually be used.
func (m *Manager) RecordStageStart(ctx context.Context, taskID, stageName string, resolvedInputs map[string]interface{}) (*workflow.Context, error) {
	return m.mutate(ctx, taskID, func(wf *workflow.Context) error {
		stage := workflow.NewStageExecution(workflow.StageRunning)
		stage.InputParams = resolvedInputs
		wf.Stages[stageName] = stage
		return nil
	})
}

// RecordStageTerminal overwrites the stage with its terminal record and, on
// SUCCESS, applies the upload side effects: every path field in the output
// gains its _minio_url / _minio_urls / _compression_info companions.
// customPathFields names the node's path fields that carry no standard
// suffix.
func (m *Manager) RecordStageTerminal(ctx context.Context, taskID, stageName string, stage *workflow.StageExecution, customPathFields []string) (*workflow.Context, error) {
	if alias, found := workflow.HasDurationAlias(stage.Output); found {
		return nil, fmt.Errorf("stage %s output carries forbidden duration alias %q", stageName, alias)
	}

	if stage.Status == workflow.StageSuccess && m.cfg.Core.AutoUploadToMinio && m.objects != nil {
		if err := m.applyUploadSideEffects(ctx, taskID, stageName, stage, customPathFields); err != nil {
			// Upload failure degrades the stage to FAILED rather than
			// persisting a SUCCESS without its remote fields.
			msg := fmt.Sprintf("object store side effects failed: %v", err)
			stage.Status = workflow.StageFailed
			stage.Error = &msg
		}
	}

	return m.mutate(ctx, taskID, func(wf *workflow.Context) error {
		wf.Stages[stageName] = stage
		return nil
	})
}

// SetCallbackStatus records the callback delivery outcome.
func (m *Manager) SetCallbackStatus(ctx context.Context, taskID, status string) (*workflow.Context, error) {
	return m.mutate(ctx, taskID, func(wf *workflow.Context) error {
		wf.CallbackStatus = status
		return nil
	})
}

// SetTopLevelError records a gateway-level failure that prevented any stage
// from starting.
func (m *Manager) SetTopLevelError(ctx context.Context, taskID, message string) (*workflow.Context, error) {
	return m.mutate(ctx, taskID, func(wf *workflow.Context) error {
		wf.Error = message
		return nil
	})
}

func (m *Manager) applyUploadSideEffects(ctx context.Context, taskID, stageName string, stage *workflow.StageExecution, customPathFields []string) error {
	log := m.log.WithFields(logrus.Fields{"task_id": taskID, "stage": stageName})

	// Collect first: the output map must not be mutated mid-iteration.
	additions := map[string]interface{}{}
	for key, value := range stage.Output {
		if !workflow.IsPathField(key, customPathFields) {
			continue
		}
		switch v := value.(type) {
		case string:
			if v == "" {
				continue
			}
			if isDir(v) {
				url, info, err := m.objects.UploadDirectory(ctx, taskID, v)
				if err != nil {
					return fmt.Errorf("directory field %s: %w", key, err)
				}
				additions[key+workflow.MinioURLSuffix] = url
				additions[key+workflow.CompressionInfoSuffix] = compressionInfoMap(info)
			} else if isFile(v) {
				url, err := m.objects.UploadTaskFile(ctx, taskID, v)
				if err != nil {
					return fmt.Errorf("file field %s: %w", key, err)
				}
				additions[key+workflow.MinioURLSuffix] = url
			} else {
				log.WithField("field", key).Warn("path field does not exist on disk, skipping upload")
			}
		case []interface{}:
			urls := make([]interface{}, 0, len(v))
			for _, item := range v {
				path, ok := item.(string)
				if !ok || !isFile(path) {
					continue
				}
				url, err := m.objects.UploadTaskFile(ctx, taskID, path)
				if err != nil {
					return fmt.Errorf("list field %s: %w", key, err)
				}
				urls = append(urls, url)
			}
			if len(urls) > 0 {
				additions[key+workflow.MinioURLsSuffix] = urls
			}
		case []string:
			urls := make([]interface{}, 0, len(v))
			for _, path := range v {
				if !isFile(path) {
					continue
				}
				url, err := m.objects.UploadTaskFile(ctx, taskID, path)
				if err != nil {
					return fmt.Errorf("list field %s: %w", key, err)
				}
				urls = append(urls, url)
			}
			if len(urls) > 0 {
				additions[key+workflow.MinioURLsSuffix] = urls
			}
		}
	}

	// Local path fields stay; remote fields are purely additive.
	for key, value := range additions {
		stage.Output[key] = value
	}
	return nil
}

func compressionInfoMap(info *archive.CompressionInfo) map[string]interface{} {
	return map[string]interface{}{
		"files_count":       info.FilesCount,
		"original_size":     info.OriginalSize,
		"compressed_size":   info.CompressedSize,
		"compression_ratio": info.CompressionRatio,
		"format":            info.Format,
	}
}

// --- Silent (gateway) handle -------------------------------------------------

// Get returns a snapshot of the document, or nil when absent.
func (s *Silent) Get(ctx context.Context, taskID string) (*workflow.Context, error) {
	return s.m.Get(ctx, taskID)
}

// CreateOrTouch creates the document if absent; see Manager.CreateOrTouch.
func (s *Silent) CreateOrTouch(ctx context.Context, taskID string, params workflow.InputParams) (*workflow.Context, error) {
	return s.m.CreateOrTouch(ctx, taskID, params)
}

// RecordStagePending transitions a stage to PENDING ahead of dispatch.
func (s *Silent) RecordStagePending(ctx context.Context, taskID, stageName string) (*workflow.Context, error) {
	return s.m.RecordStagePending(ctx, taskID, stageName)
}

// SetCallbackStatus records the callback delivery outcome.
func (s *Silent) SetCallbackStatus(ctx context.Context, taskID, status string) (*workflow.Context, error) {
	return s.m.SetCallbackStatus(ctx, taskID, status)
}

// SetTopLevelError records a gateway-level failure.
func (s *Silent) SetTopLevelError(ctx context.Context, taskID, message string) (*workflow.Context, error) {
	return s.m.SetTopLevelError(ctx, taskID, message)
}

// --- helpers -----------------------------------------------------------------

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
