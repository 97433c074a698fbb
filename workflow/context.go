// Package workflow defines the workflow state document shared by the gateway,
// the state manager, and the workers. The document at workflow:<task_id> is
// the single source of truth for one task's execution.
package workflow

import (
	"time"
)

// Stage statuses. These are the only five values ever persisted.
const (
	StagePending = "PENDING"
	StageRunning = "RUNNING"
	StageSuccess = "SUCCESS"
	StageFailed  = "FAILED"
	StageSkipped = "SKIPPED"
)

// Aggregate workflow statuses surfaced on the API.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Callback delivery states.
const (
	CallbackPending = "pending"
	CallbackSent    = "sent"
	CallbackFailed  = "failed"
)

// InputParams captures the initial request as received.
type InputParams struct {
	TaskName    string                 `json:"task_name"`
	InputData   map[string]interface{} `json:"input_data"`
	CallbackURL string                 `json:"callback_url"`
}

// StageExecution is the per-node execution record inside Stages.
type StageExecution struct {
	Status      string                 `json:"status"`
	InputParams map[string]interface{} `json:"input_params"`
	Output      map[string]interface{} `json:"output"`
	Error       *string                `json:"error"`
	Duration    float64                `json:"duration"`
}

// NewStageExecution returns a fresh record in the given status.
func NewStageExecution(status string) *StageExecution {
	return &StageExecution{
		Status:      status,
		InputParams: map[string]interface{}{},
		Output:      map[string]interface{}{},
		Duration:    0,
	}
}

// Failed reports whether the stage terminated with an error.
func (s *StageExecution) Failed() bool { return s.Status == StageFailed }

// Terminal reports whether the stage has reached a terminal status.
func (s *StageExecution) Terminal() bool {
	switch s.Status {
	case StageSuccess, StageFailed, StageSkipped:
		return true
	}
	return false
}

// Context is the versioned workflow document keyed by task_id.
type Context struct {
	WorkflowID        string                     `json:"workflow_id"`
	CreateAt          time.Time                  `json:"create_at"`
	InputParams       InputParams                `json:"input_params"`
	SharedStoragePath string                     `json:"shared_storage_path"`
	Stages            map[string]*StageExecution `json:"stages"`
	Status            string                     `json:"status"`
	Error             string                     `json:"error,omitempty"`
	UpdatedAt         time.Time                  `json:"updated_at"`
	CallbackStatus    string                     `json:"callback_status,omitempty"`
}

// NewContext creates a document for a task seen for the first time.
func NewContext(taskID string, params InputParams, sharedStoragePath string, now time.Time) *Context {
	return &Context{
		WorkflowID:        taskID,
		CreateAt:          now,
		InputParams:       params,
		SharedStoragePath: sharedStoragePath,
		Stages:            map[string]*StageExecution{},
		Status:            StatusPending,
		UpdatedAt:         now,
		CallbackStatus:    CallbackPending,
	}
}

// Stage returns the named stage record, or nil.
func (c *Context) Stage(name string) *StageExecution {
	if c.Stages == nil {
		return nil
	}
	return c.Stages[name]
}

// RecomputeStatus derives the aggregate status from the stages. A top-level
// error always wins; otherwise FAILED dominates, then RUNNING, then PENDING.
func (c *Context) RecomputeStatus() {
	if c.Error != "" {
		c.Status = StatusFailed
		return
	}
	if len(c.Stages) == 0 {
		c.Status = StatusPending
		return
	}
	var running, pending, failed int
	for _, s := range c.Stages {
		switch s.Status {
		case StageFailed:
			failed++
		case StageRunning:
			running++
		case StagePending:
			pending++
		}
	}
	switch {
	case failed > 0:
		c.Status = StatusFailed
	case running > 0:
		c.Status = StatusRunning
	case pending > 0:
		c.Status = StatusPending
	default:
		c.Status = StatusCompleted
	}
}

// MinioFile describes one remote object derived from a stage output.
type MinioFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

// MinioFiles walks every stage output and collects the remote file
// descriptors from *_minio_url and *_minio_urls fields.
func (c *Context) MinioFiles() []MinioFile {
	files := make([]MinioFile, 0)
	for _, stage := range c.Stages {
		for key, value := range stage.Output {
			switch {
			case hasSuffix(key, "_minio_url"):
				if url, ok := value.(string); ok && url != "" {
					files = append(files, minioFileFromURL(url))
				}
			case hasSuffix(key, "_minio_urls"):
				urls, ok := value.([]interface{})
				if !ok {
					continue
				}
				for _, u := range urls {
					if url, ok := u.(string); ok && url != "" {
						files = append(files, minioFileFromURL(url))
					}
				}
			}
		}
	}
	return files
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func minioFileFromURL(url string) MinioFile {
	name := url
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '/' {
			name = url[i+1:]
			break
		}
	}
	ext := ""
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			ext = name[i+1:]
			break
		}
	}
	return MinioFile{Name: name, URL: url, Type: ext}
}

// ReuseInfo is attached to gateway responses that hit or observe an existing
// stage instead of dispatching new work.
type ReuseInfo struct {
	ReuseHit bool   `json:"reuse_hit,omitempty"`
	TaskName string `json:"task_name,omitempty"`
	Source   string `json:"source,omitempty"`
	CachedAt string `json:"cached_at,omitempty"`
	State    string `json:"state,omitempty"`
}

// Heartbeat is the liveness record written to task_heartbeat:<task_id>.
type Heartbeat struct {
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	Message    string  `json:"message"`
	LastUpdate int64   `json:"last_update"`
	StartTime  int64   `json:"start_time"`
}
