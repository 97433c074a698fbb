// Package nodes implements the node execution framework: the uniform
// executor contract every compute node fulfils, the closed node catalog,
// parameter resolution with dynamic references and per-node fallbacks, reuse
// policy, and the 20 node implementations themselves.
//
// The internal ML work of the heavy nodes is opaque: those nodes call their
// engine services or FFmpeg and only orchestrate inputs, outputs, and files
// under the task's shared storage directory.
package nodes

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/workflow"
)

// Fallback names an earlier stage output consulted when an input parameter
// was not supplied.
type Fallback struct {
	Stage string
	Field string
}

// Node is the contract every catalog entry implements.
type Node interface {
	// Name is the task_name routing key, e.g. "ffmpeg.extract_audio".
	Name() string

	// ValidateInput checks the resolved inputs and returns an input error
	// with a human-readable message when they are missing or malformed.
	ValidateInput(inputs map[string]interface{}) error

	// Execute runs the core logic and returns the raw output map with local
	// paths and data. It must not compute remote URLs.
	Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error)

	// CacheKeyFields is the ordered list of input fields whose values fully
	// determine the output.
	CacheKeyFields() []string

	// RequiredOutputFields are the output keys that must be present and
	// non-empty for a stage to count as a valid cache hit.
	RequiredOutputFields() []string

	// CustomPathFields names path fields without a standard suffix.
	CustomPathFields() []string

	// Fallbacks declares, per logically-optional input, the ordered list of
	// earlier stage outputs to consult.
	Fallbacks() map[string][]Fallback

	// GPUBound reports whether this execution must hold the GPU lock. The
	// decision may depend on config (e.g. ASR on CPU).
	GPUBound(cfg *config.Config) bool
}

// ExecContext carries the per-execution environment into a node.
type ExecContext struct {
	TaskID   string
	Workflow *workflow.Context // snapshot taken at stage start
	WorkDir  string            // shared_storage_path/<task_id>
	Cfg      *config.Config
	Log      *logrus.Entry
	Engines  *EngineClient
	HTTP     *http.Client // used for download-on-read
}

// NewExecContext builds the environment for one stage execution.
func NewExecContext(taskID string, wf *workflow.Context, cfg *config.Config, log *logrus.Entry, engines *EngineClient) *ExecContext {
	return &ExecContext{
		TaskID:   taskID,
		Workflow: wf,
		WorkDir:  cfg.TaskDir(taskID),
		Cfg:      cfg,
		Log:      log,
		Engines:  engines,
		HTTP:     &http.Client{Timeout: 5 * time.Minute},
	}
}

// stringInput fetches a string parameter, tolerating absence.
func stringInput(inputs map[string]interface{}, key string) string {
	if v, ok := inputs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// boolInput fetches a boolean parameter with a default.
func boolInput(inputs map[string]interface{}, key string, def bool) bool {
	if v, ok := inputs[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// intInput fetches an integer parameter with a default; JSON decoding turns
// numbers into float64.
func intInput(inputs map[string]interface{}, key string, def int) int {
	switch v := inputs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// mapInput fetches an object parameter, tolerating absence.
func mapInput(inputs map[string]interface{}, key string) map[string]interface{} {
	if v, ok := inputs[key]; ok {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}
