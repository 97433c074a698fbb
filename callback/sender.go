// Package callback delivers terminal-state webhooks to client-supplied URLs.
// Delivery is retried with bounded attempts on connection errors and 5xx
// responses; a 2xx terminates, a 4xx is recorded as failed without retry.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/workflow"
)

// Payload is the terminal-state callback body.
type Payload struct {
	TaskID     string               `json:"task_id"`
	Status     string               `json:"status"` // completed | failed
	Result     *workflow.Context    `json:"result"`
	MinioFiles []workflow.MinioFile `json:"minio_files"`
	Timestamp  int64                `json:"timestamp"`
}

// NewPayload builds the callback body from a workflow snapshot.
func NewPayload(wf *workflow.Context) Payload {
	status := "completed"
	if wf.Status == workflow.StatusFailed {
		status = "failed"
	}
	return Payload{
		TaskID:     wf.WorkflowID,
		Status:     status,
		Result:     wf,
		MinioFiles: wf.MinioFiles(),
		Timestamp:  time.Now().Unix(),
	}
}

// Sender posts callbacks with bounded retries.
type Sender struct {
	client *http.Client
	cfg    config.CallbackConfig
	log    *logrus.Entry
}

// NewSender creates a callback sender.
func NewSender(cfg config.CallbackConfig, log *logrus.Entry) *Sender {
	return &Sender{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    log.WithField("component", "callback"),
	}
}

// Send delivers the payload to url. The returned error is nil only when a
// 2xx response was received. Callback failure never alters workflow state;
// callers record the outcome in callback_status.
func (s *Sender) Send(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode callback payload: %w", err)
	}

	attempts := s.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryInterval):
			}
		}

		status, err := s.post(ctx, url, body)
		switch {
		case err != nil:
			lastErr = err // connection error, retry
		case status >= 200 && status < 300:
			s.log.WithFields(logrus.Fields{
				"task_id": payload.TaskID,
				"url":     url,
				"attempt": attempt + 1,
			}).Info("callback delivered")
			return nil
		case status >= 400 && status < 500:
			// Client error: the endpoint rejected us, retrying cannot help.
			return fmt.Errorf("callback rejected with status %d", status)
		default:
			lastErr = fmt.Errorf("callback returned status %d", status)
		}
	}
	return fmt.Errorf("callback to %s failed after %d attempts: %w", url, attempts, lastErr)
}

func (s *Sender) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}
