package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wionch/yivideo/config"
)

// EngineClient talks to the opaque compute engines (ASR, separation,
// diarization, OCR, TTS, subtitle service). Each engine exposes a small JSON
// HTTP API; the client only moves requests and file references, never model
// internals.
type EngineClient struct {
	cfg    config.EnginesConfig
	client *http.Client
	log    *logrus.Entry
}

// NewEngineClient creates the shared engine client.
func NewEngineClient(cfg config.EnginesConfig, log *logrus.Entry) *EngineClient {
	return &EngineClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Minute, // model inference on long media is slow
		},
		log: log.WithField("component", "engines"),
	}
}

// Engine base URL accessors.
func (c *EngineClient) WhisperURL() string        { return c.cfg.WhisperURL }
func (c *EngineClient) AudioSeparatorURL() string { return c.cfg.AudioSeparatorURL }
func (c *EngineClient) PyannoteURL() string       { return c.cfg.PyannoteURL }
func (c *EngineClient) PaddleOCRURL() string      { return c.cfg.PaddleOCRURL }
func (c *EngineClient) IndexTTSURL() string       { return c.cfg.IndexTTSURL }
func (c *EngineClient) WServiceURL() string       { return c.cfg.WServiceURL }

// PostJSON sends a JSON request to baseURL+path and decodes the JSON
// response into out. Non-2xx responses become compute errors carrying the
// first 512 bytes of the response body.
func (c *EngineClient) PostJSON(ctx context.Context, baseURL, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return WrapCompute(err, "failed to encode engine request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return WrapCompute(err, "failed to build engine request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Resourcef("engine %s unreachable: %v", baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tail := readTail(resp.Body, 512)
		return Computef("engine %s%s returned status %d: %s", baseURL, path, resp.StatusCode, tail)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return WrapCompute(err, "failed to decode engine response from %s%s", baseURL, path)
	}
	return nil
}

// PostFile uploads one file plus form fields as multipart/form-data and
// decodes the JSON response into out.
func (c *EngineClient) PostFile(ctx context.Context, baseURL, path, fieldName, filePath string, fields map[string]string, out interface{}) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return WrapCompute(err, "failed to write form field %s", key)
		}
	}

	file, err := os.Open(filePath)
	if err != nil {
		return Resourcef("failed to open %s: %v", filePath, err)
	}
	defer func() { _ = file.Close() }()

	part, err := writer.CreateFormFile(fieldName, filepath.Base(filePath))
	if err != nil {
		return WrapCompute(err, "failed to create form file for %s", filePath)
	}
	if _, err := io.Copy(part, file); err != nil {
		return WrapCompute(err, "failed to copy file %s", filePath)
	}
	if err := writer.Close(); err != nil {
		return WrapCompute(err, "failed to finalize multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, &body)
	if err != nil {
		return WrapCompute(err, "failed to build engine request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Resourcef("engine %s unreachable: %v", baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tail := readTail(resp.Body, 512)
		return Computef("engine %s%s returned status %d: %s", baseURL, path, resp.StatusCode, tail)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return WrapCompute(err, "failed to decode engine response from %s%s", baseURL, path)
	}
	return nil
}

func readTail(r io.Reader, limit int) string {
	data, _ := io.ReadAll(io.LimitReader(r, int64(limit)))
	return string(data)
}
