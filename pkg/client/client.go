// Package client is a typed HTTP client for the mldesk backend API,
// for GUI shells and tooling that talk to a running backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client communicates with the mldesk backend daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8317/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new mldesk API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:8317/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the backend is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	var st BackendStatus
	if err := c.get(ctx, "/status", &st); err != nil {
		c.logger.Debug("backend unreachable", "error", err)
		return false
	}
	return true
}

// Status returns the aggregate worker status.
func (c *Client) Status(ctx context.Context) (BackendStatus, error) {
	var st BackendStatus
	err := c.get(ctx, "/status", &st)
	return st, err
}

// RunScript starts a one-shot training script.
func (c *Client) RunScript(ctx context.Context, req ScriptRequest) error {
	return c.post(ctx, "/script/run", req, nil)
}

// CancelScript kills the running script, if any.
func (c *Client) CancelScript(ctx context.Context) error {
	return c.post(ctx, "/script/cancel", nil, nil)
}

// StartInference launches the inference worker for a model file. The
// returned payload describes the loaded model.
func (c *Client) StartInference(ctx context.Context, modelPath string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.post(ctx, "/inference/start", map[string]string{"model_path": modelPath}, &out)
	return out, err
}

// StopInference stops the inference worker.
func (c *Client) StopInference(ctx context.Context) error {
	return c.post(ctx, "/inference/stop", nil, nil)
}

// Predict sends one input row to the inference worker. An empty
// requestID lets the backend assign one.
func (c *Client) Predict(ctx context.Context, requestID string, input json.RawMessage) (PredictResponse, error) {
	var out PredictResponse
	err := c.post(ctx, "/inference/predict", map[string]any{
		"request_id": requestID,
		"input":      input,
	}, &out)
	return out, err
}

// StartServing launches the HTTP model server.
func (c *Client) StartServing(ctx context.Context, req ServeRequest) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.post(ctx, "/serve/start", req, &out)
	return out, err
}

// StopServing stops the HTTP model server.
func (c *Client) StopServing(ctx context.Context) error {
	return c.post(ctx, "/serve/stop", nil, nil)
}

// GetSetting reads one persisted setting.
func (c *Client) GetSetting(ctx context.Context, key string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	if err := c.get(ctx, "/settings/"+url.PathEscape(key), &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// SetSetting writes one persisted setting.
func (c *Client) SetSetting(ctx context.Context, key, value string) error {
	return c.put(ctx, "/settings/"+url.PathEscape(key), map[string]string{"value": value})
}

// CreatePipeline registers a pipeline; the backend assigns the ID when
// empty.
func (c *Client) CreatePipeline(ctx context.Context, name string) (Pipeline, error) {
	var out Pipeline
	err := c.post(ctx, "/pipelines", map[string]string{"name": name}, &out)
	return out, err
}

// ListPipelines returns all pipelines.
func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var out []Pipeline
	err := c.get(ctx, "/pipelines", &out)
	return out, err
}

// ListRuns returns runs, optionally filtered by pipeline.
func (c *Client) ListRuns(ctx context.Context, pipelineID string) ([]Run, error) {
	path := "/runs"
	if pipelineID != "" {
		path += "?pipeline_id=" + url.QueryEscape(pipelineID)
	}
	var out []Run
	err := c.get(ctx, path, &out)
	return out, err
}

// GetRun fetches one run by ID.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var out Run
	err := c.get(ctx, "/runs/"+url.PathEscape(id), &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) put(ctx context.Context, path string, body any) error {
	return c.do(ctx, http.MethodPut, path, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr != nil || errResp.Error == "" {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
