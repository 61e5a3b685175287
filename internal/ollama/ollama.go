// Package ollama is a small client for a local Ollama daemon. It backs
// the dataset Q&A features: completions over retrieved context and
// embeddings for the chunk index.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is where a stock Ollama install listens.
const DefaultBaseURL = "http://localhost:11434"

// Model is one locally available model as reported by the daemon.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Status reports daemon reachability.
type Status struct {
	Running bool   `json:"running"`
	Version string `json:"version,omitempty"`
}

// Client talks to one Ollama daemon. In-flight completions are
// registered by request id so the GUI can abort them.
type Client struct {
	base string
	http *http.Client

	mu      sync.Mutex
	pending map[string]context.CancelFunc
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		// generation on CPU can be slow; let the context bound it instead
		http:    &http.Client{},
		pending: make(map[string]context.CancelFunc),
	}
}

// CheckStatus probes the daemon's version endpoint.
func (c *Client) CheckStatus(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/version", nil)
	if err != nil {
		return Status{}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Status{}
	}
	var v struct {
		Version string `json:"version"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&v)
	return Status{Running: true, Version: v.Version}
}

// ListModels returns the models the daemon has pulled.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}
	var out struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// GenerateCompletion runs a non-streaming completion. The requestID
// registers the call for Cancel; a canceled call returns ctx.Err().
func (c *Client) GenerateCompletion(ctx context.Context, requestID, model, prompt string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.register(requestID, cancel)
	defer c.unregister(requestID)

	body, err := json.Marshal(map[string]any{
		"model":  model,
		"prompt": prompt,
		"stream": false,
	})
	if err != nil {
		return "", err
	}
	resp, err := c.post(ctx, "/api/generate", body)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("generate: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// GenerateEmbedding computes an embedding vector for the prompt.
func (c *Client) GenerateEmbedding(ctx context.Context, model, prompt string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model":  model,
		"prompt": prompt,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, "/api/embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: status %d", resp.StatusCode)
	}
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

// Cancel aborts an in-flight completion. Unknown ids are a no-op and
// return false.
func (c *Client) Cancel(requestID string) bool {
	c.mu.Lock()
	cancel, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *Client) register(id string, cancel context.CancelFunc) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.pending[id] = cancel
	c.mu.Unlock()
}

func (c *Client) unregister(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// BuildColumnPrompt assembles a completion prompt that names the
// dataset columns so the model answers in terms of them.
func BuildColumnPrompt(question string, columns []string, contextChunks []string) string {
	var b strings.Builder
	b.WriteString("You are a data analysis assistant.\n")
	if len(columns) > 0 {
		b.WriteString("The dataset has these columns: ")
		b.WriteString(strings.Join(columns, ", "))
		b.WriteString(".\n")
	}
	if len(contextChunks) > 0 {
		b.WriteString("Relevant context:\n")
		for _, ch := range contextChunks {
			b.WriteString("- ")
			b.WriteString(ch)
			b.WriteString("\n")
		}
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\nAnswer:")
	return b.String()
}
