package client

import (
	"encoding/json"
	"time"
)

// BackendStatus is the aggregate worker status reported by /status.
// Worker payloads are kept raw so the client does not pin their shape.
type BackendStatus struct {
	ScriptRunning bool            `json:"script_running"`
	Inference     json.RawMessage `json:"inference"`
	HTTPServer    json.RawMessage `json:"http_server"`
	Language      json.RawMessage `json:"language"`
	Ollama        json.RawMessage `json:"ollama"`
}

// ScriptRequest starts a one-shot training script.
type ScriptRequest struct {
	Code      string `json:"code"`
	InputPath string `json:"input_path,omitempty"`
}

// PredictResponse carries one prediction result.
type PredictResponse struct {
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result"`
}

// ServeRequest starts the HTTP model server.
type ServeRequest struct {
	ModelPath string          `json:"model_path"`
	VersionID string          `json:"version_id,omitempty"`
	ModelName string          `json:"model_name,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// Pipeline mirrors the registry pipeline record.
type Pipeline struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Run mirrors the registry run record.
type Run struct {
	ID           string          `json:"id"`
	PipelineID   string          `json:"pipeline_id"`
	DisplayName  string          `json:"display_name"`
	Status       string          `json:"status"`
	TargetColumn string          `json:"target_column,omitempty"`
	ExperimentID string          `json:"experiment_id,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Metrics      json.RawMessage `json:"metrics,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
