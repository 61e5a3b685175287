package store

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Version stages. A model has at most one production version.
const (
	StageNone       = "none"
	StageStaging    = "staging"
	StageProduction = "production"
)

// Pipeline is a named dataset/workflow the GUI groups runs under.
type Pipeline struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one training execution.
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

// Experiment groups related runs for side-by-side comparison.
type Experiment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Model is a registered model family; versions hang off it.
type Model struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TaskType  string    `json:"task_type"`
	CreatedAt time.Time `json:"created_at"`
}

// ModelVersion is a concrete trained artifact registered under a model.
type ModelVersion struct {
	ID           string          `json:"id"`
	ModelID      string          `json:"model_id"`
	Version      int             `json:"version"`
	RunID        string          `json:"run_id,omitempty"`
	Stage        string          `json:"stage"`
	Tags         []string        `json:"tags,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	TrainingInfo json.RawMessage `json:"training_info,omitempty"`
	ArtifactPath string          `json:"artifact_path"`
	ONNXPath     string          `json:"onnx_path,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TuningSession is one hyperparameter search over a run's dataset.
type TuningSession struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	Status     string          `json:"status"`
	BestParams json.RawMessage `json:"best_params,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TuningTrial is a single parameter evaluation inside a session.
type TuningTrial struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Number    int             `json:"number"`
	Params    json.RawMessage `json:"params"`
	Value     float64         `json:"value"`
	State     string          `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Embedding is one indexed text chunk with its vector.
type Embedding struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Vector     []float32 `json:"vector"`
}

// EmbeddingMatch pairs a stored chunk with its similarity to a query.
type EmbeddingMatch struct {
	Embedding
	Score float64 `json:"score"`
}

// Store is the persistence surface for the app: settings, pipelines,
// runs, experiments, the model registry, tuning results, and RAG chunk
// embeddings. All timestamps are UTC.
type Store interface {
	EnsureSchema(ctx context.Context) error

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	CreatePipeline(ctx context.Context, p Pipeline) error
	ListPipelines(ctx context.Context) ([]Pipeline, error)
	DeletePipeline(ctx context.Context, id string) error

	CreateRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, pipelineID string) ([]Run, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	SetRunMetrics(ctx context.Context, id string, metrics json.RawMessage) error
	SetRunNotes(ctx context.Context, id, notes string) error
	SetRunTags(ctx context.Context, id string, tags []string) error
	RenameRun(ctx context.Context, id, displayName string) error
	AssignRunExperiment(ctx context.Context, id, experimentID string) error
	DeleteRun(ctx context.Context, id string) error

	CreateExperiment(ctx context.Context, e Experiment) error
	ListExperiments(ctx context.Context) ([]Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error

	CreateModel(ctx context.Context, m Model) error
	ListModels(ctx context.Context) ([]Model, error)
	DeleteModel(ctx context.Context, id string) error

	CreateVersion(ctx context.Context, v ModelVersion) error
	GetVersion(ctx context.Context, id string) (ModelVersion, error)
	ListVersions(ctx context.Context, modelID string) ([]ModelVersion, error)
	PromoteVersion(ctx context.Context, id, stage string) error
	SetVersionTags(ctx context.Context, id string, tags []string) error
	SetVersionMetadata(ctx context.Context, id string, meta json.RawMessage) error
	CompareVersions(ctx context.Context, ids []string) ([]ModelVersion, error)
	DeleteVersion(ctx context.Context, id string) error

	CreateTuningSession(ctx context.Context, s TuningSession) error
	AddTuningTrial(ctx context.Context, tr TuningTrial) error
	ListTuningTrials(ctx context.Context, sessionID string) ([]TuningTrial, error)
	FinishTuningSession(ctx context.Context, id, status string, best json.RawMessage) error

	AddEmbedding(ctx context.Context, e Embedding) error
	SearchEmbeddings(ctx context.Context, query []float32, topK int) ([]EmbeddingMatch, error)
	DeleteEmbeddings(ctx context.Context, sourceID string) error

	Close() error
}

// CosineSimilarity returns the cosine of the angle between a and b, or
// 0 when either vector is zero-length or all zeros.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
