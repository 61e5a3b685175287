package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mldesk/mldesk/internal/event"
	"github.com/mldesk/mldesk/internal/httpserve"
	"github.com/mldesk/mldesk/internal/infer"
	"github.com/mldesk/mldesk/internal/langserv"
	"github.com/mldesk/mldesk/internal/ollama"
	"github.com/mldesk/mldesk/internal/script"
	"github.com/mldesk/mldesk/internal/store"
	"github.com/mldesk/mldesk/internal/store/sqlite"
	"github.com/mldesk/mldesk/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeOllama answers version, embeddings, and generate with canned
// values. Embedding vectors are keyed off the prompt's first byte so
// different chunks rank differently.
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			_ = json.NewEncoder(w).Encode(map[string]string{"version": "0.5.0"})
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:3b"}]}`))
		case "/api/embeddings":
			var req struct {
				Prompt string `json:"prompt"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			v := float32(1)
			if strings.HasPrefix(req.Prompt, "z") {
				v = -1
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{v, 0.5}})
		case "/api/generate":
			_ = json.NewEncoder(w).Encode(map[string]any{"response": "the answer"})
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestRouter(t *testing.T) (*Router, Deps) {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	markers, err := worker.NewMarkerDir(t.TempDir())
	require.NoError(t, err)
	bus := event.NewBus()
	oll := fakeOllama(t)
	t.Cleanup(oll.Close)

	deps := Deps{
		Bus:             bus,
		Store:           st,
		Script:          script.NewRunner(bus),
		Infer:           infer.NewServer(bus, markers),
		HTTP:            httpserve.NewServer(bus, markers),
		Lang:            langserv.NewClient(bus, markers),
		Ollama:          ollama.NewClient(oll.URL),
		Python:          "/usr/bin/python3",
		DataDir:         t.TempDir(),
		CompletionModel: "llama3.2:3b",
		EmbeddingModel:  "nomic-embed-text",
	}
	return NewRouter(deps, "/api"), deps
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r.Handler(), http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Contains(t, got, "inference")
	assert.Contains(t, got, "http_server")
	assert.Contains(t, got, "language")
	assert.JSONEq(t, `false`, string(got["script_running"]))
}

func TestSettingsRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t)
	h := r.Handler()

	w := doJSON(t, h, http.MethodGet, "/api/settings/python_path", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodPut, "/api/settings/python_path", map[string]string{"value": "/opt/py"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/settings/python_path", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/opt/py")
}

func TestPipelinesAndRuns(t *testing.T) {
	r, deps := newTestRouter(t)
	h := r.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/pipelines", map[string]string{"name": "churn"})
	require.Equal(t, http.StatusOK, w.Code)
	var p struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	require.NotEmpty(t, p.ID)

	// runs are created by the training flow; seed one directly
	require.NoError(t, deps.Store.CreateRun(context.Background(),
		storeRun(p.ID, "r1", "baseline")))

	w = doJSON(t, h, http.MethodPatch, "/api/runs/r1", map[string]any{
		"status": "completed",
		"tags":   []string{"keeper"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/runs/r1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completed"`)
	assert.Contains(t, w.Body.String(), `"keeper"`)

	w = doJSON(t, h, http.MethodPatch, "/api/runs/missing", map[string]any{"status": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/runs?pipeline_id="+p.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/api/pipelines/"+p.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestModelRegistryEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	h := r.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/models", map[string]string{"name": "churn", "task_type": "classification"})
	require.Equal(t, http.StatusOK, w.Code)
	var m struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))

	w = doJSON(t, h, http.MethodPost, "/api/versions", map[string]any{
		"model_id": m.ID, "artifact_path": "/models/1.joblib",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var v struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))

	w = doJSON(t, h, http.MethodPost, "/api/versions/"+v.ID+"/promote", map[string]string{"stage": "production"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/models/"+m.ID+"/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"production"`)

	w = doJSON(t, h, http.MethodGet, "/api/versions/compare?id="+v.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestExperimentEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	h := r.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/experiments", map[string]string{"name": "baselines"})
	require.Equal(t, http.StatusOK, w.Code)
	var e struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	require.NotEmpty(t, e.ID)

	w = doJSON(t, h, http.MethodGet, "/api/experiments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "baselines")

	w = doJSON(t, h, http.MethodDelete, "/api/experiments/"+e.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/api/experiments/"+e.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTuningEndpoints(t *testing.T) {
	r, deps := newTestRouter(t)
	h := r.Handler()

	require.NoError(t, deps.Store.CreatePipeline(context.Background(), store.Pipeline{ID: "pl", Name: "d"}))
	require.NoError(t, deps.Store.CreateRun(context.Background(), storeRun("pl", "r1", "tuned")))

	w := doJSON(t, h, http.MethodPost, "/api/tuning/sessions", map[string]string{"run_id": "r1"})
	require.Equal(t, http.StatusOK, w.Code)
	var s struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))

	w = doJSON(t, h, http.MethodPost, "/api/tuning/trials", map[string]any{
		"session_id": s.ID, "number": 1, "params": map[string]any{"lr": 0.1}, "value": 0.92, "state": "complete",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/tuning/sessions/"+s.ID+"/trials", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"lr"`)

	w = doJSON(t, h, http.MethodPost, "/api/tuning/sessions/"+s.ID+"/finish", map[string]any{
		"status": "completed", "best_params": map[string]any{"lr": 0.1},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/tuning/sessions/missing/finish", map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteVersionAndModel(t *testing.T) {
	r, deps := newTestRouter(t)
	h := r.Handler()

	ctx := context.Background()
	require.NoError(t, deps.Store.CreateModel(ctx, store.Model{ID: "m1", Name: "churn"}))
	require.NoError(t, deps.Store.CreateVersion(ctx, store.ModelVersion{
		ID: "v1", ModelID: "m1", Stage: store.StageStaging, ArtifactPath: "/models/1.joblib",
	}))

	// nothing is being served, so deletes go through
	w := doJSON(t, h, http.MethodDelete, "/api/versions/v1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/api/models/m1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/api/versions/v1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkerEndpointsWhenStopped(t *testing.T) {
	r, _ := newTestRouter(t)
	h := r.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/inference/predict", map[string]any{"input": map[string]any{"age": 40}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/inference/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/lsp/request", map[string]any{"method": "ping"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/serve/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/script/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestScriptRunValidation(t *testing.T) {
	r, _ := newTestRouter(t)
	h := r.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/script/run", map[string]string{"code": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/script/run", map[string]string{"code": "print(1)", "input_path": "../../etc/passwd"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRagIndexSearchAsk(t *testing.T) {
	r, _ := newTestRouter(t)
	h := r.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/rag/index", map[string]any{
		"source_id": "doc1",
		"chunks":    []string{"age is customer age", "zzz unrelated"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"indexed":2`)

	w = doJSON(t, h, http.MethodPost, "/api/rag/search", map[string]any{"query": "age", "top_k": 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "age is customer age")

	w = doJSON(t, h, http.MethodPost, "/api/rag/ask", map[string]any{
		"question": "what is age?",
		"columns":  []string{"age", "tenure"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "the answer")

	w = doJSON(t, h, http.MethodPost, "/api/rag/cancel", map[string]string{"request_id": "nope"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"canceled":false`)
}

func TestOllamaEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	h := r.Handler()

	w := doJSON(t, h, http.MethodGet, "/api/ollama/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"running":true`)

	w = doJSON(t, h, http.MethodGet, "/api/ollama/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "llama3.2:3b")
}

func TestEventsStream(t *testing.T) {
	r, deps := newTestRouter(t)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// give the subscriber a moment to attach, then publish
	time.Sleep(100 * time.Millisecond)
	deps.Bus.Emit(event.TopicScriptOutput, map[string]string{"type": "log", "line": "hello"})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, "hello")
			assert.Contains(t, line, string(event.TopicScriptOutput))
			return
		}
	}
}

func storeRun(pipelineID, id, name string) store.Run {
	return store.Run{ID: id, PipelineID: pipelineID, DisplayName: name, Status: "running"}
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r.Handler(), http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
