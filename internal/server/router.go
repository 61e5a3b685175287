// Package server exposes the backend to the GUI shell: a REST command
// surface over the workers and the store, an SSE stream off the event
// bus, and the prometheus endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mldesk/mldesk/internal/event"
	"github.com/mldesk/mldesk/internal/httpserve"
	"github.com/mldesk/mldesk/internal/infer"
	"github.com/mldesk/mldesk/internal/langserv"
	"github.com/mldesk/mldesk/internal/metrics"
	"github.com/mldesk/mldesk/internal/ollama"
	"github.com/mldesk/mldesk/internal/script"
	"github.com/mldesk/mldesk/internal/store"
	"github.com/mldesk/mldesk/internal/worker"
)

// Deps carries the collaborators the router drives. All are owned by
// the caller; the router only dispatches.
type Deps struct {
	Bus     *event.Bus
	Store   store.Store
	Script  *script.Runner
	Infer   *infer.Server
	HTTP    *httpserve.Server
	Lang    *langserv.Client
	Ollama  *ollama.Client
	Python  string
	DataDir string

	// Models used for the RAG endpoints.
	CompletionModel string
	EmbeddingModel  string
}

type Router struct {
	deps     Deps
	basePath string
}

// NewRouter constructs a Router with configurable basePath.
// Example basePath: "/api" results in /api/status, /api/script/run, ...
func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted
// in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)

	group.GET("/status", r.handleStatus)
	group.GET("/events", r.handleEvents)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))

	group.POST("/script/run", r.handleScriptRun)
	group.POST("/script/cancel", r.handleScriptCancel)

	group.POST("/inference/start", r.handleInferStart)
	group.POST("/inference/stop", r.handleInferStop)
	group.POST("/inference/predict", r.handlePredict)
	group.GET("/inference/info", r.handleInferInfo)
	group.GET("/inference/health", r.handleInferHealth)

	group.POST("/serve/start", r.handleServeStart)
	group.POST("/serve/stop", r.handleServeStop)
	group.GET("/serve/status", r.handleServeStatus)
	group.GET("/serve/metrics", r.handleServeMetrics)
	group.POST("/serve/metrics/reset", r.handleServeMetricsReset)

	group.POST("/lsp/start", r.handleLspStart)
	group.POST("/lsp/stop", r.handleLspStop)
	group.GET("/lsp/status", r.handleLspStatus)
	group.POST("/lsp/request", r.handleLspRequest)
	group.POST("/lsp/notify", r.handleLspNotify)

	group.GET("/settings/:key", r.handleGetSetting)
	group.PUT("/settings/:key", r.handleSetSetting)

	group.GET("/pipelines", r.handleListPipelines)
	group.POST("/pipelines", r.handleCreatePipeline)
	group.DELETE("/pipelines/:id", r.handleDeletePipeline)
	group.GET("/runs", r.handleListRuns)
	group.GET("/runs/:id", r.handleGetRun)
	group.PATCH("/runs/:id", r.handlePatchRun)
	group.DELETE("/runs/:id", r.handleDeleteRun)

	group.GET("/experiments", r.handleListExperiments)
	group.POST("/experiments", r.handleCreateExperiment)
	group.DELETE("/experiments/:id", r.handleDeleteExperiment)

	group.GET("/models", r.handleListModels)
	group.POST("/models", r.handleCreateModel)
	group.DELETE("/models/:id", r.handleDeleteModel)
	group.GET("/models/:id/versions", r.handleListVersions)
	group.POST("/versions", r.handleCreateVersion)
	group.POST("/versions/:id/promote", r.handlePromoteVersion)
	group.GET("/versions/compare", r.handleCompareVersions)
	group.DELETE("/versions/:id", r.handleDeleteVersion)

	group.POST("/tuning/sessions", r.handleCreateTuningSession)
	group.POST("/tuning/trials", r.handleAddTuningTrial)
	group.GET("/tuning/sessions/:id/trials", r.handleListTuningTrials)
	group.POST("/tuning/sessions/:id/finish", r.handleFinishTuningSession)

	group.GET("/ollama/status", r.handleOllamaStatus)
	group.GET("/ollama/models", r.handleOllamaModels)
	group.POST("/rag/index", r.handleRagIndex)
	group.POST("/rag/search", r.handleRagSearch)
	group.POST("/rag/ask", r.handleRagAsk)
	group.POST("/rag/cancel", r.handleRagCancel)

	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, deps Deps) *http.Server {
	r := NewRouter(deps, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"script_running": r.deps.Script.Running(),
		"inference":      r.deps.Infer.Status(),
		"http_server":    r.deps.HTTP.Status(),
		"language":       r.deps.Lang.Status(),
		"ollama":         r.deps.Ollama.CheckStatus(c.Request.Context()),
	})
}

// --- script ---

func (r *Router) handleScriptRun(c *gin.Context) {
	var req struct {
		Code      string `json:"code"`
		InputPath string `json:"input_path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Code == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "code required"})
		return
	}
	if !isSafeAbsPath(req.InputPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid input_path: must be absolute path without traversal"})
		return
	}
	if err := r.deps.Script.Run(r.deps.Python, req.Code, req.InputPath, r.deps.DataDir); err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleScriptCancel(c *gin.Context) {
	if err := r.deps.Script.Cancel(); err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- inference ---

func (r *Router) handleInferStart(c *gin.Context) {
	var req struct {
		ModelPath string `json:"model_path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ModelPath == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "model_path required"})
		return
	}
	if !isSafeAbsPath(req.ModelPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid model_path"})
		return
	}
	info, err := r.deps.Infer.Start(c.Request.Context(), r.deps.Python, r.deps.DataDir, req.ModelPath)
	if err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleInferStop(c *gin.Context) {
	if err := r.deps.Infer.Stop(); err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handlePredict(c *gin.Context) {
	var req struct {
		RequestID string          `json:"request_id"`
		Input     json.RawMessage `json:"input"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	out, err := r.deps.Infer.Predict(c.Request.Context(), req.RequestID, req.Input)
	if err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"request_id": req.RequestID, "result": out})
}

func (r *Router) handleInferInfo(c *gin.Context) {
	out, err := r.deps.Infer.Info(c.Request.Context())
	if err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleInferHealth(c *gin.Context) {
	out, err := r.deps.Infer.Health(c.Request.Context())
	if err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

// --- http serving ---

func (r *Router) handleServeStart(c *gin.Context) {
	var req struct {
		ModelPath string           `json:"model_path"`
		VersionID string           `json:"version_id"`
		ModelName string           `json:"model_name"`
		Config    httpserve.Config `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ModelPath == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "model_path required"})
		return
	}
	if !isSafeAbsPath(req.ModelPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid model_path"})
		return
	}
	st, err := r.deps.HTTP.Start(c.Request.Context(), r.deps.Python, r.deps.DataDir,
		req.ModelPath, req.VersionID, req.ModelName, req.Config)
	if err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleServeStop(c *gin.Context) {
	if err := r.deps.HTTP.Stop(); err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleServeStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.HTTP.Status())
}

func (r *Router) handleServeMetrics(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.HTTP.Metrics())
}

func (r *Router) handleServeMetricsReset(c *gin.Context) {
	if err := r.deps.HTTP.ResetMetrics(); err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- language server ---

func (r *Router) handleLspStart(c *gin.Context) {
	var req struct {
		Workspace string `json:"workspace"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := r.deps.Lang.Start(c.Request.Context(), r.deps.Python, req.Workspace); err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.deps.Lang.Status())
}

func (r *Router) handleLspStop(c *gin.Context) {
	if err := r.deps.Lang.Stop(); err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLspStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Lang.Status())
}

func (r *Router) handleLspRequest(c *gin.Context) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Method == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "method required"})
		return
	}
	out, err := r.deps.Lang.Request(c.Request.Context(), req.Method, req.Params)
	if err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"result": out})
}

func (r *Router) handleLspNotify(c *gin.Context) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Method == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "method required"})
		return
	}
	if err := r.deps.Lang.Notify(req.Method, req.Params); err != nil {
		writeWorkerError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- settings / pipelines / runs ---

func (r *Router) handleGetSetting(c *gin.Context) {
	v, err := r.deps.Store.GetSetting(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"key": c.Param("key"), "value": v})
}

func (r *Router) handleSetSetting(c *gin.Context) {
	var req struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.deps.Store.SetSetting(c.Request.Context(), c.Param("key"), req.Value); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleListPipelines(c *gin.Context) {
	out, err := r.deps.Store.ListPipelines(c.Request.Context())
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleCreatePipeline(c *gin.Context) {
	var p store.Pipeline
	if err := c.ShouldBindJSON(&p); err != nil || p.Name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name required"})
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := r.deps.Store.CreatePipeline(c.Request.Context(), p); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (r *Router) handleDeletePipeline(c *gin.Context) {
	if err := r.deps.Store.DeletePipeline(c.Request.Context(), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleListRuns(c *gin.Context) {
	out, err := r.deps.Store.ListRuns(c.Request.Context(), c.Query("pipeline_id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGetRun(c *gin.Context) {
	out, err := r.deps.Store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

// handlePatchRun applies the optional fields present in the body.
func (r *Router) handlePatchRun(c *gin.Context) {
	var req struct {
		Status       *string          `json:"status"`
		DisplayName  *string          `json:"display_name"`
		Notes        *string          `json:"notes"`
		Tags         *[]string        `json:"tags"`
		ExperimentID *string          `json:"experiment_id"`
		Metrics      *json.RawMessage `json:"metrics"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	apply := func(err error) bool {
		if err != nil {
			writeStoreError(c, err)
			return false
		}
		return true
	}
	if req.Status != nil && !apply(r.deps.Store.UpdateRunStatus(ctx, id, *req.Status)) {
		return
	}
	if req.DisplayName != nil && !apply(r.deps.Store.RenameRun(ctx, id, *req.DisplayName)) {
		return
	}
	if req.Notes != nil && !apply(r.deps.Store.SetRunNotes(ctx, id, *req.Notes)) {
		return
	}
	if req.Tags != nil && !apply(r.deps.Store.SetRunTags(ctx, id, *req.Tags)) {
		return
	}
	if req.ExperimentID != nil && !apply(r.deps.Store.AssignRunExperiment(ctx, id, *req.ExperimentID)) {
		return
	}
	if req.Metrics != nil && !apply(r.deps.Store.SetRunMetrics(ctx, id, *req.Metrics)) {
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDeleteRun(c *gin.Context) {
	if err := r.deps.Store.DeleteRun(c.Request.Context(), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- experiments ---

func (r *Router) handleListExperiments(c *gin.Context) {
	out, err := r.deps.Store.ListExperiments(c.Request.Context())
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleCreateExperiment(c *gin.Context) {
	var e store.Experiment
	if err := c.ShouldBindJSON(&e); err != nil || e.Name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name required"})
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := r.deps.Store.CreateExperiment(c.Request.Context(), e); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleDeleteExperiment(c *gin.Context) {
	if err := r.deps.Store.DeleteExperiment(c.Request.Context(), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- model registry ---

func (r *Router) handleListModels(c *gin.Context) {
	out, err := r.deps.Store.ListModels(c.Request.Context())
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleCreateModel(c *gin.Context) {
	var m store.Model
	if err := c.ShouldBindJSON(&m); err != nil || m.Name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name required"})
		return
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := r.deps.Store.CreateModel(c.Request.Context(), m); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, m)
}

func (r *Router) handleListVersions(c *gin.Context) {
	out, err := r.deps.Store.ListVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleCreateVersion(c *gin.Context) {
	var v store.ModelVersion
	if err := c.ShouldBindJSON(&v); err != nil || v.ModelID == "" || v.ArtifactPath == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "model_id and artifact_path required"})
		return
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if err := r.deps.Store.CreateVersion(c.Request.Context(), v); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (r *Router) handlePromoteVersion(c *gin.Context) {
	var req struct {
		Stage string `json:"stage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Stage == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "stage required"})
		return
	}
	if err := r.deps.Store.PromoteVersion(c.Request.Context(), c.Param("id"), req.Stage); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleCompareVersions(c *gin.Context) {
	ids := c.QueryArray("id")
	if len(ids) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "at least one id query param required"})
		return
	}
	out, err := r.deps.Store.CompareVersions(c.Request.Context(), ids)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleDeleteModel(c *gin.Context) {
	if st := r.deps.HTTP.Status(); st.Running {
		versions, err := r.deps.Store.ListVersions(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeStoreError(c, err)
			return
		}
		for _, v := range versions {
			if v.ID == st.VersionID {
				writeJSON(c, http.StatusConflict, errorResp{Error: "a version of this model is being served"})
				return
			}
		}
	}
	if err := r.deps.Store.DeleteModel(c.Request.Context(), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleDeleteVersion refuses to delete the version currently served.
func (r *Router) handleDeleteVersion(c *gin.Context) {
	if st := r.deps.HTTP.Status(); st.Running && st.VersionID == c.Param("id") {
		writeJSON(c, http.StatusConflict, errorResp{Error: "version is being served"})
		return
	}
	if err := r.deps.Store.DeleteVersion(c.Request.Context(), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- tuning ---

func (r *Router) handleCreateTuningSession(c *gin.Context) {
	var s store.TuningSession
	if err := c.ShouldBindJSON(&s); err != nil || s.RunID == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "run_id required"})
		return
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = "running"
	}
	if err := r.deps.Store.CreateTuningSession(c.Request.Context(), s); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleAddTuningTrial(c *gin.Context) {
	var tr store.TuningTrial
	if err := c.ShouldBindJSON(&tr); err != nil || tr.SessionID == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "session_id required"})
		return
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if err := r.deps.Store.AddTuningTrial(c.Request.Context(), tr); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tr)
}

func (r *Router) handleListTuningTrials(c *gin.Context) {
	out, err := r.deps.Store.ListTuningTrials(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleFinishTuningSession(c *gin.Context) {
	var req struct {
		Status     string          `json:"status"`
		BestParams json.RawMessage `json:"best_params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "status required"})
		return
	}
	if err := r.deps.Store.FinishTuningSession(c.Request.Context(), c.Param("id"), req.Status, req.BestParams); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// --- ollama / RAG ---

func (r *Router) handleOllamaStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Ollama.CheckStatus(c.Request.Context()))
}

func (r *Router) handleOllamaModels(c *gin.Context) {
	models, err := r.deps.Ollama.ListModels(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, models)
}

// handleRagIndex embeds each chunk and stores it under the source id.
func (r *Router) handleRagIndex(c *gin.Context) {
	var req struct {
		SourceID string   `json:"source_id"`
		Chunks   []string `json:"chunks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SourceID == "" || len(req.Chunks) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "source_id and chunks required"})
		return
	}
	ctx := c.Request.Context()
	// reindex replaces earlier chunks for the source
	if err := r.deps.Store.DeleteEmbeddings(ctx, req.SourceID); err != nil {
		writeStoreError(c, err)
		return
	}
	for i, chunk := range req.Chunks {
		vec, err := r.deps.Ollama.GenerateEmbedding(ctx, r.deps.EmbeddingModel, chunk)
		if err != nil {
			writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
			return
		}
		e := store.Embedding{
			ID:         uuid.NewString(),
			SourceID:   req.SourceID,
			ChunkIndex: i,
			Content:    chunk,
			Vector:     vec,
		}
		if err := r.deps.Store.AddEmbedding(ctx, e); err != nil {
			writeStoreError(c, err)
			return
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"indexed": len(req.Chunks)})
}

func (r *Router) handleRagSearch(c *gin.Context) {
	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Query == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "query required"})
		return
	}
	ctx := c.Request.Context()
	vec, err := r.deps.Ollama.GenerateEmbedding(ctx, r.deps.EmbeddingModel, req.Query)
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	matches, err := r.deps.Store.SearchEmbeddings(ctx, vec, req.TopK)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, matches)
}

// handleRagAsk retrieves context chunks, builds a column-aware prompt,
// and asks the completion model.
func (r *Router) handleRagAsk(c *gin.Context) {
	var req struct {
		RequestID string   `json:"request_id"`
		Question  string   `json:"question"`
		Columns   []string `json:"columns"`
		TopK      int      `json:"top_k"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Question == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "question required"})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx := c.Request.Context()
	var chunks []string
	if vec, err := r.deps.Ollama.GenerateEmbedding(ctx, r.deps.EmbeddingModel, req.Question); err == nil {
		if matches, err := r.deps.Store.SearchEmbeddings(ctx, vec, req.TopK); err == nil {
			for _, m := range matches {
				chunks = append(chunks, m.Content)
			}
		}
	}
	prompt := ollama.BuildColumnPrompt(req.Question, req.Columns, chunks)
	answer, err := r.deps.Ollama.GenerateCompletion(ctx, req.RequestID, r.deps.CompletionModel, prompt)
	if err != nil {
		if ctx.Err() != nil || errorsIsContext(err) {
			writeJSON(c, http.StatusRequestTimeout, errorResp{Error: "canceled"})
			return
		}
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"request_id": req.RequestID, "answer": answer, "context": chunks})
}

func (r *Router) handleRagCancel(c *gin.Context) {
	var req struct {
		RequestID string `json:"request_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RequestID == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "request_id required"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"canceled": r.deps.Ollama.Cancel(req.RequestID)})
}

func errorsIsContext(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func writeWorkerError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, worker.ErrAlreadyRunning), errors.Is(err, worker.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, worker.ErrTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, worker.ErrDisconnected), errors.Is(err, worker.ErrSpawnFailed), errors.Is(err, worker.ErrProtocol):
		code = http.StatusBadGateway
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
}
