// Package infer supervises the model inference worker: a Python child
// that loads a serialized model once and answers predict commands over
// stdio using the sentinel-prefixed line protocol.
package infer

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mldesk/mldesk/internal/event"
	"github.com/mldesk/mldesk/internal/metrics"
	"github.com/mldesk/mldesk/internal/worker"
)

//go:embed assets/inference_server.py
var serverScript []byte

const (
	// LoadTimeout bounds model deserialization at startup.
	LoadTimeout = 30 * time.Second
	// PredictTimeout bounds a single predict round trip.
	PredictTimeout = 10 * time.Second

	// startupID is the fixed correlation id of the ready/failure reply
	// the child sends before entering its command loop.
	startupID = "startup"
)

// Status describes the server as reported to the GUI.
type Status struct {
	Running   bool            `json:"running"`
	ModelPath string          `json:"model_path,omitempty"`
	ModelInfo json.RawMessage `json:"model_info,omitempty"`
}

// Server owns at most one inference worker.
type Server struct {
	bus     *event.Bus
	markers *worker.MarkerDir

	loadTimeout    time.Duration
	predictTimeout time.Duration

	mu        sync.Mutex
	proc      *worker.Proc
	corr      *worker.Correlator
	modelPath string
	modelInfo json.RawMessage
	starting  bool
	stopping  bool
	exited    *worker.Proc // child that died before Start committed it
}

func NewServer(bus *event.Bus, markers *worker.MarkerDir) *Server {
	return &Server{
		bus:            bus,
		markers:        markers,
		loadTimeout:    LoadTimeout,
		predictTimeout: PredictTimeout,
	}
}

// SetTimeouts overrides the load and predict deadlines. Non-positive
// values keep the current setting. Call before Start.
func (s *Server) SetTimeouts(load, predict time.Duration) {
	if load > 0 {
		s.loadTimeout = load
	}
	if predict > 0 {
		s.predictTimeout = predict
	}
}

// Start spawns the worker for modelPath and blocks until the model is
// loaded or LoadTimeout elapses. The worker script is materialized
// under dataDir so a user-writable location always exists. The load
// wait happens with the slot reserved but the lock released, so Status,
// Stop and Predict never block behind a slow model load.
func (s *Server) Start(ctx context.Context, python, dataDir, modelPath string) (Status, error) {
	s.mu.Lock()
	if s.proc != nil || s.starting {
		s.mu.Unlock()
		return Status{}, worker.ErrAlreadyRunning
	}
	s.starting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.exited = nil
		s.mu.Unlock()
	}()

	scriptsDir := filepath.Join(dataDir, "scripts")
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		return Status{}, fmt.Errorf("create scripts dir: %w", err)
	}
	scriptPath := filepath.Join(scriptsDir, "inference_server.py")
	if err := os.WriteFile(scriptPath, serverScript, 0o600); err != nil {
		return Status{}, fmt.Errorf("write worker script: %w", err)
	}

	p, err := worker.StartProc(worker.SpawnSpec{
		Kind:      worker.KindInference,
		Path:      python,
		Args:      []string{"-u", scriptPath, modelPath},
		WithStdin: true,
	})
	if err != nil {
		return Status{}, err
	}
	if err := s.markers.Write(worker.KindInference, p.PID()); err != nil {
		slog.Warn("pid marker write failed", "err", err)
	}

	corr := worker.NewCorrelator()
	// the waiter must exist before the reader starts so a fast child
	// cannot race its ready reply past us
	ready := corr.Register(startupID)
	go worker.ReadLoop(p.Stdout(), worker.PrefixCodec{}, corr, s.onFrame, func(error) { s.onExit(p) })
	go worker.StderrLoop(p.Stderr(), func(line string) {
		slog.Debug("inference stderr", "line", line)
	})

	timer := time.NewTimer(s.loadTimeout)
	defer timer.Stop()
	select {
	case res := <-ready:
		if res.Err != nil {
			s.abortStart(p, corr)
			return Status{}, fmt.Errorf("model load failed: %w", res.Err)
		}
		var startup struct {
			ModelInfo json.RawMessage `json:"model_info"`
		}
		_ = json.Unmarshal(res.Payload, &startup)
		s.mu.Lock()
		s.proc = p
		s.corr = corr
		s.modelPath = modelPath
		s.modelInfo = startup.ModelInfo
		replay := s.exited == p
		s.exited = nil
		st := s.statusLocked()
		s.mu.Unlock()
		metrics.IncStart(string(worker.KindInference))
		slog.Info("inference server ready", "pid", p.PID(), "model", modelPath)
		if replay {
			// died right after reporting ready; run the exit handling
			// its EOF could not, now that the child is committed
			s.onExit(p)
		}
		return st, nil
	case <-timer.C:
		s.abortStart(p, corr)
		return Status{}, fmt.Errorf("waiting for model load: %w", worker.ErrTimeout)
	case <-ctx.Done():
		s.abortStart(p, corr)
		return Status{}, ctx.Err()
	}
}

// abortStart tears down a child that never became ready.
func (s *Server) abortStart(p *worker.Proc, corr *worker.Correlator) {
	p.Kill()
	s.markers.Remove(worker.KindInference)
	corr.Close()
}

// Stop closes the worker's stdin (its shutdown signal) and waits for a
// graceful exit, escalating if the child lingers.
func (s *Server) Stop() error {
	s.mu.Lock()
	p := s.proc
	if p == nil {
		s.mu.Unlock()
		return worker.ErrNotRunning
	}
	s.stopping = true
	s.mu.Unlock()

	_ = p.CloseStdin()
	go p.Wait()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		p.Terminate(2 * time.Second)
	}
	s.onExit(p)
	return nil
}

// Predict runs one prediction. An empty requestID gets a fresh one.
func (s *Server) Predict(ctx context.Context, requestID string, input json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	p, corr := s.proc, s.corr
	s.mu.Unlock()
	if p == nil {
		return nil, worker.ErrNotRunning
	}
	if requestID == "" {
		requestID = corr.NextID()
	}
	return s.call(ctx, p, corr, requestID, "predict", map[string]any{"input": input}, s.predictTimeout)
}

// Info asks the worker to describe its loaded model.
func (s *Server) Info(ctx context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	p, corr := s.proc, s.corr
	s.mu.Unlock()
	if p == nil {
		return nil, worker.ErrNotRunning
	}
	return s.call(ctx, p, corr, corr.NextID(), "info", nil, s.predictTimeout)
}

// Health probes the worker's command loop.
func (s *Server) Health(ctx context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	p, corr := s.proc, s.corr
	s.mu.Unlock()
	if p == nil {
		return nil, worker.ErrNotRunning
	}
	return s.call(ctx, p, corr, corr.NextID(), "health", nil, s.predictTimeout)
}

func (s *Server) call(ctx context.Context, p *worker.Proc, corr *worker.Correlator, requestID, cmd string, extra map[string]any, timeout time.Duration) (json.RawMessage, error) {
	body := map[string]any{"cmd": cmd, "request_id": requestID}
	for k, v := range extra {
		body[k] = v
	}
	enc, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	payload, err := corr.Call(ctx, requestID, func() error {
		return p.Write(worker.PrefixCodec{}.Encode(enc))
	}, timeout, nil)
	metrics.ObserveRequest(string(worker.KindInference), cmd, time.Since(start).Seconds())
	if err != nil {
		metrics.IncRequestError(string(worker.KindInference), errClass(err))
	}
	return payload, err
}

// Status reports the current server state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Server) statusLocked() Status {
	if s.proc == nil {
		return Status{}
	}
	return Status{Running: true, ModelPath: s.modelPath, ModelInfo: s.modelInfo}
}

func (s *Server) onFrame(f worker.Frame) {
	switch f.Type {
	case worker.FrameNotification:
		s.bus.Emit(event.TopicInference, map[string]any{"kind": f.Topic, "data": f.Payload})
	case worker.FrameLog:
		if f.Raw != "" {
			slog.Debug("inference output", "line", f.Raw)
		}
	}
}

// onExit runs when the reader hits EOF: the child is gone, whether by
// our Stop or by a crash. Pending requests were already drained.
func (s *Server) onExit(p *worker.Proc) {
	_ = p.Wait()
	s.mu.Lock()
	if s.proc != p {
		if s.starting {
			// Start may still commit this child; the commit path will
			// replay the exit
			s.exited = p
		}
		s.mu.Unlock()
		return
	}
	graceful := s.stopping
	corr := s.corr
	s.proc = nil
	s.corr = nil
	s.modelPath = ""
	s.modelInfo = nil
	s.stopping = false
	s.mu.Unlock()
	if corr != nil {
		corr.Close()
	}
	s.markers.Remove(worker.KindInference)
	if !graceful {
		metrics.IncCrash(string(worker.KindInference))
	}
	s.bus.Emit(event.TopicWorker, map[string]any{
		"kind":      string(worker.KindInference),
		"state":     string(worker.StateStopped),
		"graceful":  graceful,
		"exit_code": p.ExitCode(),
	})
	slog.Info("inference server exited", "graceful", graceful, "exit_code", p.ExitCode())
}

func errClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, worker.ErrTimeout):
		return "timeout"
	case errors.Is(err, worker.ErrDisconnected):
		return "disconnected"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
