// Package httpserve supervises the HTTP model serving worker: a
// FastAPI child that exposes /predict on localhost while reporting
// lifecycle and per-request telemetry to us over stdout.
package httpserve

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mldesk/mldesk/internal/event"
	"github.com/mldesk/mldesk/internal/metrics"
	"github.com/mldesk/mldesk/internal/worker"
)

//go:embed assets/http_server.py
var serverScript []byte

// StartTimeout bounds the wait for the worker's ready line.
const StartTimeout = 30 * time.Second

// Config selects where and how the worker serves.
type Config struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	UseONNX     bool     `json:"use_onnx"`
	ONNXPath    string   `json:"onnx_path,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: 8080}
}

// Status is what the GUI sees.
type Status struct {
	Running   bool            `json:"running"`
	Host      string          `json:"host,omitempty"`
	Port      int             `json:"port,omitempty"`
	VersionID string          `json:"version_id,omitempty"`
	ModelName string          `json:"model_name,omitempty"`
	Runtime   string          `json:"runtime,omitempty"`
	ModelInfo json.RawMessage `json:"model_info,omitempty"`
	URL       string          `json:"url,omitempty"`
}

type readyInfo struct {
	Host      string          `json:"host"`
	Port      int             `json:"port"`
	Runtime   string          `json:"runtime"`
	ModelInfo json.RawMessage `json:"model_info"`
}

// Server owns at most one serving worker.
type Server struct {
	bus     *event.Bus
	markers *worker.MarkerDir

	startTimeout time.Duration

	mu        sync.Mutex
	proc      *worker.Proc
	tracker   *Tracker
	versionID string
	modelName string
	ready     readyInfo
	starting  bool
	stopping  bool
	exited    *worker.Proc // child that died before Start committed it
}

func NewServer(bus *event.Bus, markers *worker.MarkerDir) *Server {
	return &Server{bus: bus, markers: markers, startTimeout: StartTimeout}
}

// SetStartTimeout overrides the readiness deadline. Non-positive values
// keep the current setting. Call before Start.
func (s *Server) SetStartTimeout(d time.Duration) {
	if d > 0 {
		s.startTimeout = d
	}
}

// Start spawns the serving worker for the given model file and blocks
// until it reports ready or fails. The readiness wait happens with the
// slot reserved but the lock released, so Status and Stop never block
// behind a slow uvicorn startup.
func (s *Server) Start(ctx context.Context, python, dataDir, modelPath, versionID, modelName string, cfg Config) (Status, error) {
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
	if cfg.Host == "" {
		cfg = DefaultConfig()
	}

	scriptsDir := filepath.Join(dataDir, "scripts")
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		return Status{}, fmt.Errorf("create scripts dir: %w", err)
	}
	scriptPath := filepath.Join(scriptsDir, "http_server.py")
	if err := os.WriteFile(scriptPath, serverScript, 0o600); err != nil {
		return Status{}, fmt.Errorf("write worker script: %w", err)
	}

	args := []string{"-u", scriptPath, modelPath, "--host", cfg.Host, "--port", strconv.Itoa(cfg.Port)}
	if cfg.UseONNX && cfg.ONNXPath != "" {
		args = append(args, "--onnx", cfg.ONNXPath)
	}
	if len(cfg.CORSOrigins) > 0 {
		args = append(args, "--cors", strings.Join(cfg.CORSOrigins, ","))
	}

	p, err := worker.StartProc(worker.SpawnSpec{Kind: worker.KindHTTPServe, Path: python, Args: args})
	if err != nil {
		return Status{}, err
	}
	if err := s.markers.Write(worker.KindHTTPServe, p.PID()); err != nil {
		slog.Warn("pid marker write failed", "err", err)
	}

	tracker := NewTracker()
	readyCh := make(chan readyResult, 1)
	corr := worker.NewCorrelator()
	go worker.ReadLoop(p.Stdout(), worker.PrefixCodec{}, corr,
		s.frameHandler(tracker, readyCh),
		func(error) {
			corr.Close()
			select {
			case readyCh <- readyResult{err: worker.ErrDisconnected}:
			default:
			}
			s.onExit(p)
		})
	go worker.StderrLoop(p.Stderr(), func(line string) {
		s.bus.Emit(event.TopicHTTPError, map[string]string{"code": "STDERR", "message": line})
	})

	timer := time.NewTimer(s.startTimeout)
	defer timer.Stop()
	select {
	case res := <-readyCh:
		if res.err != nil {
			s.abortStart(p)
			return Status{}, fmt.Errorf("http server start: %w", res.err)
		}
		s.mu.Lock()
		s.proc = p
		s.tracker = tracker
		s.versionID = versionID
		s.modelName = modelName
		s.ready = res.info
		replay := s.exited == p
		s.exited = nil
		st := s.statusLocked()
		s.mu.Unlock()
		metrics.IncStart(string(worker.KindHTTPServe))
		slog.Info("http server ready", "pid", p.PID(), "host", res.info.Host, "port", res.info.Port, "runtime", res.info.Runtime)
		if replay {
			// died right after reporting ready; run the exit handling
			// its EOF could not, now that the child is committed
			s.onExit(p)
		}
		return st, nil
	case <-timer.C:
		s.abortStart(p)
		return Status{}, fmt.Errorf("waiting for http server: %w", worker.ErrTimeout)
	case <-ctx.Done():
		s.abortStart(p)
		return Status{}, ctx.Err()
	}
}

type readyResult struct {
	info readyInfo
	err  error
}

// frameHandler routes the worker's sentinel lines: the first ready or
// error line completes startup, request lines feed the tracker, and
// everything is mirrored onto the event bus.
func (s *Server) frameHandler(tracker *Tracker, readyCh chan<- readyResult) func(worker.Frame) {
	return func(f worker.Frame) {
		switch f.Topic {
		case worker.TopicReady:
			var info readyInfo
			if err := json.Unmarshal(f.Payload, &info); err == nil {
				select {
				case readyCh <- readyResult{info: info}:
				default:
				}
			}
		case worker.TopicRequestLog:
			var log RequestLog
			if err := json.Unmarshal(f.Payload, &log); err != nil {
				return
			}
			if log.BatchSize == 0 {
				log.BatchSize = 1
			}
			tracker.Add(log)
			s.bus.Emit(event.TopicHTTPRequestLog, log)
		case worker.TopicError:
			var e struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if json.Unmarshal(f.Payload, &e) == nil {
				select {
				case readyCh <- readyResult{err: fmt.Errorf("%s: %s", e.Code, e.Message)}:
				default:
				}
				s.bus.Emit(event.TopicHTTPError, e)
			}
		case worker.TopicLog:
			s.bus.Emit(event.TopicHTTPLog, json.RawMessage(f.Payload))
		default:
			if f.Type == worker.FrameLog && f.Raw != "" {
				slog.Debug("http server output", "line", f.Raw)
			}
		}
	}
}

func (s *Server) abortStart(p *worker.Proc) {
	p.Kill()
	s.markers.Remove(worker.KindHTTPServe)
}

// Stop terminates the worker. The serving child has no stdin protocol;
// SIGTERM lets uvicorn shut down cleanly.
func (s *Server) Stop() error {
	s.mu.Lock()
	p := s.proc
	if p == nil {
		s.mu.Unlock()
		return worker.ErrNotRunning
	}
	s.stopping = true
	s.mu.Unlock()

	p.Terminate(5 * time.Second)
	s.onExit(p)
	return nil
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
	return Status{
		Running:   true,
		Host:      s.ready.Host,
		Port:      s.ready.Port,
		VersionID: s.versionID,
		ModelName: s.modelName,
		Runtime:   s.ready.Runtime,
		ModelInfo: s.ready.ModelInfo,
		URL:       fmt.Sprintf("http://%s:%d", s.ready.Host, s.ready.Port),
	}
}

// Metrics snapshots the request tracker. Zero-valued when stopped.
func (s *Server) Metrics() Metrics {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker == nil {
		return Metrics{}
	}
	return tracker.Snapshot()
}

// ResetMetrics clears the request tracker.
func (s *Server) ResetMetrics() error {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker == nil {
		return worker.ErrNotRunning
	}
	tracker.Reset()
	return nil
}

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
	s.proc = nil
	s.tracker = nil
	s.versionID = ""
	s.modelName = ""
	s.ready = readyInfo{}
	s.stopping = false
	s.mu.Unlock()
	s.markers.Remove(worker.KindHTTPServe)
	if !graceful {
		metrics.IncCrash(string(worker.KindHTTPServe))
	}
	s.bus.Emit(event.TopicWorker, map[string]any{
		"kind":      string(worker.KindHTTPServe),
		"state":     string(worker.StateStopped),
		"graceful":  graceful,
		"exit_code": p.ExitCode(),
	})
	slog.Info("http server exited", "graceful", graceful, "exit_code", p.ExitCode())
}
