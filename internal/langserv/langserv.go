// Package langserv supervises the pyright language server: a JSON-RPC
// child speaking Content-Length framed messages over stdio, with
// bounded automatic restarts on crash.
package langserv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mldesk/mldesk/internal/event"
	"github.com/mldesk/mldesk/internal/metrics"
	"github.com/mldesk/mldesk/internal/worker"
)

const (
	// RequestTimeout bounds ordinary requests.
	RequestTimeout = 5 * time.Second
	// InitializeTimeout is longer because pyright's first analysis pass
	// of a large workspace can take a while.
	InitializeTimeout = 30 * time.Second

	shutdownWait = 3 * time.Second
)

// ToolInfo reports whether pyright is importable from the interpreter.
type ToolInfo struct {
	Installed  bool   `json:"installed"`
	Version    string `json:"version,omitempty"`
	PythonPath string `json:"python_path"`
}

// Status is the client state as reported to the GUI.
type Status struct {
	Running        bool   `json:"running"`
	Initialized    bool   `json:"initialized"`
	RestartCount   int    `json:"restart_count"`
	PyrightVersion string `json:"pyright_version,omitempty"`
}

// CheckInstalled probes `python -m pyright --version`.
func CheckInstalled(python string) (ToolInfo, error) {
	out, err := exec.Command(python, "-m", "pyright", "--version").Output()
	if err != nil {
		return ToolInfo{Installed: false, PythonPath: python}, nil
	}
	version := ""
	if line, _, _ := strings.Cut(string(out), "\n"); strings.HasPrefix(line, "pyright ") {
		version = strings.TrimSpace(strings.TrimPrefix(line, "pyright "))
	}
	return ToolInfo{Installed: true, Version: version, PythonPath: python}, nil
}

// Client owns at most one language server process.
type Client struct {
	bus     *event.Bus
	markers *worker.MarkerDir
	tracker *worker.RestartTracker

	requestTimeout time.Duration
	initTimeout    time.Duration

	mu          sync.Mutex
	proc        *worker.Proc
	corr        *worker.Correlator
	python      string
	workspace   string
	version     string
	initialized bool
	starting    bool
	stopping    bool
}

func NewClient(bus *event.Bus, markers *worker.MarkerDir) *Client {
	return &Client{
		bus:            bus,
		markers:        markers,
		tracker:        worker.NewRestartTracker(worker.DefaultRestartPolicy()),
		requestTimeout: RequestTimeout,
		initTimeout:    InitializeTimeout,
	}
}

// SetTimeouts overrides the request and initialize deadlines.
// Non-positive values keep the current setting. Call before Start.
func (c *Client) SetTimeouts(request, initialize time.Duration) {
	if request > 0 {
		c.requestTimeout = request
	}
	if initialize > 0 {
		c.initTimeout = initialize
	}
}

// SetRestartPolicy replaces the crash recovery policy. Call before
// Start.
func (c *Client) SetRestartPolicy(p worker.RestartPolicy) {
	c.tracker = worker.NewRestartTracker(p)
}

// reserve claims the single process slot. Exactly one spawn attempt may
// hold it at a time; the holder must call release when the attempt is
// over, whether or not a process was committed.
func (c *Client) reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != nil || c.starting {
		return false
	}
	c.starting = true
	return true
}

func (c *Client) release() {
	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()
}

// Start launches the server manually. It verifies pyright is present,
// clears any earlier GivenUp state, and blocks through the initialize
// handshake.
func (c *Client) Start(ctx context.Context, python, workspaceRoot string) error {
	if !c.reserve() {
		return worker.ErrAlreadyRunning
	}
	defer c.release()
	c.mu.Lock()
	c.python = python
	c.workspace = workspaceRoot
	c.mu.Unlock()

	info, err := CheckInstalled(python)
	if err != nil {
		return err
	}
	if !info.Installed {
		return fmt.Errorf("%w: pyright not installed (pip install pyright)", worker.ErrSpawnFailed)
	}
	c.mu.Lock()
	c.version = info.Version
	c.mu.Unlock()

	c.tracker.Reset()
	return c.spawnAndInit(ctx)
}

// spawnAndInit starts the child and runs the initialize handshake.
// Used by both manual start and crash recovery; the caller must hold
// the reservation, which keeps the slot empty until the commit below.
// A failure here leaves nothing running; continuation policy belongs to
// the caller.
func (c *Client) spawnAndInit(ctx context.Context) error {
	c.tracker.Starting()
	p, err := worker.StartProc(worker.SpawnSpec{
		Kind:      worker.KindLangServer,
		Path:      c.python,
		Args:      []string{"-m", "pyright.langserver", "--stdio"},
		WithStdin: true,
	})
	if err != nil {
		return err
	}
	if err := c.markers.Write(worker.KindLangServer, p.PID()); err != nil {
		slog.Warn("pid marker write failed", "err", err)
	}

	corr := worker.NewCorrelator()
	c.mu.Lock()
	c.proc = p
	c.corr = corr
	c.initialized = false
	c.mu.Unlock()

	go worker.ReadLoop(p.Stdout(), worker.ContentLengthCodec{}, corr, c.onFrame, func(cause error) {
		if cause != nil {
			slog.Error("language server stream error", "err", cause)
		}
		c.onExit(p)
	})
	go worker.StderrLoop(p.Stderr(), func(line string) {
		slog.Info("pyright stderr", "line", line)
	})

	if err := c.initialize(ctx, p, corr); err != nil {
		// detach first so the reader's EOF path does not treat our
		// teardown as a fresh crash
		c.mu.Lock()
		still := c.proc == p
		if still {
			c.proc, c.corr = nil, nil
		}
		c.mu.Unlock()
		if still {
			p.Terminate(2 * time.Second)
			corr.Close()
			c.markers.Remove(worker.KindLangServer)
		}
		return err
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	c.tracker.Ready()
	metrics.IncStart(string(worker.KindLangServer))
	slog.Info("language server initialized", "pid", p.PID(), "workspace", c.workspace)
	return nil
}

// initialize performs the LSP handshake: an initialize request with our
// client capabilities followed by the initialized notification.
func (c *Client) initialize(ctx context.Context, p *worker.Proc, corr *worker.Correlator) error {
	var rootURI any
	if c.workspace != "" {
		rootURI = "file://" + c.workspace
	}
	params := map[string]any{
		"processId": nil,
		"rootUri":   rootURI,
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"hover": map[string]any{"contentFormat": []string{"markdown", "plaintext"}},
				"completion": map[string]any{
					"completionItem": map[string]any{"snippetSupport": false},
				},
				"publishDiagnostics": map[string]any{"versionSupport": true},
			},
		},
	}
	if _, err := c.request(ctx, p, corr, "initialize", params, c.initTimeout); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.notify(p, "initialized", map[string]any{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// Request sends a JSON-RPC request and waits for the reply. On timeout
// a $/cancelRequest notification is sent so the server stops working on
// an answer nobody will read.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	p, corr, ok := c.proc, c.corr, c.initialized
	c.mu.Unlock()
	if p == nil || !ok {
		return nil, worker.ErrNotRunning
	}
	return c.request(ctx, p, corr, method, params, c.requestTimeout)
}

func (c *Client) request(ctx context.Context, p *worker.Proc, corr *worker.Correlator, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	idStr := corr.NextID()
	id, _ := strconv.Atoi(idStr)
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}
	start := time.Now()
	payload, err := corr.Call(ctx, idStr, func() error {
		return p.Write(worker.ContentLengthCodec{}.Encode(body))
	}, timeout, func() {
		_ = c.notify(p, "$/cancelRequest", map[string]any{"id": id})
	})
	metrics.ObserveRequest(string(worker.KindLangServer), method, time.Since(start).Seconds())
	if err != nil {
		metrics.IncRequestError(string(worker.KindLangServer), method)
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return payload, nil
}

// Notify sends a JSON-RPC notification. No reply is expected.
func (c *Client) Notify(method string, params any) error {
	c.mu.Lock()
	p := c.proc
	c.mu.Unlock()
	if p == nil {
		return worker.ErrNotRunning
	}
	return c.notify(p, method, params)
}

func (c *Client) notify(p *worker.Proc, method string, params any) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	return p.Write(worker.ContentLengthCodec{}.Encode(body))
}

// Stop shuts the server down gracefully: shutdown request, exit
// notification, then a bounded wait before force kill.
func (c *Client) Stop() error {
	c.mu.Lock()
	p, corr := c.proc, c.corr
	if p == nil {
		recovering := c.tracker.State() == worker.StateCrashed
		c.mu.Unlock()
		if recovering {
			// mid-backoff with no child yet; flip the tracker so the
			// recovery loop sees an intentional stop and exits
			c.tracker.Stopped()
			slog.Info("language server recovery cancelled")
			return nil
		}
		return worker.ErrNotRunning
	}
	c.stopping = true
	c.mu.Unlock()
	c.tracker.Stopping()

	// best effort; the server may already be gone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	_, _ = c.request(shutdownCtx, p, corr, "shutdown", nil, shutdownWait)
	cancel()
	_ = c.notify(p, "exit", nil)

	go p.Wait()
	select {
	case <-p.Done():
	case <-time.After(shutdownWait):
		p.Kill()
	}
	c.onExit(p)
	return nil
}

// Status reports the current client state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Running:        c.proc != nil,
		Initialized:    c.proc != nil && c.initialized,
		RestartCount:   c.tracker.Crashes(),
		PyrightVersion: c.version,
	}
}

func (c *Client) onFrame(f worker.Frame) {
	if f.Type != worker.FrameNotification {
		return
	}
	switch f.Topic {
	case "textDocument/publishDiagnostics":
		c.bus.Emit(event.TopicLspDiagnostics, json.RawMessage(f.Payload))
	case "window/logMessage":
		slog.Debug("pyright log", "params", string(f.Payload))
	case "window/showMessage":
		slog.Info("pyright message", "params", string(f.Payload))
	default:
		slog.Debug("unhandled language server notification", "method", f.Topic)
	}
}

// onExit runs when the reader hits EOF. Graceful stops and teardowns
// of half-started children just clean up; a crash of an initialized
// server enters the bounded restart loop.
func (c *Client) onExit(p *worker.Proc) {
	_ = p.Wait()
	c.mu.Lock()
	if c.proc != p {
		c.mu.Unlock()
		return
	}
	graceful := c.stopping
	wasInitialized := c.initialized
	corr := c.corr
	c.proc = nil
	c.corr = nil
	c.initialized = false
	c.stopping = false
	c.mu.Unlock()

	if corr != nil {
		corr.Close()
	}
	c.markers.Remove(worker.KindLangServer)
	if graceful {
		c.tracker.Stopped()
		slog.Info("language server stopped")
		return
	}
	metrics.IncCrash(string(worker.KindLangServer))
	if wasInitialized {
		go c.recover()
	}
}

// recover retries spawnAndInit with the configured backoff until the
// server comes back or the budget is exhausted. A respawn that dies
// before finishing initialize consumes an attempt and loops here; a
// respawn that crashes after going ready re-enters via onExit.
func (c *Client) recover() {
	for {
		delay, again := c.tracker.Crashed()
		if !again {
			if c.tracker.State() == worker.StateGivenUp {
				slog.Error("language server crashed too many times, giving up")
				c.bus.Emit(event.TopicLspFailed, map[string]any{
					"restarts": c.tracker.Crashes(),
				})
			}
			return
		}
		slog.Warn("language server crashed, restarting", "attempt", c.tracker.Crashes(), "backoff", delay)
		time.Sleep(delay)
		if c.tracker.State() != worker.StateCrashed {
			// Stop landed during the backoff
			return
		}
		if !c.reserve() {
			// a manual start claimed the slot
			return
		}
		metrics.IncRestart(string(worker.KindLangServer))
		err := c.spawnAndInit(context.Background())
		c.release()
		if err != nil {
			slog.Error("language server restart failed", "err", err)
			continue
		}
		// clients must re-send didOpen for their documents
		c.bus.Emit(event.TopicLspRestarted, nil)
		return
	}
}
