// Package script runs one-shot Python training scripts and streams
// their structured output to the event bus.
package script

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/mldesk/mldesk/internal/event"
	"github.com/mldesk/mldesk/internal/metrics"
	"github.com/mldesk/mldesk/internal/worker"
)

// Event types a script may print, one JSON object per line. Anything
// else (including unknown types) is forwarded as-is so new script
// vocabulary does not require a backend change.
const (
	EventLog               = "log"
	EventProgress          = "progress"
	EventError             = "error"
	EventComplete          = "complete"
	EventExit              = "exit"
	EventMetrics           = "metrics"
	EventDataProfile       = "dataProfile"
	EventTrial             = "trial"
	EventTuningComplete    = "tuningComplete"
	EventExplainProgress   = "explainProgress"
	EventFeatureImportance = "featureImportance"
	EventShapData          = "shapData"
	EventPartialDependence = "partialDependence"
	EventExplainMetadata   = "explainMetadata"
	EventExplainComplete   = "explainComplete"
)

// Output is one normalized script event published on the bus.
type Output struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Runner owns at most one running script at a time. Scripts are
// fire-and-forget: Run returns once the child is spawned and readers
// are pumping; completion arrives on the bus.
type Runner struct {
	bus *event.Bus

	mu         sync.Mutex
	proc       *worker.Proc
	scriptPath string
}

func NewRunner(bus *event.Bus) *Runner {
	return &Runner{bus: bus}
}

// Run materializes code into a temp script under dir and executes it
// with python against inputPath. Returns ErrAlreadyRunning while a
// previous script is still going.
func (r *Runner) Run(python, code, inputPath, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc != nil {
		return worker.ErrAlreadyRunning
	}

	scriptsDir := filepath.Join(dir, "scripts")
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		return fmt.Errorf("create scripts dir: %w", err)
	}
	scriptPath := filepath.Join(scriptsDir, fmt.Sprintf("script_%s.py", uuid.New()))
	if err := os.WriteFile(scriptPath, []byte(code), 0o600); err != nil {
		return fmt.Errorf("write script: %w", err)
	}

	p, err := worker.StartProc(worker.SpawnSpec{
		Kind: worker.KindScript,
		Path: python,
		Args: []string{"-u", scriptPath, inputPath},
	})
	if err != nil {
		_ = os.Remove(scriptPath)
		return err
	}
	r.proc = p
	r.scriptPath = scriptPath
	metrics.IncStart(string(worker.KindScript))
	slog.Info("script started", "pid", p.PID(), "input", inputPath)

	corr := worker.NewCorrelator() // scripts never reply, but the reader needs one
	outDone := make(chan struct{})
	errDone := make(chan struct{})
	go worker.ReadLoop(p.Stdout(), worker.LineCodec{}, corr, r.publish, func(error) { close(outDone) })
	go func() {
		defer close(errDone)
		worker.StderrLoop(p.Stderr(), func(line string) {
			r.emit(Output{Type: EventError, Data: mustJSON(map[string]string{"message": line})})
		})
	}()
	go func() {
		defer corr.Close()
		// drain both pipes before reaping so no trailing output is lost
		<-outDone
		<-errDone
		_ = p.Wait()
		code := p.ExitCode()
		r.mu.Lock()
		r.proc = nil
		sp := r.scriptPath
		r.scriptPath = ""
		r.mu.Unlock()
		_ = os.Remove(sp)

		// completion is reported as a result even for nonzero exits;
		// callers distinguish via the exit code
		r.emit(Output{Type: EventComplete})
		r.emit(Output{Type: EventExit, Data: mustJSON(map[string]int{"code": code})})
		slog.Info("script finished", "exit_code", code)
	}()
	return nil
}

// Cancel sends SIGTERM to the running script.
func (r *Runner) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc == nil {
		return worker.ErrNotRunning
	}
	return r.proc.Signal(syscall.SIGTERM)
}

// Running reports whether a script is currently executing.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc != nil
}

func (r *Runner) publish(f worker.Frame) {
	switch f.Type {
	case worker.FrameNotification:
		r.emit(Output{Type: f.Topic, Data: f.Payload})
	case worker.FrameLog:
		if f.Raw != "" {
			r.emit(Output{Type: EventLog, Data: mustJSON(map[string]string{"message": f.Raw})})
		}
	}
}

func (r *Runner) emit(out Output) {
	r.bus.Emit(event.TopicScriptOutput, out)
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
