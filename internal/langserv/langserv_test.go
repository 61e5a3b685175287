//go:build !windows

package langserv

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mldesk/mldesk/internal/event"
	"github.com/mldesk/mldesk/internal/worker"
)

// fakeLSP implements enough of the protocol for the client: initialize,
// ping, a never-answered "slow" method, crash triggers, and diagnostics
// after didOpen. Behavior is selected via FAKE_MODE; FAKE_STATE lets the
// crash-then-recover mode act differently on its second run.
const fakeLSP = `
import json, os, sys

def read_msg():
    length = None
    while True:
        line = sys.stdin.buffer.readline()
        if not line:
            return None
        line = line.strip()
        if not line:
            break
        if line.lower().startswith(b"content-length:"):
            length = int(line.split(b":", 1)[1])
    if length is None:
        return None
    body = sys.stdin.buffer.read(length)
    if len(body) < length:
        return None
    return json.loads(body)

def send(obj):
    b = json.dumps(obj).encode()
    sys.stdout.buffer.write(b"Content-Length: %d\r\n\r\n" % len(b) + b)
    sys.stdout.buffer.flush()

mode = os.environ.get("FAKE_MODE", "ok")
state = os.environ.get("FAKE_STATE", "")

if mode == "die-immediately":
    sys.exit(1)

crash_after_init = False
if mode == "crash-after-init":
    if state and not os.path.exists(state):
        open(state, "w").close()
        crash_after_init = True

while True:
    msg = read_msg()
    if msg is None:
        sys.exit(0)
    method = msg.get("method", "")
    mid = msg.get("id")
    if method == "initialize":
        send({"jsonrpc": "2.0", "id": mid, "result": {"capabilities": {}}})
        if crash_after_init:
            sys.exit(1)
    elif method == "initialized":
        pass
    elif method == "shutdown":
        send({"jsonrpc": "2.0", "id": mid, "result": None})
    elif method == "exit":
        sys.exit(0)
    elif method == "ping":
        send({"jsonrpc": "2.0", "id": mid, "result": {"pong": True}})
    elif method == "boom":
        send({"jsonrpc": "2.0", "id": mid,
              "error": {"code": -32601, "message": "method not found"}})
    elif method == "slow":
        pass
    elif method == "textDocument/didOpen":
        send({"jsonrpc": "2.0", "method": "textDocument/publishDiagnostics",
              "params": {"uri": "file:///a.py", "diagnostics": []}})
    elif method == "crashnow":
        sys.exit(9)
`

// fakePyright wraps the system python3: version probes answer like
// pyright, everything else runs the fake server.
func fakePyright(t *testing.T) string {
	t.Helper()
	python3, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	dir := t.TempDir()
	server := filepath.Join(dir, "fake_lsp.py")
	require.NoError(t, os.WriteFile(server, []byte(fakeLSP), 0o644))
	wrapper := filepath.Join(dir, "python3")
	script := "#!/bin/sh\nif [ \"$2\" = \"pyright\" ]; then echo 'pyright 1.1.300'; exit 0; fi\nexec " + python3 + " -u " + server + "\n"
	require.NoError(t, os.WriteFile(wrapper, []byte(script), 0o755))
	return wrapper
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	markers, err := worker.NewMarkerDir(t.TempDir())
	require.NoError(t, err)
	c := NewClient(event.NewBus(), markers)
	c.requestTimeout = 2 * time.Second
	c.initTimeout = 5 * time.Second
	c.tracker = worker.NewRestartTracker(worker.RestartPolicy{
		MaxRestarts: 3,
		Backoff:     []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond},
	})
	return c
}

func TestStartRequestStop(t *testing.T) {
	c := newTestClient(t)
	py := fakePyright(t)

	require.NoError(t, c.Start(context.Background(), py, "/workspace"))
	st := c.Status()
	assert.True(t, st.Running)
	assert.True(t, st.Initialized)
	assert.Equal(t, "1.1.300", st.PyrightVersion)

	payload, err := c.Request(context.Background(), "ping", map[string]any{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(payload))

	require.NoError(t, c.Stop())
	assert.False(t, c.Status().Running)
	// graceful stop must not trigger a restart
	time.Sleep(200 * time.Millisecond)
	assert.False(t, c.Status().Running)
}

func TestStartRejectsSecond(t *testing.T) {
	c := newTestClient(t)
	py := fakePyright(t)
	require.NoError(t, c.Start(context.Background(), py, ""))
	defer func() { _ = c.Stop() }()

	assert.ErrorIs(t, c.Start(context.Background(), py, ""), worker.ErrAlreadyRunning)
}

func TestConcurrentStartsOneWins(t *testing.T) {
	c := newTestClient(t)
	py := fakePyright(t)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- c.Start(context.Background(), py, "") }()
	}
	var started, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			started++
		case errors.Is(err, worker.ErrAlreadyRunning):
			rejected++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, rejected)
	assert.True(t, c.Status().Running)
	require.NoError(t, c.Stop())
}

func TestRequestsDuringStop(t *testing.T) {
	c := newTestClient(t)
	py := fakePyright(t)
	require.NoError(t, c.Start(context.Background(), py, ""))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := c.Request(context.Background(), "ping", nil); err != nil {
					return
				}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Stop())
	wg.Wait()
	assert.False(t, c.Status().Running)
}

func TestStartWithoutPyright(t *testing.T) {
	c := newTestClient(t)
	dir := t.TempDir()
	// a python whose pyright probe fails
	py := filepath.Join(dir, "python3")
	require.NoError(t, os.WriteFile(py, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	err := c.Start(context.Background(), py, "")
	assert.ErrorIs(t, err, worker.ErrSpawnFailed)
	assert.Contains(t, err.Error(), "pyright not installed")
}

func TestRequestErrorReply(t *testing.T) {
	c := newTestClient(t)
	py := fakePyright(t)
	require.NoError(t, c.Start(context.Background(), py, ""))
	defer func() { _ = c.Stop() }()

	_, err := c.Request(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestRequestTimeout(t *testing.T) {
	c := newTestClient(t)
	c.requestTimeout = 300 * time.Millisecond
	py := fakePyright(t)
	require.NoError(t, c.Start(context.Background(), py, ""))
	defer func() { _ = c.Stop() }()

	_, err := c.Request(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, worker.ErrTimeout)

	// the connection survives a timed-out request
	_, err = c.Request(context.Background(), "ping", nil)
	assert.NoError(t, err)
}

func TestRequestWhileStopped(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Request(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, worker.ErrNotRunning)
	assert.ErrorIs(t, c.Notify("x", nil), worker.ErrNotRunning)
	assert.ErrorIs(t, c.Stop(), worker.ErrNotRunning)
}

func TestDiagnosticsForwarded(t *testing.T) {
	markers, err := worker.NewMarkerDir(t.TempDir())
	require.NoError(t, err)
	bus := event.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	c := NewClient(bus, markers)
	c.requestTimeout = 2 * time.Second
	c.initTimeout = 5 * time.Second
	py := fakePyright(t)
	require.NoError(t, c.Start(context.Background(), py, ""))
	defer func() { _ = c.Stop() }()

	require.NoError(t, c.Notify("textDocument/didOpen", map[string]any{"textDocument": map[string]any{"uri": "file:///a.py"}}))

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Topic == event.TopicLspDiagnostics {
				var params struct {
					URI string `json:"uri"`
				}
				require.NoError(t, json.Unmarshal(ev.Payload.(json.RawMessage), &params))
				assert.Equal(t, "file:///a.py", params.URI)
				return
			}
		case <-timeout:
			t.Fatal("no diagnostics event")
		}
	}
}

func TestCrashTriggersRestart(t *testing.T) {
	markers, err := worker.NewMarkerDir(t.TempDir())
	require.NoError(t, err)
	bus := event.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	c := NewClient(bus, markers)
	c.requestTimeout = 2 * time.Second
	c.initTimeout = 5 * time.Second
	c.tracker = worker.NewRestartTracker(worker.RestartPolicy{
		MaxRestarts: 3,
		Backoff:     []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond},
	})
	py := fakePyright(t)
	require.NoError(t, c.Start(context.Background(), py, ""))
	defer func() { _ = c.Stop() }()

	// pending requests fail fast when the server dies
	_, err = c.Request(context.Background(), "crashnow", nil)
	assert.ErrorIs(t, err, worker.ErrDisconnected)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Topic == event.TopicLspRestarted {
				// the replacement server answers requests again
				deadline := time.Now().Add(2 * time.Second)
				for time.Now().Before(deadline) {
					if _, err := c.Request(context.Background(), "ping", nil); err == nil {
						return
					}
					time.Sleep(20 * time.Millisecond)
				}
				t.Fatal("restarted server not answering")
			}
		case <-timeout:
			t.Fatal("no restart event")
		}
	}
}

func TestStopCancelsRestartBackoff(t *testing.T) {
	markers, err := worker.NewMarkerDir(t.TempDir())
	require.NoError(t, err)
	bus := event.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	c := NewClient(bus, markers)
	c.requestTimeout = 2 * time.Second
	c.initTimeout = 5 * time.Second
	c.tracker = worker.NewRestartTracker(worker.RestartPolicy{
		MaxRestarts: 3,
		Backoff:     []time.Duration{500 * time.Millisecond},
	})
	py := fakePyright(t)
	require.NoError(t, c.Start(context.Background(), py, ""))

	_, err = c.Request(context.Background(), "crashnow", nil)
	assert.ErrorIs(t, err, worker.ErrDisconnected)

	// wait until the recovery loop is sleeping out the backoff
	deadline := time.Now().Add(2 * time.Second)
	for c.tracker.State() != worker.StateCrashed {
		if time.Now().After(deadline) {
			t.Fatalf("recovery never entered backoff; state=%s", c.tracker.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, c.Stop())
	assert.Equal(t, worker.StateStopped, c.tracker.State())

	// the backoff elapses without a respawn
	time.Sleep(700 * time.Millisecond)
	assert.False(t, c.Status().Running)
	for {
		select {
		case ev := <-ch:
			if ev.Topic == event.TopicLspRestarted || ev.Topic == event.TopicLspFailed {
				t.Fatalf("unexpected event after stop: %s", ev.Topic)
			}
		default:
			return
		}
	}
}

func TestRestartBudgetExhausts(t *testing.T) {
	markers, err := worker.NewMarkerDir(t.TempDir())
	require.NoError(t, err)
	bus := event.NewBus()
	ch, cancel := bus.Subscribe(32)
	defer cancel()

	c := NewClient(bus, markers)
	c.requestTimeout = 500 * time.Millisecond
	c.initTimeout = 500 * time.Millisecond
	c.tracker = worker.NewRestartTracker(worker.RestartPolicy{
		MaxRestarts: 3,
		Backoff:     []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond},
	})
	py := fakePyright(t)

	// first run initializes then dies; every respawn dies immediately
	state := filepath.Join(t.TempDir(), "first-run-done")
	t.Setenv("FAKE_MODE", "crash-after-init")
	t.Setenv("FAKE_STATE", state)

	require.NoError(t, c.Start(context.Background(), py, ""))
	t.Setenv("FAKE_MODE", "die-immediately")

	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Topic == event.TopicLspFailed {
				assert.Equal(t, worker.StateGivenUp, c.tracker.State())
				assert.False(t, c.Status().Running)
				return
			}
		case <-timeout:
			t.Fatalf("no gave-up event; state=%s crashes=%d", c.tracker.State(), c.tracker.Crashes())
		}
	}
}
