//go:build !windows

package worker

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Kind names one worker slot. At most one live process per kind.
type Kind string

const (
	KindScript     Kind = "script"
	KindInference  Kind = "inference"
	KindHTTPServe  Kind = "httpserve"
	KindLangServer Kind = "langserv"
)

// LongLivedKinds are the kinds that persist an orphan marker and are
// reaped across application restarts. One-shot scripts are excluded:
// they end with the run that started them.
var LongLivedKinds = []Kind{KindInference, KindHTTPServe, KindLangServer}

// SpawnSpec describes a child to start with piped stdio.
type SpawnSpec struct {
	Kind      Kind
	Path      string   // executable, typically the resolved python binary
	Args      []string
	Dir       string
	Env       []string // extra KEY=VALUE entries appended to the inherited env
	WithStdin bool     // pipe stdin for bidirectional protocols
}

// Proc owns one spawned child process and its pipe endpoints. All stdin
// writes are serialized through a single writer lock because interleaved
// partial writes from concurrent callers would corrupt the framing.
type Proc struct {
	kind      Kind
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startedAt time.Time

	writeMu sync.Mutex

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// StartProc spawns the child described by spec. A failure to start
// wraps ErrSpawnFailed and leaves nothing behind to clean up.
func StartProc(spec SpawnSpec) (*Proc, error) {
	// #nosec G204 -- the path comes from runtime discovery, not user input
	cmd := exec.Command(spec.Path, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Proc{kind: spec.Kind, cmd: cmd, done: make(chan struct{})}
	var err error
	if spec.WithStdin {
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
		}
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	if p.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	p.startedAt = time.Now()
	return p, nil
}

func (p *Proc) Kind() Kind           { return p.kind }
func (p *Proc) PID() int             { return p.cmd.Process.Pid }
func (p *Proc) StartedAt() time.Time { return p.startedAt }
func (p *Proc) Stdout() io.Reader    { return p.stdout }
func (p *Proc) Stderr() io.Reader    { return p.stderr }

// Write puts one encoded frame on the child's stdin. The writer lock is
// the only lock held during the write; pending-map bookkeeping happens
// before this call so a blocked pipe never stalls the correlator.
func (p *Proc) Write(frame []byte) error {
	if p.stdin == nil {
		return fmt.Errorf("%w: no stdin pipe", ErrNotRunning)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(frame); err != nil {
		return fmt.Errorf("write to %s worker: %w", p.kind, err)
	}
	return nil
}

// CloseStdin signals EOF to the child. For the prefixed-line protocols
// EOF on stdin is the shutdown request.
func (p *Proc) CloseStdin() error {
	if p.stdin == nil {
		return nil
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.stdin.Close()
}

// Signal sends sig to the child's process group.
func (p *Proc) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.PID(), sig)
}

// Wait reaps the child exactly once; concurrent callers share the result.
func (p *Proc) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
	})
	return p.waitErr
}

// Done is closed once the child has been reaped.
func (p *Proc) Done() <-chan struct{} { return p.done }

// ExitCode returns the child's exit code after Wait, -1 before.
func (p *Proc) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Terminate asks the child to exit with SIGTERM, escalating to SIGKILL
// after wait. It always reaps so no zombie remains.
func (p *Proc) Terminate(wait time.Duration) error {
	_ = p.Signal(syscall.SIGTERM)
	go p.Wait()
	select {
	case <-p.done:
	case <-time.After(wait):
		_ = p.Signal(syscall.SIGKILL)
		select {
		case <-p.done:
		case <-time.After(2 * time.Second):
			// best-effort; the kernel owns it now
		}
	}
	return p.waitErr
}

// Kill force-terminates the process group and reaps.
func (p *Proc) Kill() {
	_ = p.Signal(syscall.SIGKILL)
	_ = p.Wait()
}

// Alive reports whether the child has not yet been reaped and still
// answers signal 0. Never blocks on I/O.
func (p *Proc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	return syscall.Kill(p.PID(), 0) == nil
}
