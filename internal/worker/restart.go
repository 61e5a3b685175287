package worker

import (
	"sync"
	"time"
)

// State is a worker lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
	StateGivenUp  State = "given-up"
)

// DefaultBackoff is the delay schedule between automatic restarts,
// indexed by consecutive crash count. Attempts beyond the schedule
// reuse the final entry.
var DefaultBackoff = []time.Duration{time.Second, 3 * time.Second, 10 * time.Second}

// DefaultMaxRestarts bounds consecutive automatic restart attempts.
const DefaultMaxRestarts = 3

// RestartPolicy configures the crash recovery loop for one worker kind.
// A zero-valued policy means no automatic restarts at all.
type RestartPolicy struct {
	MaxRestarts int
	Backoff     []time.Duration
}

// DefaultRestartPolicy is what the language server worker uses.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{MaxRestarts: DefaultMaxRestarts, Backoff: DefaultBackoff}
}

// Delay returns the backoff before restart attempt n (1-based).
func (p RestartPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Backoff) {
		attempt = len(p.Backoff)
	}
	return p.Backoff[attempt-1]
}

// RestartTracker holds the lifecycle state and consecutive crash count
// for one worker kind. The counter resets on a successful ready signal,
// so a server that crashes occasionally but recovers keeps its full
// restart budget.
type RestartTracker struct {
	policy RestartPolicy

	mu      sync.Mutex
	state   State
	crashes int
}

func NewRestartTracker(policy RestartPolicy) *RestartTracker {
	return &RestartTracker{policy: policy, state: StateStopped}
}

// State returns the current lifecycle state.
func (t *RestartTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Crashes returns the consecutive crash count.
func (t *RestartTracker) Crashes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.crashes
}

// Starting marks a spawn attempt in progress.
func (t *RestartTracker) Starting() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateStarting
}

// Ready marks a successful initialize and resets the crash counter.
func (t *RestartTracker) Ready() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateReady
	t.crashes = 0
}

// Stopping marks a graceful shutdown in progress.
func (t *RestartTracker) Stopping() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateStopping
}

// Stopped marks an intentional stop. The crash counter is cleared so a
// later manual start begins with a fresh restart budget.
func (t *RestartTracker) Stopped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateStopped
	t.crashes = 0
}

// Crashed records an abnormal exit and decides the next move. When the
// crash count is still within budget it returns (delay, true): the
// caller should wait delay and respawn. Otherwise the state becomes
// GivenUp and it returns (0, false); only a manual start leaves that
// state.
func (t *RestartTracker) Crashed() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateStopping || t.state == StateStopped {
		// expected exit during shutdown; not a crash
		t.state = StateStopped
		return 0, false
	}
	t.crashes++
	if t.crashes > t.policy.MaxRestarts {
		t.state = StateGivenUp
		return 0, false
	}
	t.state = StateCrashed
	return t.policy.Delay(t.crashes), true
}

// Reset returns to Stopped with a zero crash count. Used by manual
// start after GivenUp.
func (t *RestartTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateStopped
	t.crashes = 0
}
