//go:build !windows

package worker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// MarkerDir persists one PID marker file per long-lived worker kind so
// that children orphaned by an application crash can be reaped on the
// next startup. Markers are plain text files holding the decimal PID.
type MarkerDir struct {
	dir string
}

// NewMarkerDir creates the marker directory if needed.
func NewMarkerDir(dir string) (*MarkerDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create marker dir: %w", err)
	}
	return &MarkerDir{dir: dir}, nil
}

func (m *MarkerDir) path(kind Kind) string {
	return filepath.Join(m.dir, string(kind)+".pid")
}

// Write records pid for kind, overwriting any stale marker.
func (m *MarkerDir) Write(kind Kind, pid int) error {
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(m.path(kind), data, 0o644); err != nil {
		return fmt.Errorf("write pid marker: %w", err)
	}
	return nil
}

// Read returns the recorded PID for kind, or 0 when no marker exists.
func (m *MarkerDir) Read(kind Kind) (int, error) {
	data, err := os.ReadFile(m.path(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("corrupt pid marker %s: %q", m.path(kind), data)
	}
	return pid, nil
}

// Remove deletes the marker for kind. Missing markers are not an error.
func (m *MarkerDir) Remove(kind Kind) {
	if err := os.Remove(m.path(kind)); err != nil && !os.IsNotExist(err) {
		slog.Warn("remove pid marker failed", "kind", kind, "err", err)
	}
}

// CleanupOrphans reaps processes left behind by a previous run. Every
// kill is best effort (the PID may be dead or recycled) and the marker
// is always removed afterwards so a failure cannot wedge future starts.
// It returns the kinds whose markers were found.
func (m *MarkerDir) CleanupOrphans(kinds []Kind) []Kind {
	var found []Kind
	for _, kind := range kinds {
		pid, err := m.Read(kind)
		if err != nil {
			slog.Warn("unreadable pid marker", "kind", kind, "err", err)
			m.Remove(kind)
			continue
		}
		if pid == 0 {
			continue
		}
		found = append(found, kind)
		slog.Info("reaping orphaned worker", "kind", kind, "pid", pid)
		if syscall.Kill(pid, syscall.SIGTERM) == nil {
			// give it a moment to exit before escalating
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if syscall.Kill(pid, 0) != nil {
					break
				}
				time.Sleep(50 * time.Millisecond)
			}
			if syscall.Kill(pid, 0) == nil {
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
		}
		m.Remove(kind)
	}
	return found
}
