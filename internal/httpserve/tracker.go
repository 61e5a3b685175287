package httpserve

import (
	"sync"
	"time"
)

// recentLimit caps the in-memory request log ring.
const recentLimit = 100

// RequestLog is one served HTTP request as reported by the worker.
type RequestLog struct {
	ID         string  `json:"id"`
	Timestamp  int64   `json:"timestamp"`
	Method     string  `json:"method"`
	Path       string  `json:"path"`
	StatusCode int     `json:"status_code"`
	LatencyMs  float64 `json:"latency_ms"`
	BatchSize  int     `json:"batch_size"`
}

// Metrics is an aggregate snapshot for the GUI.
type Metrics struct {
	TotalRequests      uint64       `json:"total_requests"`
	SuccessfulRequests uint64       `json:"successful_requests"`
	FailedRequests     uint64       `json:"failed_requests"`
	AvgLatencyMs       float64      `json:"avg_latency_ms"`
	RequestsPerMinute  float64      `json:"requests_per_minute"`
	RecentRequests     []RequestLog `json:"recent_requests"`
}

// Tracker accumulates request logs in memory, keeping the most recent
// hundred entries for display.
type Tracker struct {
	mu        sync.Mutex
	total     uint64
	succeeded uint64
	failed    uint64
	latencySum float64
	started   time.Time
	recent    []RequestLog
}

func NewTracker() *Tracker {
	return &Tracker{started: time.Now()}
}

// Add records one request. 2xx/3xx counts as success.
func (t *Tracker) Add(log RequestLog) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	if log.StatusCode >= 200 && log.StatusCode < 400 {
		t.succeeded++
	} else {
		t.failed++
	}
	t.latencySum += log.LatencyMs
	t.recent = append(t.recent, log)
	if len(t.recent) > recentLimit {
		t.recent = t.recent[len(t.recent)-recentLimit:]
	}
}

// Snapshot returns the current aggregates.
func (t *Tracker) Snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := Metrics{
		TotalRequests:      t.total,
		SuccessfulRequests: t.succeeded,
		FailedRequests:     t.failed,
		RecentRequests:     append([]RequestLog(nil), t.recent...),
	}
	if t.total > 0 {
		m.AvgLatencyMs = t.latencySum / float64(t.total)
	}
	if mins := time.Since(t.started).Minutes(); mins > 0 {
		m.RequestsPerMinute = float64(t.total) / mins
	}
	return m
}

// Reset clears all counters and restarts the rate window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total, t.succeeded, t.failed = 0, 0, 0
	t.latencySum = 0
	t.started = time.Now()
	t.recent = nil
}
