// Package history exports worker lifecycle events to external systems
// for later analysis. Sinks are best-effort; a failing sink must not
// disturb supervision.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventReady   EventType = "ready"
	EventCrash   EventType = "crash"
	EventRestart EventType = "restart"
	EventGiveUp  EventType = "giveup"
	EventStop    EventType = "stop"
)

// Event is one lifecycle transition of a supervised worker.
type Event struct {
	Type       EventType `json:"type"`
	Kind       string    `json:"kind"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events (analytics/statistics
// systems). Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends each event to every sink, returning the first error.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
