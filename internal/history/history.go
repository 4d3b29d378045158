package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn   EventType = "spawn"
	EventReady   EventType = "ready"
	EventExit    EventType = "exit"  // expected exit after a stop
	EventCrash   EventType = "crash" // unexpected exit or startup timeout
	EventRestart EventType = "restart"
	EventStop    EventType = "stop" // operator stop requested
	EventFailed  EventType = "failed"
)

// Record is the supervisor state attached to an event.
type Record struct {
	Name     string `json:"name"`
	RunID    string `json:"run_id"`
	PID      int    `json:"pid"`
	State    string `json:"state"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	UptimeMS int64  `json:"uptime_ms"`
	Restarts int    `json:"restarts"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// ExitCodeOrNil maps a missing exit code to SQL NULL.
func (r Record) ExitCodeOrNil() any {
	if r.ExitCode == nil {
		return nil
	}
	return *r.ExitCode
}
