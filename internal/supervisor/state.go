package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of the supervised process.
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//	Starting|Running -> Crashed -> Starting (after the restart delay)
//	Crashed -> FailedPermanently (restart budget exhausted)
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Crashed
	FailedPermanently
)

var stateNames = map[State]string{
	Stopped:           "stopped",
	Starting:          "starting",
	Running:           "running",
	Stopping:          "stopping",
	Crashed:           "crashed",
	FailedPermanently: "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st, n := range stateNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(b))
}

// HasProcess reports whether an OS process belongs to this state.
func (s State) HasProcess() bool {
	return s == Starting || s == Running || s == Stopping
}

// Reason names the error kind behind the most recent transition.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonSpawnFailure    Reason = "spawn_failure"
	ReasonStartupTimeout  Reason = "startup_timeout"
	ReasonReadinessFailed Reason = "readiness_failed"
	ReasonUnexpectedExit  Reason = "unexpected_exit"
	ReasonBudgetExhausted Reason = "restart_budget_exhausted"
	ReasonShutdownTimeout Reason = "shutdown_timeout"
	ReasonMemoryLimit     Reason = "memory_limit"
	ReasonOperatorRestart Reason = "operator_restart"
)

var (
	ErrSpawnFailure           = errors.New("spawn failure")
	ErrStartupTimeout         = errors.New("startup timeout")
	ErrReadinessFailed        = errors.New("readiness check failed")
	ErrUnexpectedExit         = errors.New("unexpected exit")
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")
	ErrShutdownTimeout        = errors.New("shutdown timeout")
	ErrMemoryLimit            = errors.New("memory limit exceeded")
	ErrInvalidState           = errors.New("invalid state")
	ErrClosed                 = errors.New("supervisor closed")
)

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	Name                    string        `json:"name"`
	State                   State         `json:"state"`
	PID                     int           `json:"pid,omitempty"` // only while starting, running or stopping
	RunID                   string        `json:"run_id,omitempty"`
	StartedAt               *time.Time    `json:"started_at,omitempty"`
	Uptime                  time.Duration `json:"uptime"`
	ConsecutiveFastRestarts int           `json:"consecutive_fast_restarts"`
	Restarts                int           `json:"restarts"`
	RestartPending          bool          `json:"restart_pending"`
	LastExitCode            *int          `json:"last_exit_code,omitempty"`
	LastSignal              string        `json:"last_signal,omitempty"`
	Reason                  Reason        `json:"reason,omitempty"`
	LastError               string        `json:"last_error,omitempty"`
}
