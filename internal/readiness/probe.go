// Package readiness decides when a freshly spawned process is fit to serve.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Target identifies the run a probe is waiting on.
type Target struct {
	Name  string
	PID   int
	RunID string
}

// Probe is a strategy that blocks until the target reports ready.
// Await returns nil once ready and ctx.Err() when the caller gives up.
// Implementations must be safe for concurrent use.
type Probe interface {
	Await(ctx context.Context, t Target) error
	// Describe returns a human-readable description of the readiness method.
	Describe() string
}

// EnvProvider is implemented by probes that hand variables to the child,
// e.g. the address of a notification socket.
type EnvProvider interface {
	Env(t Target) map[string]string
}

// DefaultInterval is the poll interval of TCP, HTTP and Exec probes.
const DefaultInterval = 250 * time.Millisecond

var errNotReady = errors.New("not ready")

// poll calls check every interval until it succeeds or ctx is done.
// A check returning backoff.Permanent stops polling with that error.
func poll(ctx context.Context, interval time.Duration, check func(ctx context.Context) error) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	return backoff.Retry(func() error { return check(ctx) }, b)
}

// Immediate reports ready as soon as the process is spawned.
type Immediate struct{}

func (Immediate) Await(context.Context, Target) error { return nil }
func (Immediate) Describe() string                    { return "immediate" }

// Signal never completes on its own: readiness is reported out of band
// through the supervisor's MarkReady.
type Signal struct{}

func (Signal) Await(ctx context.Context, _ Target) error {
	<-ctx.Done()
	return ctx.Err()
}

func (Signal) Describe() string { return "signal" }

// Config selects a probe by kind. Zero value means Signal.
type Config struct {
	Kind     string        `json:"kind" mapstructure:"kind"` // signal, immediate, notify, tcp, http, exec
	Address  string        `json:"address" mapstructure:"address"`
	URL      string        `json:"url" mapstructure:"url"`
	Command  string        `json:"command" mapstructure:"command"`
	Socket   string        `json:"socket" mapstructure:"socket"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

// New builds the probe described by cfg. Notify probes bind their socket
// here and must be closed by the caller.
func New(cfg Config) (Probe, error) {
	switch cfg.Kind {
	case "", "signal":
		return Signal{}, nil
	case "immediate":
		return Immediate{}, nil
	case "notify":
		return ListenNotify(cfg.Socket)
	case "tcp":
		if cfg.Address == "" {
			return nil, fmt.Errorf("tcp readiness requires an address")
		}
		return TCP{Address: cfg.Address, Interval: cfg.Interval}, nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http readiness requires a url")
		}
		return &HTTP{URL: cfg.URL, Interval: cfg.Interval}, nil
	case "exec":
		if cfg.Command == "" {
			return nil, fmt.Errorf("exec readiness requires a command")
		}
		return Exec{Command: cfg.Command, Interval: cfg.Interval}, nil
	default:
		return nil, fmt.Errorf("unknown readiness kind %q", cfg.Kind)
	}
}
