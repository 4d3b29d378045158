// Package warden supervises a single child process: it starts it, waits
// for readiness, restarts it within a budget when it fails and stops it
// gracefully. Supervisor is the embeddable core; App wires a loaded
// configuration to logging, history, metrics and a read-only HTTP view.
package warden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/readiness"
	"github.com/loykin/warden/internal/server"
	"github.com/loykin/warden/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = supervisor.Status

type State = supervisor.State

type Reason = supervisor.Reason

type Supervisor = supervisor.Supervisor

type Option = supervisor.Option

type Config = config.Config

type HistorySink = history.Sink

const (
	Stopped           = supervisor.Stopped
	Starting          = supervisor.Starting
	Running           = supervisor.Running
	Stopping          = supervisor.Stopping
	Crashed           = supervisor.Crashed
	FailedPermanently = supervisor.FailedPermanently
)

var (
	ErrSpawnFailure           = supervisor.ErrSpawnFailure
	ErrStartupTimeout         = supervisor.ErrStartupTimeout
	ErrUnexpectedExit         = supervisor.ErrUnexpectedExit
	ErrRestartBudgetExhausted = supervisor.ErrRestartBudgetExhausted
	ErrShutdownTimeout        = supervisor.ErrShutdownTimeout
	ErrInvalidState           = supervisor.ErrInvalidState
	ErrInvalidSpec            = process.ErrInvalidSpec
	ErrInvalidConfig          = config.ErrInvalidConfig
)

var (
	WithLogger   = supervisor.WithLogger
	WithProbe    = supervisor.WithProbe
	WithRecorder = supervisor.WithRecorder
	WithClock    = supervisor.WithClock
)

// DefaultSpec returns a Spec for argv with pm2's restart defaults.
func DefaultSpec(name string, argv ...string) Spec { return process.DefaultSpec(name, argv...) }

// NewSupervisor validates spec and returns a stopped Supervisor.
func NewSupervisor(spec Spec, opts ...Option) (*Supervisor, error) {
	return supervisor.New(spec, opts...)
}

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// App is a configured supervisor plus its ambient services.
type App struct {
	cfg      *Config
	log      *slog.Logger
	closers  []io.Closer // released in reverse order by Close
	sup      *supervisor.Supervisor
	recorder *history.Recorder
	reader   server.HistoryReader
	sampler  *metrics.ResourceSampler
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	mu     sync.Mutex
	srv    *http.Server
	addr   net.Addr
	cancel context.CancelFunc
}

type AppOption func(*appOptions)

type appOptions struct {
	registry *prometheus.Registry
	logger   *slog.Logger
	supOpts  []supervisor.Option
}

// WithRegistry registers and serves metrics from r instead of the default registry.
func WithRegistry(r *prometheus.Registry) AppOption {
	return func(o *appOptions) { o.registry = r }
}

// WithAppLogger replaces the logger built from the log section.
func WithAppLogger(l *slog.Logger) AppOption { return func(o *appOptions) { o.logger = l } }

// WithSupervisorOptions passes extra options to the supervisor, after the
// ones App derives from the config.
func WithSupervisorOptions(opts ...supervisor.Option) AppOption {
	return func(o *appOptions) { o.supOpts = append(o.supOpts, opts...) }
}

// NewApp builds everything cfg describes without starting the process.
func NewApp(cfg *Config, opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, registry: prometheus.DefaultRegisterer, gatherer: prometheus.DefaultGatherer}
	if o.registry != nil {
		a.registry, a.gatherer = o.registry, o.registry
	}

	a.log = o.logger
	if a.log == nil {
		lc := cfg.Log
		if lc.Writer == nil {
			lc.Writer = os.Stderr
		}
		l, c, err := logger.NewSlog(lc)
		if err != nil {
			return nil, fmt.Errorf("%w: log: %w", ErrInvalidConfig, err)
		}
		a.log = l
		a.closers = append(a.closers, c)
	}

	probe, err := readiness.New(cfg.Readiness)
	if err != nil {
		a.release()
		return nil, fmt.Errorf("%w: readiness: %w", ErrInvalidConfig, err)
	}
	if c, ok := probe.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	if err := a.openHistory(); err != nil {
		a.release()
		return nil, err
	}

	if err := metrics.Register(a.registry); err != nil {
		a.release()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if rc := cfg.Metrics.Resources; rc.Enabled {
		a.sampler = metrics.NewResourceSampler(cfg.Spec.Name, rc)
		if err := a.sampler.RegisterMetrics(a.registry); err != nil {
			a.release()
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
	}

	supOpts := []supervisor.Option{
		supervisor.WithLogger(a.log),
		supervisor.WithProbe(probe),
		supervisor.WithRecorder(a.recorder),
		supervisor.WithSpawner(&process.ExecSpawner{Env: cfg.Env}),
	}
	a.sup, err = supervisor.New(cfg.Spec, append(supOpts, o.supOpts...)...)
	if err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

func (a *App) openHistory() error {
	hc := a.cfg.History
	if !hc.Enabled || len(hc.DSNs) == 0 {
		return nil
	}
	sinks := make([]history.Sink, 0, len(hc.DSNs))
	for _, dsn := range hc.DSNs {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			for _, open := range sinks {
				if c, ok := open.(io.Closer); ok {
					_ = c.Close()
				}
			}
			return fmt.Errorf("%w: history sink: %w", ErrInvalidConfig, err)
		}
		if r, ok := s.(server.HistoryReader); ok && a.reader == nil {
			a.reader = r
		}
		sinks = append(sinks, s)
	}
	a.recorder = history.NewRecorder(a.log, hc.Buffer, sinks...)
	return nil
}

// Supervisor returns the underlying supervisor.
func (a *App) Supervisor() *Supervisor { return a.sup }

// Logger returns the logger the app and its supervisor write to.
func (a *App) Logger() *slog.Logger { return a.log }

// Addr returns the HTTP endpoint address, or nil when none is served.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Start serves the HTTP endpoint (when configured), starts resource
// sampling and spawns the process.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return fmt.Errorf("%w: app already started", ErrInvalidState)
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if listen := a.cfg.Metrics.Listen; listen != "" {
		opts := []server.Option{server.WithGatherer(a.gatherer)}
		if a.sampler != nil {
			opts = append(opts, server.WithResources(a.sampler))
		}
		if a.reader != nil {
			opts = append(opts, server.WithHistory(a.reader))
		}
		srv, addr, err := server.NewServer(listen, server.NewRouter(a.sup, "", opts...).Handler())
		if err != nil {
			return err
		}
		a.srv, a.addr = srv, addr
		a.log.Info("serving metrics", "addr", addr.String())
	}
	if a.sampler != nil {
		a.sampler.Start(ctx, func() int {
			st := a.sup.Status()
			if st.State.HasProcess() {
				return st.PID
			}
			return 0
		})
	}
	return a.sup.Start()
}

// Close stops the process, then releases every service in reverse order
// of creation. It waits for the process up to ctx.
func (a *App) Close(ctx context.Context) error {
	errs := []error{a.sup.Close(ctx)}

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	srv := a.srv
	a.srv = nil
	a.mu.Unlock()

	if a.sampler != nil {
		a.sampler.Stop()
	}
	if srv != nil {
		errs = append(errs, srv.Shutdown(ctx))
	}
	errs = append(errs, a.recorder.Close(ctx))
	errs = append(errs, a.release())
	return errors.Join(errs...)
}

func (a *App) release() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
