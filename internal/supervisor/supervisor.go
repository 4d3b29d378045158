// Package supervisor owns the lifecycle of a single child process: start,
// readiness, restart on failure within a budget, and graceful stop.
//
// Lock hierarchy: mu guards every field below it. Exit notifications,
// timers and operator calls all mutate state inside mu, so transitions are
// serialized no matter which source triggered them. Timer callbacks carry
// the epoch of the run that armed them and are no-ops once it has moved on.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/readiness"
)

// Supervisor runs one process.Spec. Create it with New.
type Supervisor struct {
	spec     process.Spec
	clock    clockwork.Clock
	spawner  process.Spawner
	signaler process.Signaler
	probe    readiness.Probe
	memory   process.MemoryReader
	log      *slog.Logger
	recorder *history.Recorder
	backoff  *backoff.ExponentialBackOff // nil unless ExpBackoffRestartDelay is set

	mu        sync.Mutex
	state     State
	handle    process.Handle
	pid       int
	runID     string
	startedAt time.Time
	readyAt   time.Time
	epoch     uint64

	fast       int // consecutive fast restarts
	restarts   int
	lastExit   *int
	lastSignal string
	reason     Reason
	lastErr    error

	restarting   bool // respawn when the current stop completes
	restartCause string

	restartTimer clockwork.Timer
	killTimer    clockwork.Timer
	readyTimer   clockwork.Timer
	stableTimer  clockwork.Timer
	memTimer     clockwork.Timer
	readyCancel  context.CancelFunc

	changed chan struct{} // closed and replaced on every transition
	closed  bool
}

type Option func(*Supervisor)

func WithClock(c clockwork.Clock) Option             { return func(s *Supervisor) { s.clock = c } }
func WithSpawner(sp process.Spawner) Option          { return func(s *Supervisor) { s.spawner = sp } }
func WithSignaler(sg process.Signaler) Option        { return func(s *Supervisor) { s.signaler = sg } }
func WithProbe(p readiness.Probe) Option             { return func(s *Supervisor) { s.probe = p } }
func WithMemoryReader(m process.MemoryReader) Option { return func(s *Supervisor) { s.memory = m } }
func WithRecorder(r *history.Recorder) Option        { return func(s *Supervisor) { s.recorder = r } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// New validates spec and returns a Supervisor in the Stopped state.
// Nothing is spawned until Start.
func New(spec process.Spec, opts ...Option) (*Supervisor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		spec:     spec.Clone(),
		clock:    clockwork.NewRealClock(),
		spawner:  &process.ExecSpawner{},
		signaler: process.OSSignaler{},
		memory:   process.PSMemoryReader{},
		log:      slog.Default(),
		state:    Stopped,
		changed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.probe == nil {
		s.probe = readiness.Signal{}
	}
	s.log = s.log.With("name", spec.Name)
	if d := s.spec.ExpBackoffRestartDelay; d > 0 {
		s.backoff = newRestartBackoff(d, s.clock)
	}
	metrics.SetCurrentState(spec.Name, Stopped.String(), true)
	return s, nil
}

// Spec returns a copy of the supervised spec.
func (s *Supervisor) Spec() process.Spec { return s.spec.Clone() }

// Start spawns the process. It is accepted from Stopped, FailedPermanently
// (re-arming the restart budget) and Crashed while no process is alive.
// A spawn failure is returned wrapped in ErrSpawnFailure and leaves the
// state unchanged.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.startLocked()
}

func (s *Supervisor) startLocked() error {
	switch s.state {
	case Stopped, FailedPermanently:
	case Crashed:
		if s.handle != nil {
			return fmt.Errorf("%w: process %d is still being killed", ErrInvalidState, s.pid)
		}
	default:
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, s.state)
	}
	if err := s.spawnLocked(); err != nil {
		s.reason = ReasonSpawnFailure
		s.lastErr = err
		s.notifyLocked()
		return err
	}
	stopTimer(&s.restartTimer)
	s.setFastLocked(0)
	if s.backoff != nil {
		s.backoff.Reset()
	}
	return nil
}

// Stop requests a graceful stop. It returns once Stopping is observable;
// use WaitStopped to block until the process is gone. Calling Stop again
// while stopping has no effect. A pending restart is cancelled.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Starting, Running:
		s.restarting = false
		s.stopLocked()
		metrics.IncStop(s.spec.Name)
		s.recordLocked(history.EventStop)
	case Stopping:
		// an operator stop wins over an in-flight restart
		s.restarting = false
	case Crashed:
		stopTimer(&s.restartTimer)
		if s.handle != nil {
			// startup failure kill already sent; wait for the exit
			s.setStateLocked(Stopping)
		} else {
			s.setStateLocked(Stopped)
		}
		metrics.IncStop(s.spec.Name)
		s.recordLocked(history.EventStop)
	}
	return nil
}

// Restart stops the process gracefully and spawns it again without
// consuming restart budget. From an idle state it behaves like Start.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	switch s.state {
	case Starting, Running:
		s.stopLocked()
		s.reason = ReasonOperatorRestart
		s.restarting = true
		s.restartCause = "operator"
		s.recordLocked(history.EventStop)
		return nil
	case Stopping:
		return fmt.Errorf("%w: cannot restart while %s", ErrInvalidState, s.state)
	default:
		return s.startLocked()
	}
}

// MarkReady reports readiness for the current run. It is the completion
// path of the Signal probe and is accepted by any probe while Starting.
func (s *Supervisor) MarkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Starting {
		return fmt.Errorf("%w: not starting (%s)", ErrInvalidState, s.state)
	}
	s.becomeRunningLocked()
	return nil
}

// Status returns a snapshot of the runtime state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	st := Status{
		Name:                    s.spec.Name,
		State:                   s.state,
		ConsecutiveFastRestarts: s.fast,
		Restarts:                s.restarts,
		RestartPending:          s.restartTimer != nil,
		LastSignal:              s.lastSignal,
		Reason:                  s.reason,
	}
	if s.state.HasProcess() {
		st.PID = s.pid
		st.RunID = s.runID
		started := s.startedAt
		st.StartedAt = &started
		st.Uptime = s.clock.Since(s.startedAt)
	}
	if s.lastExit != nil {
		c := *s.lastExit
		st.LastExitCode = &c
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Wait blocks until pred holds for the current status or ctx ends.
func (s *Supervisor) Wait(ctx context.Context, pred func(Status) bool) (Status, error) {
	var st Status
	err := s.waitFor(ctx, func() bool {
		st = s.statusLocked()
		return pred(st)
	})
	return st, err
}

// WaitStopped blocks until no process is alive and no restart is pending.
func (s *Supervisor) WaitStopped(ctx context.Context) error {
	return s.waitFor(ctx, s.idleLocked)
}

func (s *Supervisor) idleLocked() bool {
	return s.handle == nil && s.restartTimer == nil && !s.state.HasProcess()
}

// waitFor evaluates cond under the lock after every transition.
func (s *Supervisor) waitFor(ctx context.Context, cond func() bool) error {
	for {
		s.mu.Lock()
		ok := cond()
		ch := s.changed
		s.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the process, waits for it to exit and disables further
// starts. Returns ctx.Err() if the process outlives ctx.
func (s *Supervisor) Close(ctx context.Context) error {
	_ = s.Stop()
	err := s.WaitStopped(ctx)
	s.mu.Lock()
	s.closed = true
	stopTimer(&s.restartTimer)
	s.mu.Unlock()
	return err
}

// --- transitions; every method below requires mu ---

func (s *Supervisor) spawnLocked() error {
	s.epoch++
	epoch := s.epoch
	target := readiness.Target{Name: s.spec.Name, RunID: uuid.NewString()}

	var extra map[string]string
	if ep, ok := s.probe.(readiness.EnvProvider); ok && s.spec.WaitReady {
		extra = ep.Env(target)
	}
	h, err := s.spawner.Spawn(s.spec, extra)
	if err != nil {
		metrics.IncSpawnFailure(s.spec.Name)
		s.log.Error("spawn failed", "error", err)
		return fmt.Errorf("%w: %s: %w", ErrSpawnFailure, s.spec.Name, err)
	}
	if pe, ok := h.(interface{ PIDFileError() error }); ok && pe.PIDFileError() != nil {
		s.log.Warn("pid file not written", "error", pe.PIDFileError())
	}

	s.handle = h
	s.pid = h.PID()
	s.runID = target.RunID
	s.startedAt = s.clock.Now()
	s.reason = ReasonNone
	s.lastErr = nil
	target.PID = s.pid
	metrics.IncStart(s.spec.Name)
	s.log.Info("process spawned", "pid", s.pid, "run_id", s.runID)
	s.setStateLocked(Starting)
	s.recordLocked(history.EventSpawn)

	go s.watch(epoch, h)
	s.armMemoryLocked(epoch)

	if !s.spec.WaitReady {
		s.becomeRunningLocked()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.readyCancel = cancel
	go s.awaitReady(ctx, epoch, target)
	if d := s.spec.ReadyTimeout; d > 0 {
		s.readyTimer = s.clock.AfterFunc(d, func() { go s.onReadyTimeout(epoch) })
	}
	return nil
}

func (s *Supervisor) becomeRunningLocked() {
	stopTimer(&s.readyTimer)
	s.cancelReadyLocked()
	s.readyAt = s.clock.Now()
	wait := s.readyAt.Sub(s.startedAt)
	if s.spec.WaitReady {
		metrics.ObserveReadyWait(s.spec.Name, wait.Seconds())
	}
	s.setStateLocked(Running)
	s.recordLocked(history.EventReady)
	s.log.Info("process running", "pid", s.pid, "ready_after", wait)

	epoch := s.epoch
	remaining := s.spec.MinUptime - wait
	if remaining <= 0 {
		s.markStableLocked()
		return
	}
	s.stableTimer = s.clock.AfterFunc(remaining, func() { go s.onStable(epoch) })
}

// stopLocked sends the graceful termination request and arms the kill timer.
func (s *Supervisor) stopLocked() {
	stopTimer(&s.readyTimer)
	stopTimer(&s.stableTimer)
	stopTimer(&s.memTimer)
	s.cancelReadyLocked()
	s.reason = ReasonNone
	s.lastErr = nil
	s.setStateLocked(Stopping)

	pid, epoch := s.pid, s.epoch
	if s.spec.KillTimeout <= 0 {
		s.log.Info("killing process", "pid", pid)
		if err := s.signaler.Kill(pid); err != nil {
			s.log.Warn("kill failed", "pid", pid, "error", err)
		}
		return
	}
	s.log.Info("stopping process", "pid", pid, "kill_timeout", s.spec.KillTimeout)
	if err := s.signaler.Terminate(pid); err != nil {
		// the exit notification is still on its way
		s.log.Warn("terminate failed", "pid", pid, "error", err)
	}
	s.killTimer = s.clock.AfterFunc(s.spec.KillTimeout, func() { go s.onKillTimeout(epoch) })
}

// failStartupLocked abandons a run that never became ready. The child is
// killed and the restart decision waits for its exit.
func (s *Supervisor) failStartupLocked(reason Reason, err error) {
	stopTimer(&s.readyTimer)
	stopTimer(&s.memTimer)
	s.cancelReadyLocked()
	s.reason = reason
	s.lastErr = err
	s.log.Warn("startup failed", "pid", s.pid, "reason", reason, "error", err)
	s.setStateLocked(Crashed)
	if kerr := s.signaler.Kill(s.pid); kerr != nil {
		s.log.Warn("kill failed", "pid", s.pid, "error", kerr)
	}
}

func (s *Supervisor) onExitLocked(ex process.Exit) {
	uptime := s.clock.Since(s.startedAt)
	prev := s.state
	s.handle = nil
	stopTimer(&s.killTimer)
	stopTimer(&s.readyTimer)
	stopTimer(&s.stableTimer)
	stopTimer(&s.memTimer)
	s.cancelReadyLocked()
	s.lastExit = nil
	if ex.Err == nil && ex.Signal == "" {
		code := ex.Code
		s.lastExit = &code
	}
	s.lastSignal = ex.Signal
	s.log.Info("process exited", "pid", s.pid, "status", ex.String(), "uptime", uptime, "state", prev)

	switch prev {
	case Stopping:
		if s.restarting {
			s.restarting = false
			s.respawnLocked(s.restartCause)
			return
		}
		s.setStateLocked(Stopped)
		s.recordExitLocked(history.EventExit, uptime)
	case Crashed:
		// startup timeout or failed readiness; always a fast failure
		s.recordExitLocked(history.EventExit, uptime)
		s.decideRestartLocked(s.reason, s.lastErr, false)
	default:
		stable := prev == Running && uptime >= s.spec.MinUptime
		s.recordExitLocked(history.EventExit, uptime)
		s.decideRestartLocked(ReasonUnexpectedExit, fmt.Errorf("%w: %s", ErrUnexpectedExit, ex), stable)
	}
}

// decideRestartLocked applies the restart policy after an unexpected exit.
func (s *Supervisor) decideRestartLocked(reason Reason, err error, stable bool) {
	if stable {
		s.setFastLocked(0)
		if s.backoff != nil {
			s.backoff.Reset()
		}
	} else {
		s.setFastLocked(s.fast + 1)
	}
	s.reason = reason
	s.lastErr = err
	metrics.IncCrash(s.spec.Name, string(reason))

	if s.fast > s.spec.MaxRestarts {
		s.reason = ReasonBudgetExhausted
		s.lastErr = fmt.Errorf("%w: %d consecutive fast failures (max %d): %w",
			ErrRestartBudgetExhausted, s.fast, s.spec.MaxRestarts, err)
		s.setStateLocked(FailedPermanently)
		s.recordLocked(history.EventFailed)
		s.log.Error("restart budget exhausted", "consecutive_fast_restarts", s.fast, "max_restarts", s.spec.MaxRestarts)
		return
	}
	if !s.spec.AutoRestart {
		s.setStateLocked(Crashed)
		s.recordLocked(history.EventCrash)
		s.log.Warn("process crashed; auto restart disabled", "reason", reason)
		return
	}
	s.setStateLocked(Crashed)
	s.recordLocked(history.EventCrash)
	delay := s.nextDelayLocked()
	epoch := s.epoch
	s.log.Warn("process crashed; restarting", "reason", reason, "delay", delay, "consecutive_fast_restarts", s.fast)
	s.restartTimer = s.clock.AfterFunc(delay, func() { go s.onRestartTimer(epoch) })
}

// respawnLocked spawns a replacement run. A spawn failure here has no
// caller to report to and is fatal to auto recovery.
func (s *Supervisor) respawnLocked(cause string) {
	s.restarts++
	metrics.IncRestart(s.spec.Name, cause)
	s.recordLocked(history.EventRestart)
	if err := s.spawnLocked(); err != nil {
		s.reason = ReasonSpawnFailure
		s.lastErr = err
		s.setStateLocked(FailedPermanently)
		s.recordLocked(history.EventFailed)
	}
}

func (s *Supervisor) markStableLocked() {
	if s.fast != 0 {
		s.log.Debug("process stable; restart budget reset", "consecutive_fast_restarts", s.fast)
	}
	s.setFastLocked(0)
	if s.backoff != nil {
		s.backoff.Reset()
	}
	s.notifyLocked()
}

func (s *Supervisor) setFastLocked(n int) {
	s.fast = n
	metrics.SetFastRestarts(s.spec.Name, n)
}

func (s *Supervisor) setStateLocked(next State) {
	prev := s.state
	s.state = next
	if prev != next {
		metrics.RecordStateTransition(s.spec.Name, prev.String(), next.String())
		metrics.SetCurrentState(s.spec.Name, prev.String(), false)
		metrics.SetCurrentState(s.spec.Name, next.String(), true)
		s.log.Debug("state transition", "from", prev, "to", next)
	}
	s.notifyLocked()
}

func (s *Supervisor) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Supervisor) cancelReadyLocked() {
	if s.readyCancel != nil {
		s.readyCancel()
		s.readyCancel = nil
	}
}

func (s *Supervisor) recordLocked(t history.EventType) {
	s.recordExitLocked(t, 0)
}

func (s *Supervisor) recordExitLocked(t history.EventType, uptime time.Duration) {
	if s.recorder == nil {
		return
	}
	rec := history.Record{
		Name:     s.spec.Name,
		RunID:    s.runID,
		PID:      s.pid,
		State:    s.state.String(),
		Signal:   s.lastSignal,
		Reason:   string(s.reason),
		UptimeMS: uptime.Milliseconds(),
		Restarts: s.restarts,
	}
	if t == history.EventExit || t == history.EventCrash || t == history.EventFailed {
		if s.lastExit != nil {
			c := *s.lastExit
			rec.ExitCode = &c
		}
	}
	if s.lastErr != nil {
		rec.Error = s.lastErr.Error()
	}
	s.recorder.Record(history.Event{Type: t, OccurredAt: s.clock.Now().UTC(), Record: rec})
}

// --- asynchronous event sources ---

func (s *Supervisor) watch(epoch uint64, h process.Handle) {
	ex := <-h.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.handle != h {
		return
	}
	s.onExitLocked(ex)
}

func (s *Supervisor) awaitReady(ctx context.Context, epoch uint64, t readiness.Target) {
	err := s.probe.Await(ctx, t)
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.state != Starting {
		return
	}
	if err == nil {
		s.becomeRunningLocked()
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.failStartupLocked(ReasonReadinessFailed,
		fmt.Errorf("%w: %s: %w", ErrReadinessFailed, s.probe.Describe(), err))
}

func (s *Supervisor) onReadyTimeout(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.state != Starting {
		return
	}
	s.readyTimer = nil
	s.failStartupLocked(ReasonStartupTimeout,
		fmt.Errorf("%w: not ready within %s", ErrStartupTimeout, s.spec.ReadyTimeout))
}

func (s *Supervisor) onKillTimeout(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.state != Stopping || s.handle == nil {
		return
	}
	s.killTimer = nil
	s.reason = ReasonShutdownTimeout
	s.lastErr = fmt.Errorf("%w: still alive after %s", ErrShutdownTimeout, s.spec.KillTimeout)
	metrics.IncForcedKill(s.spec.Name)
	s.log.Warn("kill timeout elapsed; killing process", "pid", s.pid)
	if err := s.signaler.Kill(s.pid); err != nil {
		s.log.Warn("kill failed", "pid", s.pid, "error", err)
	}
	s.notifyLocked()
}

func (s *Supervisor) onRestartTimer(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || epoch != s.epoch || s.state != Crashed || s.restartTimer == nil {
		return
	}
	s.restartTimer = nil
	s.respawnLocked("crash")
}

func (s *Supervisor) onStable(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.state != Running {
		return
	}
	s.stableTimer = nil
	s.markStableLocked()
}

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
