package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/readiness"
)

func TestNewRejectsInvalidSpec(t *testing.T) {
	_, err := New(process.Spec{Name: "x"})
	require.ErrorIs(t, err, process.ErrInvalidSpec)
}

func TestStartWithoutWaitReadyIsRunning(t *testing.T) {
	h := newHarness(t, baseSpec())
	require.Equal(t, Stopped, h.sup.Status().State)

	require.NoError(t, h.sup.Start())
	st := h.sup.Status()
	assert.Equal(t, Running, st.State)
	assert.Equal(t, h.sp.last().pid, st.PID)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, 1, h.sp.count())

	err := h.sup.Start()
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, h.sp.count())
}

func TestSpawnFailureNeverReachesRunning(t *testing.T) {
	h := newHarness(t, baseSpec())
	h.sp.failNext(errors.New("exec: no such file"))

	err := h.sup.Start()
	require.ErrorIs(t, err, ErrSpawnFailure)
	st := h.sup.Status()
	assert.Equal(t, Stopped, st.State)
	assert.Zero(t, st.PID)
	assert.Equal(t, ReasonSpawnFailure, st.Reason)
	assert.Contains(t, st.LastError, "no such file")
	assert.Equal(t, 0, h.sp.count())

	require.NoError(t, h.sup.Start())
	assert.Equal(t, Running, h.sup.Status().State)
}

func TestCrashWithoutAutoRestart(t *testing.T) {
	spec := baseSpec()
	spec.AutoRestart = false
	h := newHarness(t, spec)
	require.NoError(t, h.sup.Start())

	h.sp.last().exitCode(2)
	st := h.waitState(t, Crashed)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 2, *st.LastExitCode)
	assert.Equal(t, ReasonUnexpectedExit, st.Reason)
	assert.False(t, st.RestartPending)

	h.clock.Advance(time.Hour)
	require.Never(t, func() bool { return h.sp.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sup.WaitStopped(ctx))
}

func TestCrashWithoutAutoRestartStillEnforcesBudget(t *testing.T) {
	spec := baseSpec()
	spec.AutoRestart = false
	spec.MaxRestarts = 0
	sink := &memSink{}
	rec := history.NewRecorder(nil, 64, sink)
	h := newHarness(t, spec, WithRecorder(rec))
	require.NoError(t, h.sup.Start())

	h.sp.last().exitCode(1)
	st := h.waitState(t, FailedPermanently)
	assert.Equal(t, ReasonBudgetExhausted, st.Reason)
	assert.Equal(t, 1, st.ConsecutiveFastRestarts)
	assert.False(t, st.RestartPending)

	require.NoError(t, h.sup.Start())
	h.waitState(t, Running)
	assert.Equal(t, 0, h.sup.Status().ConsecutiveFastRestarts)

	require.NoError(t, h.sup.Stop())
	h.waitState(t, Stopped)
	require.NoError(t, rec.Close(context.Background()))
	assert.Contains(t, sink.types(), history.EventFailed)
	assert.NotContains(t, sink.types(), history.EventCrash)
}

func TestStatusJSONOmitsStartTimeWithoutProcess(t *testing.T) {
	h := newHarness(t, baseSpec())
	b, err := json.Marshal(h.sup.Status())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "started_at")

	require.NoError(t, h.sup.Start())
	st := h.waitState(t, Running)
	require.NotNil(t, st.StartedAt)
	b, err = json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"started_at":"`)
}

func TestRestartBudgetExhaustion(t *testing.T) {
	spec := baseSpec()
	spec.MaxRestarts = 3
	h := newHarness(t, spec)
	require.NoError(t, h.sup.Start())

	for i := 1; i <= 3; i++ {
		h.sp.last().exitCode(1)
		want := i
		st := h.waitFor(t, "crash", func(st Status) bool {
			return st.State == Crashed && st.ConsecutiveFastRestarts == want && st.RestartPending
		})
		assert.Equal(t, ReasonUnexpectedExit, st.Reason)
		h.clock.Advance(spec.RestartDelay)
		h.waitSpawns(t, i+1)
		h.waitState(t, Running)
	}

	h.sp.last().exitCode(1)
	st := h.waitState(t, FailedPermanently)
	assert.Equal(t, 4, st.ConsecutiveFastRestarts)
	assert.Equal(t, ReasonBudgetExhausted, st.Reason)
	assert.Contains(t, st.LastError, "restart budget exhausted")
	assert.False(t, st.RestartPending)

	h.clock.Advance(time.Hour)
	require.Never(t, func() bool { return h.sp.count() > 4 }, 50*time.Millisecond, 5*time.Millisecond)

	// an explicit start re-arms the budget
	require.NoError(t, h.sup.Start())
	st = h.sup.Status()
	assert.Equal(t, Running, st.State)
	assert.Equal(t, 0, st.ConsecutiveFastRestarts)
	assert.Equal(t, 5, h.sp.count())
}

func TestStableRunResetsFastRestartCounter(t *testing.T) {
	spec := baseSpec()
	h := newHarness(t, spec)
	require.NoError(t, h.sup.Start())

	for i := 1; i <= 2; i++ {
		h.sp.last().exitCode(1)
		want := i
		h.waitFor(t, "crash", func(st Status) bool { return st.State == Crashed && st.ConsecutiveFastRestarts == want })
		h.clock.Advance(spec.RestartDelay)
		h.waitSpawns(t, i+1)
		h.waitState(t, Running)
	}
	require.Equal(t, 2, h.sup.Status().ConsecutiveFastRestarts)

	h.clock.Advance(spec.MinUptime)
	h.waitFor(t, "stable", func(st Status) bool { return st.ConsecutiveFastRestarts == 0 })

	h.sp.last().exitCode(1)
	st := h.waitState(t, Crashed)
	assert.Equal(t, 0, st.ConsecutiveFastRestarts)
	assert.True(t, st.RestartPending)

	h.clock.Advance(spec.RestartDelay)
	h.waitSpawns(t, 4)
	h.waitState(t, Running)
	h.sp.last().exitCode(1)
	h.waitFor(t, "fast crash", func(st Status) bool { return st.State == Crashed && st.ConsecutiveFastRestarts == 1 })
}

func TestZeroMinUptimeMakesEveryRunStable(t *testing.T) {
	spec := baseSpec()
	spec.MinUptime = 0
	spec.MaxRestarts = 0
	h := newHarness(t, spec)
	require.NoError(t, h.sup.Start())

	for i := 1; i <= 3; i++ {
		h.sp.last().exitCode(1)
		h.waitFor(t, "crash", func(st Status) bool { return st.State == Crashed && st.RestartPending })
		assert.Equal(t, 0, h.sup.Status().ConsecutiveFastRestarts)
		h.clock.Advance(spec.RestartDelay)
		h.waitSpawns(t, i+1)
		h.waitState(t, Running)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, baseSpec())
	h.sig.ignoreTerm = true
	require.NoError(t, h.sup.Start())

	require.NoError(t, h.sup.Stop())
	require.NoError(t, h.sup.Stop())
	assert.Equal(t, Stopping, h.sup.Status().State)
	terms, kills := h.sig.counts()
	assert.Equal(t, 1, terms)
	assert.Equal(t, 0, kills)

	h.sp.last().exitCode(0)
	h.waitState(t, Stopped)
	require.NoError(t, h.sup.Stop())
	terms, _ = h.sig.counts()
	assert.Equal(t, 1, terms)
}

func TestStopOnStoppedIsNoop(t *testing.T) {
	h := newHarness(t, baseSpec())
	require.NoError(t, h.sup.Stop())
	assert.Equal(t, Stopped, h.sup.Status().State)
	terms, kills := h.sig.counts()
	assert.Zero(t, terms+kills)
}

func TestKillAfterTimeout(t *testing.T) {
	spec := baseSpec()
	spec.KillTimeout = 3000 * time.Millisecond
	h := newHarness(t, spec)
	h.sig.ignoreTerm = true
	require.NoError(t, h.sup.Start())
	require.NoError(t, h.sup.Stop())

	h.clock.Advance(2999 * time.Millisecond)
	require.Never(t, func() bool { _, k := h.sig.counts(); return k > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, Stopping, h.sup.Status().State)

	h.clock.Advance(time.Millisecond)
	st := h.waitState(t, Stopped)
	_, kills := h.sig.counts()
	assert.Equal(t, 1, kills)
	assert.Equal(t, ReasonShutdownTimeout, st.Reason)
	assert.Equal(t, "SIGKILL", st.LastSignal)
	assert.Nil(t, st.LastExitCode)

	// a forced stop is not a crash
	h.clock.Advance(time.Hour)
	require.Never(t, func() bool { return h.sp.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, Stopped, h.sup.Status().State)
}

func TestZeroKillTimeoutKillsImmediately(t *testing.T) {
	spec := baseSpec()
	spec.KillTimeout = 0
	h := newHarness(t, spec)
	require.NoError(t, h.sup.Start())
	require.NoError(t, h.sup.Stop())
	h.waitState(t, Stopped)
	terms, kills := h.sig.counts()
	assert.Equal(t, 0, terms)
	assert.Equal(t, 1, kills)
}

func TestStopWinsOverConcurrentCrash(t *testing.T) {
	h := newHarness(t, baseSpec())
	h.sig.ignoreTerm = true
	require.NoError(t, h.sup.Start())
	require.NoError(t, h.sup.Stop())

	h.sp.last().exitCode(1)
	st := h.waitState(t, Stopped)
	assert.False(t, st.RestartPending)
	h.clock.Advance(time.Minute)
	require.Never(t, func() bool { return h.sp.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestStopCancelsPendingRestart(t *testing.T) {
	h := newHarness(t, baseSpec())
	require.NoError(t, h.sup.Start())
	h.sp.last().exitCode(1)
	h.waitFor(t, "restart pending", func(st Status) bool { return st.RestartPending })

	require.NoError(t, h.sup.Stop())
	st := h.sup.Status()
	assert.Equal(t, Stopped, st.State)
	assert.False(t, st.RestartPending)

	h.clock.Advance(time.Minute)
	require.Never(t, func() bool { return h.sp.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRestartScheduleTiming(t *testing.T) {
	spec := baseSpec()
	spec.MinUptime = 10 * time.Second
	spec.MaxRestarts = 10
	spec.RestartDelay = 4 * time.Second
	h := newHarness(t, spec)
	t0 := h.clock.Now()
	require.NoError(t, h.sup.Start())

	// runs of 2s each, crashing at t=2, t=8 and t=14
	for i := 1; i <= 3; i++ {
		h.clock.Advance(2 * time.Second)
		h.sp.last().exitCode(1)
		want := i
		h.waitFor(t, "crash", func(st Status) bool { return st.State == Crashed && st.ConsecutiveFastRestarts == want })
		if i < 3 {
			h.clock.Advance(spec.RestartDelay)
			h.waitSpawns(t, i+1)
			h.waitState(t, Running)
		}
	}
	assert.Equal(t, 6*time.Second, h.sp.spawnTime(1).Sub(t0))
	assert.Equal(t, 12*time.Second, h.sp.spawnTime(2).Sub(t0))

	h.clock.Advance(spec.RestartDelay - time.Millisecond)
	require.Never(t, func() bool { return h.sp.count() > 3 }, 50*time.Millisecond, 5*time.Millisecond)
	h.clock.Advance(time.Millisecond)
	h.waitSpawns(t, 4)
	assert.Equal(t, 18*time.Second, h.sp.spawnTime(3).Sub(t0))
	assert.Equal(t, 3, h.sup.Status().ConsecutiveFastRestarts)
}

func TestExponentialBackoffDelays(t *testing.T) {
	spec := baseSpec()
	spec.ExpBackoffRestartDelay = 100 * time.Millisecond
	h := newHarness(t, spec)

	h.sup.mu.Lock()
	var got []time.Duration
	for i := 0; i < 4; i++ {
		got = append(got, h.sup.nextDelayLocked())
	}
	h.sup.mu.Unlock()
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		150 * time.Millisecond,
		225 * time.Millisecond,
		337500 * time.Microsecond,
	}, got)

	b := newRestartBackoff(10*time.Second, h.clock)
	_ = b.NextBackOff()
	_ = b.NextBackOff()
	assert.Equal(t, 15*time.Second, b.NextBackOff())
	assert.Equal(t, 15*time.Second, b.NextBackOff())
}

func TestExponentialBackoffResetsOnStart(t *testing.T) {
	spec := baseSpec()
	spec.ExpBackoffRestartDelay = 200 * time.Millisecond
	h := newHarness(t, spec)
	require.NoError(t, h.sup.Start())

	h.sp.last().exitCode(1)
	h.waitFor(t, "crash", func(st Status) bool { return st.RestartPending })
	h.clock.Advance(200 * time.Millisecond)
	h.waitSpawns(t, 2)
	h.waitState(t, Running)

	h.sp.last().exitCode(1)
	h.waitFor(t, "crash", func(st Status) bool { return st.RestartPending })
	h.clock.Advance(299 * time.Millisecond)
	require.Never(t, func() bool { return h.sp.count() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	h.clock.Advance(time.Millisecond)
	h.waitSpawns(t, 3)
	h.waitState(t, Running)

	require.NoError(t, h.sup.Stop())
	h.waitState(t, Stopped)
	require.NoError(t, h.sup.Start())
	h.sup.mu.Lock()
	d := h.sup.nextDelayLocked()
	h.sup.mu.Unlock()
	assert.Equal(t, 200*time.Millisecond, d)
}

func TestWaitReadyWithMarkReady(t *testing.T) {
	spec := baseSpec()
	spec.WaitReady = true
	spec.ReadyTimeout = 5 * time.Second
	h := newHarness(t, spec)

	require.ErrorIs(t, h.sup.MarkReady(), ErrInvalidState)
	require.NoError(t, h.sup.Start())
	assert.Equal(t, Starting, h.sup.Status().State)

	require.NoError(t, h.sup.MarkReady())
	assert.Equal(t, Running, h.sup.Status().State)
	require.ErrorIs(t, h.sup.MarkReady(), ErrInvalidState)

	// the readiness timer is gone once running
	h.clock.Advance(time.Minute)
	require.Never(t, func() bool { return h.sup.Status().State != Running }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestStartupTimeoutKillsAndRestarts(t *testing.T) {
	spec := baseSpec()
	spec.WaitReady = true
	spec.ReadyTimeout = 2 * time.Second
	h := newHarness(t, spec)
	require.NoError(t, h.sup.Start())

	h.clock.Advance(2 * time.Second)
	st := h.waitFor(t, "restart pending", func(st Status) bool { return st.State == Crashed && st.RestartPending })
	assert.Equal(t, ReasonStartupTimeout, st.Reason)
	assert.Contains(t, st.LastError, "startup timeout")
	assert.Equal(t, 1, st.ConsecutiveFastRestarts)
	_, kills := h.sig.counts()
	assert.Equal(t, 1, kills)

	h.clock.Advance(spec.RestartDelay)
	h.waitSpawns(t, 2)
	h.waitState(t, Starting)
}

func TestProbeReadinessAndFailure(t *testing.T) {
	spec := baseSpec()
	spec.WaitReady = true
	spec.ReadyTimeout = time.Minute

	probe := &gateProbe{open: make(chan struct{}), env: map[string]string{"EXTRA": "1"}}
	h := newHarness(t, spec, WithProbe(probe))
	require.NoError(t, h.sup.Start())
	assert.Equal(t, Starting, h.sup.Status().State)

	h.sp.mu.Lock()
	env := h.sp.envs[0]
	h.sp.mu.Unlock()
	assert.Equal(t, h.sup.Status().RunID, env["RUN"])
	assert.Equal(t, "1", env["EXTRA"])

	close(probe.open)
	h.waitState(t, Running)

	failing := &gateProbe{open: make(chan struct{}), err: errors.New("refused")}
	h2 := newHarness(t, spec, WithProbe(failing))
	require.NoError(t, h2.sup.Start())
	close(failing.open)
	st := h2.waitFor(t, "readiness failure", func(st Status) bool { return st.State == Crashed && st.RestartPending })
	assert.Equal(t, ReasonReadinessFailed, st.Reason)
	assert.Contains(t, st.LastError, "refused")
}

func TestProbeEnvOnlyWhenWaitingForReady(t *testing.T) {
	probe := &gateProbe{open: make(chan struct{})}
	h := newHarness(t, baseSpec(), WithProbe(probe))
	require.NoError(t, h.sup.Start())
	h.sp.mu.Lock()
	defer h.sp.mu.Unlock()
	assert.Nil(t, h.sp.envs[0])
}

func TestOperatorRestartKeepsBudget(t *testing.T) {
	h := newHarness(t, baseSpec())
	require.NoError(t, h.sup.Start())
	first := h.sup.Status()

	require.NoError(t, h.sup.Restart())
	h.waitSpawns(t, 2)
	st := h.waitState(t, Running)
	assert.NotEqual(t, first.PID, st.PID)
	assert.NotEqual(t, first.RunID, st.RunID)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 0, st.ConsecutiveFastRestarts)
	terms, _ := h.sig.counts()
	assert.Equal(t, 1, terms)
}

func TestRestartFromStoppedStarts(t *testing.T) {
	h := newHarness(t, baseSpec())
	require.NoError(t, h.sup.Restart())
	assert.Equal(t, Running, h.sup.Status().State)
}

func TestStopDuringOperatorRestartCancelsRespawn(t *testing.T) {
	h := newHarness(t, baseSpec())
	h.sig.ignoreTerm = true
	require.NoError(t, h.sup.Start())
	require.NoError(t, h.sup.Restart())
	require.ErrorIs(t, h.sup.Restart(), ErrInvalidState)
	require.NoError(t, h.sup.Stop())

	h.sp.last().exitCode(0)
	h.waitState(t, Stopped)
	assert.Equal(t, 1, h.sp.count())
}

func TestMemoryLimitRestart(t *testing.T) {
	spec := baseSpec()
	spec.MaxMemoryRestart = 100 << 20
	spec.MemoryCheckInterval = time.Second
	mem := &fakeMemory{rss: map[int]uint64{}}
	h := newHarness(t, spec, WithMemoryReader(mem))
	require.NoError(t, h.sup.Start())
	first := h.sp.last()

	mem.set(first.pid, 50<<20)
	h.clock.Advance(time.Second)
	require.Never(t, func() bool { return h.sp.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	mem.set(first.pid, 200<<20)
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		return h.sp.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
	st := h.waitState(t, Running)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 0, st.ConsecutiveFastRestarts)
	terms, _ := h.sig.counts()
	assert.Equal(t, 1, terms)
}

func TestHistoryEventsRecorded(t *testing.T) {
	sink := &memSink{}
	rec := history.NewRecorder(nil, 64, sink)
	spec := baseSpec()
	spec.AutoRestart = false
	h := newHarness(t, spec, WithRecorder(rec))

	require.NoError(t, h.sup.Start())
	h.sp.last().exitCode(3)
	h.waitState(t, Crashed)
	require.NoError(t, rec.Close(context.Background()))

	assert.Equal(t, []history.EventType{
		history.EventSpawn,
		history.EventReady,
		history.EventExit,
		history.EventCrash,
	}, sink.types())
	sink.mu.Lock()
	last := sink.events[len(sink.events)-1]
	sink.mu.Unlock()
	require.NotNil(t, last.Record.ExitCode)
	assert.Equal(t, 3, *last.Record.ExitCode)
	assert.Equal(t, "crashed", last.Record.State)
	assert.Equal(t, string(ReasonUnexpectedExit), last.Record.Reason)
}

func TestCloseStopsAndRejectsStart(t *testing.T) {
	h := newHarness(t, baseSpec())
	require.NoError(t, h.sup.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Close(ctx))
	assert.Equal(t, Stopped, h.sup.Status().State)
	require.ErrorIs(t, h.sup.Start(), ErrClosed)
	require.ErrorIs(t, h.sup.Restart(), ErrClosed)
}

func TestWaitHonoursContext(t *testing.T) {
	h := newHarness(t, baseSpec())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st, err := h.sup.Wait(ctx, func(st Status) bool { return st.State == Running })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Stopped, st.State)
}

func TestNotifyProbeEndToEnd(t *testing.T) {
	n, err := readiness.ListenNotify("")
	if err != nil {
		t.Skipf("unix datagram sockets unavailable: %v", err)
	}
	defer func() { _ = n.Close() }()

	spec := baseSpec()
	spec.WaitReady = true
	spec.ReadyTimeout = time.Minute
	h := newHarness(t, spec, WithProbe(n))
	require.NoError(t, h.sup.Start())

	h.sp.mu.Lock()
	env := h.sp.envs[0]
	h.sp.mu.Unlock()
	require.Equal(t, n.Path(), env[readiness.EnvNotifySocket])

	require.NoError(t, readiness.SendNotify(n.Path(), "READY=1\nRUN_ID="+env[readiness.EnvRunID]))
	h.waitState(t, Running)
}

func TestStateText(t *testing.T) {
	for st, name := range stateNames {
		b, err := st.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, name, string(b))
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, st, back)
	}
	var s State
	require.Error(t, s.UnmarshalText([]byte("zombie")))
	assert.Equal(t, "unknown", State(42).String())
}
