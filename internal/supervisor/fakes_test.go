package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/readiness"
)

type fakeHandle struct {
	pid  int
	done chan process.Exit
	once sync.Once
}

func (h *fakeHandle) PID() int                  { return h.pid }
func (h *fakeHandle) Done() <-chan process.Exit { return h.done }

func (h *fakeHandle) exit(ex process.Exit) {
	h.once.Do(func() {
		h.done <- ex
		close(h.done)
	})
}

func (h *fakeHandle) exitCode(code int) { h.exit(process.Exit{Code: code}) }

// fakeSpawner hands out fakeHandles and records when and how it was called.
type fakeSpawner struct {
	clock clockwork.Clock

	mu      sync.Mutex
	nextPID int
	fail    []error
	handles []*fakeHandle
	times   []time.Time
	envs    []map[string]string
}

func (f *fakeSpawner) Spawn(_ process.Spec, extra map[string]string) (process.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextPID++
	h := &fakeHandle{pid: 1000 + f.nextPID, done: make(chan process.Exit, 1)}
	f.handles = append(f.handles, h)
	f.times = append(f.times, f.clock.Now())
	f.envs = append(f.envs, extra)
	return h, nil
}

// failNext queues spawn results; nil entries succeed.
func (f *fakeSpawner) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = append(f.fail, errs...)
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeSpawner) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[len(f.handles)-1]
}

func (f *fakeSpawner) byPID(pid int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		if h.pid == pid {
			return h
		}
	}
	return nil
}

func (f *fakeSpawner) spawnTime(i int) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.times[i]
}

// fakeSignaler counts signals. Kill always ends the process; Terminate
// does unless ignoreTerm is set.
type fakeSignaler struct {
	spawner *fakeSpawner

	mu         sync.Mutex
	ignoreTerm bool
	terms      int
	kills      int
}

func (f *fakeSignaler) Terminate(pid int) error {
	f.mu.Lock()
	f.terms++
	ignore := f.ignoreTerm
	f.mu.Unlock()
	if !ignore {
		if h := f.spawner.byPID(pid); h != nil {
			h.exit(process.Exit{Code: -1, Signal: "SIGTERM"})
		}
	}
	return nil
}

func (f *fakeSignaler) Kill(pid int) error {
	f.mu.Lock()
	f.kills++
	f.mu.Unlock()
	if h := f.spawner.byPID(pid); h != nil {
		h.exit(process.Exit{Code: -1, Signal: "SIGKILL"})
	}
	return nil
}

func (f *fakeSignaler) counts() (terms, kills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terms, f.kills
}

// fakeMemory reports a fixed RSS per pid.
type fakeMemory struct {
	mu  sync.Mutex
	rss map[int]uint64
}

func (f *fakeMemory) set(pid int, v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rss[pid] = v
}

func (f *fakeMemory) RSS(pid int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rss[pid], nil
}

// gateProbe becomes ready when open is closed, or fails with err.
type gateProbe struct {
	open chan struct{}
	err  error
	env  map[string]string
}

func (p *gateProbe) Await(ctx context.Context, _ readiness.Target) error {
	select {
	case <-p.open:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *gateProbe) Describe() string { return "gate" }

func (p *gateProbe) Env(t readiness.Target) map[string]string {
	m := map[string]string{"RUN": t.RunID}
	for k, v := range p.env {
		m[k] = v
	}
	return m
}

type harness struct {
	sup   *Supervisor
	clock *clockwork.FakeClock
	sp    *fakeSpawner
	sig   *fakeSignaler
}

func baseSpec() process.Spec {
	return process.Spec{
		Name:         "app",
		Command:      []string{"/bin/app"},
		AutoRestart:  true,
		MinUptime:    10 * time.Second,
		MaxRestarts:  3,
		RestartDelay: time.Second,
		KillTimeout:  3 * time.Second,
	}
}

func newHarness(t *testing.T, spec process.Spec, opts ...Option) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	sp := &fakeSpawner{clock: clock}
	sig := &fakeSignaler{spawner: sp}
	all := append([]Option{
		WithClock(clock),
		WithSpawner(sp),
		WithSignaler(sig),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	sup, err := New(spec, all...)
	require.NoError(t, err)
	return &harness{sup: sup, clock: clock, sp: sp, sig: sig}
}

// waitFor blocks until pred holds for the supervisor status.
func (h *harness) waitFor(t *testing.T, what string, pred func(Status) bool) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.sup.Wait(ctx, pred)
	require.NoError(t, err, "waiting for %s; last status %+v", what, st)
	return st
}

func (h *harness) waitState(t *testing.T, want State) Status {
	t.Helper()
	return h.waitFor(t, want.String(), func(st Status) bool { return st.State == want })
}

func (h *harness) waitSpawns(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sp.count() == n }, 2*time.Second, time.Millisecond,
		"expected %d spawns", n)
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}
