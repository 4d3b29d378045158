package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/warden/internal/env"
)

// Handle is a running OS process. Done delivers exactly one Exit and is
// then closed.
type Handle interface {
	PID() int
	Done() <-chan Exit
}

// Spawner creates OS processes. extraEnv is layered over spec.Env, letting
// collaborators such as readiness probes hand variables to the child.
type Spawner interface {
	Spawn(spec Spec, extraEnv map[string]string) (Handle, error)
}

// Signaler delivers termination requests to a process by pid.
type Signaler interface {
	Terminate(pid int) error // graceful request the child may handle
	Kill(pid int) error      // forced, cannot be caught
}

var ErrAlreadyRunning = errors.New("process already running")

// waitDelay bounds how long Wait keeps copying output after the child exits,
// e.g. when a grandchild inherited the pipes.
const waitDelay = 2 * time.Second

// ExecSpawner spawns processes with os/exec. Each child gets its own
// process group so signals reach the whole tree.
type ExecSpawner struct {
	Env *env.Env // base environment; nil inherits the OS environment
	Now func() time.Time
}

func (s *ExecSpawner) Spawn(spec Spec, extraEnv map[string]string) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.PIDFile != "" {
		if pid, err := ReadPIDFile(spec.PIDFile); err == nil && pidAlive(pid) {
			return nil, fmt.Errorf("%w: pid %d from %s", ErrAlreadyRunning, pid, spec.PIDFile)
		}
	}
	e := s.Env
	if e == nil {
		e = env.New()
	}

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = e.Merge(spec.Env, extraEnv)
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)

	// nil streams are connected to the null device by os/exec
	outW, errW, err := spec.Log.Writers(spec.Name)
	if err != nil {
		return nil, err
	}
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	closers := []io.Closer{outW, errW}

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return nil, err
	}
	h := &execHandle{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		done:    make(chan Exit, 1),
		closers: closers,
		pidFile: spec.PIDFile,
		now:     s.now(),
	}
	if spec.PIDFile != "" {
		if err := WritePIDFile(spec.PIDFile, h.pid, spec); err != nil {
			// the child is already running; report but keep supervising it
			h.pidFileErr = err
		}
	}
	go h.wait()
	return h, nil
}

func (s *ExecSpawner) now() func() time.Time {
	if s.Now != nil {
		return s.Now
	}
	return time.Now
}

type execHandle struct {
	cmd        *exec.Cmd
	pid        int
	done       chan Exit
	closers    []io.Closer
	pidFile    string
	pidFileErr error
	now        func() time.Time
	once       sync.Once
}

func (h *execHandle) PID() int          { return h.pid }
func (h *execHandle) Done() <-chan Exit { return h.done }

// PIDFileError reports a failure to write the pid file at spawn time.
func (h *execHandle) PIDFileError() error { return h.pidFileErr }

func (h *execHandle) wait() {
	h.once.Do(func() {
		err := h.cmd.Wait()
		ex := exitFromWait(h.cmd.ProcessState, err)
		ex.At = h.now()
		closeAll(h.closers)
		if h.pidFile != "" {
			RemovePIDFileIfOwned(h.pidFile, h.pid)
		}
		h.done <- ex
		close(h.done)
	})
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
