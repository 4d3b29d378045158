package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Exit describes how a managed process terminated.
type Exit struct {
	Code   int       // exit status; -1 when terminated by a signal
	Signal string    // terminating signal name, if any
	Err    error     // wait failure unrelated to the exit status
	At     time.Time // when the exit was observed
}

// Success reports a clean exit with status 0.
func (e Exit) Success() bool { return e.Code == 0 && e.Signal == "" && e.Err == nil }

func (e Exit) String() string {
	switch {
	case e.Err != nil:
		return "wait error: " + e.Err.Error()
	case e.Signal != "":
		return "signal: " + e.Signal
	default:
		return fmt.Sprintf("exit status %d", e.Code)
	}
}

// exitFromWait classifies the result of cmd.Wait.
func exitFromWait(ps *os.ProcessState, err error) Exit {
	var ex Exit
	if ps == nil {
		ex.Code = -1
		ex.Err = err
		return ex
	}
	ex.Code = ps.ExitCode()
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		ex.Code = -1
		ex.Signal = signalName(ws.Signal())
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		// e.g. exec.ErrWaitDelay: the process exited but its output copy did not finish
		ex.Err = err
	}
	return ex
}
