//go:build !windows

package process

import (
	"errors"
	"fmt"
	"syscall"
)

// OSSignaler signals the child's process group (the child is its leader),
// falling back to the pid alone when the group is gone.
type OSSignaler struct{}

func (OSSignaler) Terminate(pid int) error { return signalGroup(pid, syscall.SIGTERM) }
func (OSSignaler) Kill(pid int) error      { return signalGroup(pid, syscall.SIGKILL) }

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if err != nil {
		return fmt.Errorf("send %s to %d: %w", signalName(sig), pid, err)
	}
	return nil
}

// signalName returns the conventional name for a signal number.
func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	case syscall.SIGUSR1:
		return "SIGUSR1"
	case syscall.SIGUSR2:
		return "SIGUSR2"
	default:
		return fmt.Sprintf("SIG%d", int(sig))
	}
}
