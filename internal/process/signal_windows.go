//go:build windows

package process

import (
	"fmt"
	"os"
	"syscall"
)

// OSSignaler on Windows has no graceful request; both operations kill.
type OSSignaler struct{}

func (OSSignaler) Terminate(pid int) error { return kill(pid) }
func (OSSignaler) Kill(pid int) error      { return kill(pid) }

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	return p.Kill()
}

func signalName(sig syscall.Signal) string { return sig.String() }
