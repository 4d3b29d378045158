package process

import (
	"fmt"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// MemoryReader reports the resident set size of a process.
type MemoryReader interface {
	RSS(pid int) (uint64, error)
}

// PSMemoryReader reads RSS through gopsutil.
type PSMemoryReader struct{}

func (PSMemoryReader) RSS(pid int) (uint64, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}
	return mi.RSS, nil
}
