package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// WritePIDFile writes the pid on the first line followed by the JSON spec,
// so operators can tell which program a stale file belonged to.
func WritePIDFile(path string, pid int, spec Spec) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile returns the pid recorded in path. Files containing only a pid
// are accepted.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	pidLine, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// ReadPIDFileSpec returns the Spec stored after the pid line, or nil when
// the file predates specs or the JSON cannot be parsed.
func ReadPIDFileSpec(path string) (*Spec, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	_, rest, _ := strings.Cut(string(b), "\n")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, nil
	}
	var spec Spec
	if err := json.Unmarshal([]byte(rest), &spec); err != nil {
		return nil, nil
	}
	return &spec, nil
}

// RemovePIDFileIfOwned removes path only if it still records pid, so a
// newer run's file is never deleted by an old run's exit. Best effort.
func RemovePIDFileIfOwned(path string, pid int) {
	cur, err := ReadPIDFile(path)
	if err != nil || cur != pid {
		return
	}
	_ = os.Remove(path)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}
