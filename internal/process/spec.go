package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/warden/internal/logger"
)

// Spec describes the single process a Supervisor manages.
// It is treated as immutable once handed to the Supervisor.
type Spec struct {
	Name        string            `json:"name"`
	Command     []string          `json:"command"`     // argv; Command[0] is the executable
	Interpreter string            `json:"interpreter"` // optional, prepended to Command (e.g. python3)
	WorkDir     string            `json:"work_dir"`    // optional working dir
	Env         map[string]string `json:"env"`         // merged over the inherited environment
	PIDFile     string            `json:"pid_file"`    // optional pidfile path

	AutoRestart            bool          `json:"auto_restart"`              // restart when the process exits unexpectedly
	MinUptime              time.Duration `json:"min_uptime"`                // runs shorter than this count against MaxRestarts
	MaxRestarts            int           `json:"max_restarts"`              // ceiling on consecutive fast restarts
	RestartDelay           time.Duration `json:"restart_delay"`             // wait before respawning after a crash
	ExpBackoffRestartDelay time.Duration `json:"exp_backoff_restart_delay"` // when > 0, exponential delay replaces RestartDelay
	KillTimeout            time.Duration `json:"kill_timeout"`              // grace period between SIGTERM and SIGKILL
	WaitReady              bool          `json:"wait_ready"`                // stay in starting until a readiness signal arrives
	ReadyTimeout           time.Duration `json:"ready_timeout"`             // readiness window when WaitReady is set

	MaxMemoryRestart    uint64        `json:"max_memory_restart"`    // RSS ceiling in bytes; 0 disables
	MemoryCheckInterval time.Duration `json:"memory_check_interval"` // poll interval for MaxMemoryRestart

	Log logger.Config `json:"log"`
}

// Default values applied by DefaultSpec and by the configuration layer.
const (
	DefaultMaxRestarts         = 16
	DefaultMinUptime           = time.Second
	DefaultKillTimeout         = 1600 * time.Millisecond
	DefaultReadyTimeout        = 3 * time.Second
	DefaultMemoryCheckInterval = 5 * time.Second
)

// DefaultSpec returns a Spec with restart policy defaults filled in.
func DefaultSpec(name string, argv ...string) Spec {
	return Spec{
		Name:                name,
		Command:             argv,
		AutoRestart:         true,
		MinUptime:           DefaultMinUptime,
		MaxRestarts:         DefaultMaxRestarts,
		KillTimeout:         DefaultKillTimeout,
		ReadyTimeout:        DefaultReadyTimeout,
		MemoryCheckInterval: DefaultMemoryCheckInterval,
	}
}

var ErrInvalidSpec = errors.New("invalid process spec")

// Validate reports the first structural problem in s.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if strings.ContainsAny(s.Name, "/\\") || strings.Contains(s.Name, "..") {
		return fmt.Errorf("%w: name %q must not contain path separators", ErrInvalidSpec, s.Name)
	}
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return fmt.Errorf("%w: %s: command is required", ErrInvalidSpec, s.Name)
	}
	if s.MaxRestarts < 0 {
		return fmt.Errorf("%w: %s: max_restarts cannot be negative", ErrInvalidSpec, s.Name)
	}
	durations := map[string]time.Duration{
		"min_uptime":                s.MinUptime,
		"restart_delay":             s.RestartDelay,
		"exp_backoff_restart_delay": s.ExpBackoffRestartDelay,
		"kill_timeout":              s.KillTimeout,
		"ready_timeout":             s.ReadyTimeout,
		"memory_check_interval":     s.MemoryCheckInterval,
	}
	for k, d := range durations {
		if d < 0 {
			return fmt.Errorf("%w: %s: %s cannot be negative", ErrInvalidSpec, s.Name, k)
		}
	}
	for k := range s.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("%w: %s: invalid env key %q", ErrInvalidSpec, s.Name, k)
		}
	}
	return nil
}

// Argv returns the full argument vector including the interpreter, if any.
func (s *Spec) Argv() []string {
	argv := make([]string, 0, len(s.Command)+1)
	if in := strings.TrimSpace(s.Interpreter); in != "" {
		argv = append(argv, strings.Fields(in)...)
	}
	return append(argv, s.Command...)
}

// BuildCommand constructs an *exec.Cmd for s. The argv is passed
// verbatim; no shell is involved unless the command names one.
func (s *Spec) BuildCommand() *exec.Cmd {
	argv := s.Argv()
	// #nosec G204
	return exec.Command(argv[0], argv[1:]...)
}

// Clone returns a deep copy so callers cannot mutate a Supervisor's spec.
func (s Spec) Clone() Spec {
	c := s
	c.Command = append([]string(nil), s.Command...)
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	return c
}

// ParseCommandLine turns a command string into argv. It avoids a shell when
// not necessary, honours an explicit "sh -c <script>" prefix without
// double-wrapping, and falls back to /bin/sh -c when shell metacharacters
// are present.
func ParseCommandLine(cmdStr string) []string {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return nil
	}
	if script, ok := parseExplicitShell(cmdStr); ok {
		// absolute shell path avoids a PATH dependency when Env is overridden
		return []string{"/bin/sh", "-c", script}
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return []string{"/bin/sh", "-c", cmdStr}
	}
	return strings.Fields(cmdStr)
}

// parseExplicitShell detects "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr and returns ARG verbatim, minus one pair of
// surrounding quotes.
func parseExplicitShell(cmdStr string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(cmdStr, p) {
			continue
		}
		after := cmdStr[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
