package readiness

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loykin/warden/internal/process"
)

// Exec runs Command until it exits 0. A command that cannot be started at
// all stops the probe.
type Exec struct {
	Command  string
	Interval time.Duration
}

func (p Exec) Await(ctx context.Context, _ Target) error {
	argv := process.ParseCommandLine(p.Command)
	if len(argv) == 0 {
		return nil
	}
	return poll(ctx, p.Interval, func(ctx context.Context) error {
		// #nosec G204
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		err := cmd.Run()
		if err == nil {
			return nil
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			// non-zero exit code means not ready yet
			return fmt.Errorf("%w: %s", errNotReady, ee)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return backoff.Permanent(err)
	})
}

func (p Exec) Describe() string { return "cmd:" + p.Command }
