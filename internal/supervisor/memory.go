package supervisor

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/loykin/warden/internal/history"
)

// armMemoryLocked schedules the next RSS check for the run with epoch.
func (s *Supervisor) armMemoryLocked(epoch uint64) {
	if s.spec.MaxMemoryRestart == 0 || s.memory == nil || s.spec.MemoryCheckInterval <= 0 {
		return
	}
	s.memTimer = s.clock.AfterFunc(s.spec.MemoryCheckInterval, func() { go s.checkMemory(epoch) })
}

// checkMemory restarts the process gracefully when its RSS exceeds
// MaxMemoryRestart. The restart does not count against the budget.
func (s *Supervisor) checkMemory(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch || (s.state != Starting && s.state != Running) {
		s.mu.Unlock()
		return
	}
	s.memTimer = nil
	pid := s.pid
	s.mu.Unlock()

	// outside the lock: reading /proc may be slow
	rss, err := s.memory.RSS(pid)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || (s.state != Starting && s.state != Running) {
		return
	}
	if err != nil {
		s.log.Debug("memory check failed", "pid", pid, "error", err)
		s.armMemoryLocked(epoch)
		return
	}
	if rss <= s.spec.MaxMemoryRestart {
		s.armMemoryLocked(epoch)
		return
	}
	s.log.Warn("memory limit exceeded; restarting",
		"pid", pid, "rss", humanize.IBytes(rss), "limit", humanize.IBytes(s.spec.MaxMemoryRestart))
	s.stopLocked()
	s.reason = ReasonMemoryLimit
	s.lastErr = fmt.Errorf("%w: rss %s over %s", ErrMemoryLimit,
		humanize.IBytes(rss), humanize.IBytes(s.spec.MaxMemoryRestart))
	s.restarting = true
	s.restartCause = "memory"
	s.recordLocked(history.EventStop)
}
