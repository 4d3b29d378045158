package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

const (
	backoffMultiplier  = 1.5
	backoffMaxInterval = 15 * time.Second
)

// newRestartBackoff grows the restart delay from initial by x1.5 per fast
// failure up to 15s. It never gives up; the restart budget does that.
func newRestartBackoff(initial time.Duration, clock clockwork.Clock) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          backoffMultiplier,
		MaxInterval:         backoffMaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()
	return b
}

func (s *Supervisor) nextDelayLocked() time.Duration {
	if s.backoff == nil {
		return s.spec.RestartDelay
	}
	return s.backoff.NextBackOff()
}
