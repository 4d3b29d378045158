package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultBuffer       = 256
	defaultSendTimeout  = 5 * time.Second
	defaultRetryBackoff = 200 * time.Millisecond
	maxSendRetries      = 3
)

// ErrTransient marks a sink failure worth retrying, such as a refused
// connection or an overloaded server. Other errors are logged once.
var ErrTransient = errors.New("transient history sink failure")

// Recorder fans events out to sinks on a background goroutine so callers
// never block on slow destinations. When the buffer is full new events are
// dropped and counted.
type Recorder struct {
	sinks        []Sink
	log          *slog.Logger
	sendTimeout  time.Duration
	retryBackoff time.Duration

	mu      sync.RWMutex // guards closed and sends on ch
	ch      chan Event
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

// NewRecorder starts a recorder. A nil logger discards sink errors.
func NewRecorder(log *slog.Logger, buffer int, sinks ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Recorder{
		sinks:        append([]Sink(nil), sinks...),
		log:          log,
		sendTimeout:  defaultSendTimeout,
		retryBackoff: defaultRetryBackoff,
		ch:           make(chan Event, buffer),
		done:         make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues e. It never blocks. A nil Recorder ignores events.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			r.deliver(s, e)
		}
	}
}

// deliver sends e to s, retrying ErrTransient failures with exponential
// backoff. Each attempt gets its own timeout.
func (r *Recorder) deliver(s Sink, e Event) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryBackoff
	eb.MaxElapsedTime = 0
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
		defer cancel()
		err := s.Send(ctx, e)
		if err != nil && !errors.Is(err, ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(eb, maxSendRetries))
	if err != nil {
		r.log.Warn("history sink failed", "event", e.Type, "name", e.Record.Name, "attempts", attempts, "error", err)
	}
}

// Close stops accepting events, drains the queue and closes sinks that
// implement io.Closer. Pending events are abandoned when ctx ends first.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	var errs []error
	select {
	case <-r.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
