package async

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crimson-sun/triage/internal/output"
)

const (
	defaultBufferSize   = 1024
	defaultDrainTimeout = 5 * time.Second
)

// Option configures an Async wrapper.
type Option func(*Async)

// WithBufferSize sets the channel capacity. Default: 1024.
func WithBufferSize(n int) Option {
	return func(a *Async) { a.bufSize = n }
}

// WithDrainTimeout bounds how long Close waits for queued events.
func WithDrainTimeout(d time.Duration) Option {
	return func(a *Async) { a.drainTimeout = d }
}

// WithOnError sets the callback for inner Write failures. Default: a
// warning on the wrapper's logger.
func WithOnError(f func(error)) Option {
	return func(a *Async) { a.errFunc = f }
}

// WithDropOnFull makes Write drop the event instead of blocking when the
// buffer is full.
func WithDropOnFull() Option {
	return func(a *Async) { a.dropOnFull = true }
}

// WithName labels the wrapped sink in log records.
func WithName(name string) Option {
	return func(a *Async) { a.name = name }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Async) { a.logger = l }
}

// Stats counts what happened to the events handed to Write.
type Stats struct {
	Delivered int64 // written by the inner output
	Failed    int64 // rejected by the inner output
	Dropped   int64 // discarded on a full buffer
	Abandoned int64 // still queued when the drain timed out
}

// Async moves writes to a slow output (the review webhook) off the
// classification path. Events go through a buffered channel drained by one
// goroutine; inner errors go to errFunc, not to the caller.
type Async struct {
	inner        output.Output
	ch           chan output.Event
	done         chan struct{}
	errFunc      func(error)
	logger       *slog.Logger
	name         string
	bufSize      int
	drainTimeout time.Duration
	dropOnFull   bool
	closeOnce    sync.Once

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	abandoned atomic.Int64
}

// New wraps inner and starts the drain goroutine.
func New(inner output.Output, opts ...Option) *Async {
	a := &Async{
		inner:        inner,
		name:         "async",
		bufSize:      defaultBufferSize,
		drainTimeout: defaultDrainTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("sink", a.name)
	if a.errFunc == nil {
		a.errFunc = func(err error) { a.logger.Warn("async output write error", "error", err) }
	}
	a.ch = make(chan output.Event, a.bufSize)
	a.done = make(chan struct{})
	go a.drain()
	return a
}

// Write queues the event, blocking while the buffer is full unless
// WithDropOnFull was set. Only the first drop is logged; the rest are
// counted and reported by Close.
func (a *Async) Write(ctx context.Context, event output.Event) error {
	if a.dropOnFull {
		select {
		case a.ch <- event:
		default:
			if a.dropped.Add(1) == 1 {
				a.logger.Warn("async output buffer full, dropping events",
					"profile", event.Profile, "row", event.Row)
			}
		}
		return nil
	}
	select {
	case a.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current counters. After Close they are final.
func (a *Async) Stats() Stats {
	return Stats{
		Delivered: a.delivered.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.dropped.Load(),
		Abandoned: a.abandoned.Load(),
	}
}

// Close stops accepting events, waits for the queue to drain (bounded by
// the drain timeout) and closes the inner output. Safe to call twice.
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.ch)
		select {
		case <-a.done:
		case <-time.After(a.drainTimeout):
			a.abandoned.Store(int64(len(a.ch)))
			a.logger.Warn("async output drain timed out", "pending", len(a.ch))
		}
		err = a.inner.Close()

		s := a.Stats()
		if s.Failed > 0 || s.Dropped > 0 || s.Abandoned > 0 {
			a.logger.Warn("async output closed with losses",
				"delivered", s.Delivered, "failed", s.Failed,
				"dropped", s.Dropped, "abandoned", s.Abandoned)
		} else {
			a.logger.Debug("async output closed", "delivered", s.Delivered)
		}
	})
	return err
}

func (a *Async) drain() {
	defer close(a.done)
	for event := range a.ch {
		if err := a.inner.Write(context.Background(), event); err != nil {
			a.failed.Add(1)
			a.errFunc(err)
			continue
		}
		a.delivered.Add(1)
	}
}
