// Package webhook delivers classification events to an HTTP endpoint in
// batches, so a review tool can pick up rows left for a human.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crimson-sun/triage/internal/httpclient"
	"github.com/crimson-sun/triage/internal/output"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 5 * time.Second
	defaultTimeout       = 10 * time.Second
)

// Option configures a webhook Output.
type Option func(*Output)

// WithHeaders sets extra HTTP headers sent with every POST.
func WithHeaders(h map[string]string) Option {
	return func(o *Output) { o.clientOpts = append(o.clientOpts, httpclient.WithHeaders(h)) }
}

// WithToken sends a Bearer token with every POST.
func WithToken(token string) Option {
	return func(o *Output) { o.token = token }
}

// WithBatchSize sets the number of events accumulated before a flush. Default: 50.
func WithBatchSize(n int) Option {
	return func(o *Output) { o.batchSize = n }
}

// WithFlushInterval sets the maximum time between flushes. Default: 5s.
func WithFlushInterval(d time.Duration) Option {
	return func(o *Output) { o.flushInterval = d }
}

// WithTimeout sets the per-request timeout. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(o *Output) { o.clientOpts = append(o.clientOpts, httpclient.WithTimeout(d)) }
}

// WithBackoff sets the first retry delay for 429/5xx responses.
func WithBackoff(d time.Duration) Option {
	return func(o *Output) { o.clientOpts = append(o.clientOpts, httpclient.WithBackoff(d)) }
}

// WithVerbosity trims events before they are queued. Default: output.Standard.
func WithVerbosity(v output.Verbosity) Option {
	return func(o *Output) { o.verbosity = v }
}

// WithFilter drops events for which keep returns false.
func WithFilter(keep func(output.Event) bool) Option {
	return func(o *Output) { o.keep = keep }
}

// WithOnError sets a callback for failed timer-triggered flushes.
// Default: slog.Warn.
func WithOnError(f func(error)) Option {
	return func(o *Output) { o.errFunc = f }
}

// Payload is the JSON body of one POST. ID is stable across retries of the
// same batch.
type Payload struct {
	ID     uuid.UUID      `json:"id"`
	SentAt time.Time      `json:"sent_at"`
	Auto   int            `json:"auto"`
	Review int            `json:"review"`
	Events []output.Event `json:"events"`
}

func newPayload(batch []output.Event) Payload {
	p := Payload{ID: uuid.New(), SentAt: time.Now().UTC(), Events: batch}
	for _, e := range batch {
		if output.NeedsReview(e) {
			p.Review++
		} else {
			p.Auto++
		}
	}
	return p
}

// Output POSTs batches of events to an HTTP endpoint as a Payload. A
// batch is sent when it reaches batchSize or flushInterval after its first
// event, whichever comes first.
type Output struct {
	client        *httpclient.Client
	clientOpts    []httpclient.Option
	url           string
	token         string
	batchSize     int
	flushInterval time.Duration
	verbosity     output.Verbosity
	keep          func(output.Event) bool
	errFunc       func(error)

	mu      sync.Mutex
	pending []output.Event
	timer   *time.Timer
}

// New creates a webhook output targeting url.
func New(url string, opts ...Option) *Output {
	o := &Output{
		url:           url,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		verbosity:     output.Standard,
		errFunc:       func(err error) { slog.Warn("webhook flush error", "error", err) },
		clientOpts:    []httpclient.Option{httpclient.WithTimeout(defaultTimeout)},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.client = httpclient.New(url, o.token, o.clientOpts...)
	return o
}

// Write adds an event to the pending batch, flushing when it is full.
func (o *Output) Write(ctx context.Context, event output.Event) error {
	if o.keep != nil && !o.keep(event) {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pending = append(o.pending, output.FormatEvent(event, o.verbosity))
	if len(o.pending) >= o.batchSize {
		return o.flushLocked(ctx)
	}
	if len(o.pending) == 1 {
		o.timer = time.AfterFunc(o.flushInterval, func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if err := o.flushLocked(context.Background()); err != nil {
				o.errFunc(err)
			}
		})
	}
	return nil
}

// Close sends any pending events and stops the timer.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushLocked(context.Background())
}

// flushLocked sends the pending batch. Caller must hold o.mu.
func (o *Output) flushLocked(ctx context.Context) error {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	if len(o.pending) == 0 {
		return nil
	}
	batch := o.pending
	o.pending = nil

	if err := o.client.PostJSON(ctx, "", newPayload(batch), nil); err != nil {
		return fmt.Errorf("webhook: post %d events: %w", len(batch), err)
	}
	return nil
}
