// Package writebuffer batches mutations and hands them to a persistence
// executor after a debounce window.
package writebuffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kittclouds/kittgraph/pkg/mutation"
)

// DefaultDelay is the debounce window between the first enqueue and the flush.
const DefaultDelay = 100 * time.Millisecond

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("writebuffer: closed")

// Executor persists a batch. A returned error fails the whole batch.
type Executor func(ctx context.Context, batch []*mutation.Mutation) error

// RollbackFunc is called with a batch the executor rejected. It must not
// call FlushNow.
type RollbackFunc func(ctx context.Context, batch []*mutation.Mutation, err error)

// FlushResult describes one executed flush.
type FlushResult struct {
	Size     int
	Duration time.Duration
	Err      error
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithDelay sets the debounce window.
func WithDelay(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.delay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Buffer) { b.log = l }
}

// WithObserver registers a callback invoked after every non-empty flush.
func WithObserver(fn func(FlushResult)) Option {
	return func(b *Buffer) { b.observe = fn }
}

// Buffer queues mutations and flushes them in enqueue order. The first
// enqueue arms the timer; later enqueues within the window join the same
// batch. Flushes never overlap. A failed batch is rolled back and dropped,
// never retried.
type Buffer struct {
	exec     Executor
	rollback RollbackFunc
	delay    time.Duration
	log      zerolog.Logger
	observe  func(FlushResult)

	flushMu sync.Mutex // serializes flushes

	mu       sync.Mutex
	queue    []*mutation.Mutation
	timer    *time.Timer
	inFlight int
	closed   bool
}

// New creates a Buffer. rollback may be nil.
func New(exec Executor, rollback RollbackFunc, opts ...Option) *Buffer {
	b := &Buffer{
		exec:     exec,
		rollback: rollback,
		delay:    DefaultDelay,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue appends m and arms the flush timer if none is pending.
func (b *Buffer) Enqueue(m *mutation.Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.queue = append(b.queue, m)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.onTimer)
	}
	return nil
}

func (b *Buffer) onTimer() {
	if err := b.flush(context.Background()); err != nil {
		b.log.Error().Err(err).Msg("debounced flush failed")
	}
}

// FlushNow cancels the pending timer and executes the queue immediately.
func (b *Buffer) FlushNow(ctx context.Context) error {
	return b.flush(ctx)
}

func (b *Buffer) flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.queue
	b.queue = nil
	b.inFlight = len(batch)
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := b.exec(ctx, batch)
	result := FlushResult{Size: len(batch), Duration: time.Since(start), Err: err}

	status := mutation.Committed
	if err != nil {
		status = mutation.Failed
	}
	for _, m := range batch {
		m.Status = status
	}

	b.mu.Lock()
	b.inFlight = 0
	b.mu.Unlock()

	if err != nil {
		b.log.Warn().Err(err).Int("batch", len(batch)).Msg("flush failed, rolling back")
		if b.rollback != nil {
			b.rollback(ctx, batch, err)
		}
	} else {
		b.log.Debug().Int("batch", len(batch)).Dur("took", result.Duration).Msg("flushed")
	}

	if b.observe != nil {
		b.observe(result)
	}
	return err
}

// HasPending reports whether queued or in-flight mutations exist.
func (b *Buffer) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) > 0 || b.inFlight > 0
}

// Pending returns the queued mutations in order.
func (b *Buffer) Pending() []*mutation.Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*mutation.Mutation(nil), b.queue...)
}

// Discard drops the queued mutations without executing them and returns them.
func (b *Buffer) Discard() []*mutation.Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	dropped := b.queue
	b.queue = nil
	return dropped
}

// Close flushes what is queued and rejects further enqueues.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.FlushNow(ctx)
}
