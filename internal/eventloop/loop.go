// Package eventloop serializes every callback a Live Store client handles
// onto one goroutine, so call state is never touched concurrently.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher accepts work to run on the loop goroutine.
type Dispatcher interface {
	Post(fn func())
}

// Runner is a Dispatcher that can also wait for posted work.
type Runner interface {
	Dispatcher
	Do(fn func())
}

// Scheduler runs fn on the loop after d. The returned func cancels it.
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func())
}

// Loop is a single-goroutine executor.
type Loop struct {
	queue chan func()
	log   *zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a loop with a buffered queue of the given size.
func New(size int, logger *zerolog.Logger) *Loop {
	if size <= 0 {
		size = 256
	}
	return &Loop{
		queue: make(chan func(), size),
		log:   logger,
		done:  make(chan struct{}),
	}
}

// Run executes posted functions until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return
		case <-l.done:
			return
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

// Post queues fn. Posting after Close is a no-op.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Do posts fn and waits for it to finish.
func (l *Loop) Do(fn func()) {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
	case <-l.done:
	}
}

// After implements Scheduler with time.AfterFunc, hopping back onto the loop.
// Cancelling also stops a callback that already fired but has not run yet.
func (l *Loop) After(d time.Duration, fn func()) func() {
	var cancelled atomic.Bool
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		t.Stop()
	}
}

// Close stops the loop. Pending work is dropped.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} { return l.done }

// exec runs one callback. A panicking handler is logged, never propagated.
func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil && l.log != nil {
			l.log.Error().Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn()
}

// Inline runs callbacks synchronously on the caller's goroutine. Tests use it
// where no real loop is needed.
type Inline struct{}

func (Inline) Post(fn func()) { fn() }
func (Inline) Do(fn func())   { fn() }
