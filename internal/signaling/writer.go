package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDirectoryTimeout bounds each directory write.
const DefaultDirectoryTimeout = 3 * time.Second

type dirOp struct {
	name string
	key  string
	fn   func(ctx context.Context, d Directory) error
}

// writer applies directory updates in order on its own goroutine, so a slow
// backend never holds the hub lock.
type writer struct {
	dir     Directory
	timeout time.Duration
	log     *zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []dirOp
	busy   bool
	closed bool
	done   chan struct{}
}

func newWriter(dir Directory, timeout time.Duration, logger *zerolog.Logger) *writer {
	w := &writer{dir: dir, timeout: timeout, log: logger, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *writer) enqueue(op dirOp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.log.Warn().Str("op", op.name).Str("key", op.key).Msg("directory closed, update dropped")
		return
	}
	w.queue = append(w.queue, op)
	w.cond.Broadcast()
}

func (w *writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		op := w.queue[0]
		w.queue = w.queue[1:]
		w.busy = true
		w.mu.Unlock()

		w.apply(op)

		w.mu.Lock()
		w.busy = false
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

func (w *writer) apply(op dirOp) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := op.fn(ctx, w.dir); err != nil {
		w.log.Warn().Err(err).Str("op", op.name).Str("key", op.key).Msg("directory update failed")
	}
}

// flush waits until every queued update has been applied.
func (w *writer) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) > 0 || w.busy {
		w.cond.Wait()
	}
}

// close applies what is queued, then stops the goroutine.
func (w *writer) close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
}
