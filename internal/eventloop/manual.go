package eventloop

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by hand. Advance fires every timer whose
// deadline has passed, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	at        time.Duration
	seq       int
	fn        func()
	cancelled bool
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) After(d time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return func() {
		m.mu.Lock()
		t.cancelled = true
		m.mu.Unlock()
	}
}

// Advance moves the clock forward by d and runs due timers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	now := m.now
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.SliceStable(m.timers, func(i, j int) bool {
			if m.timers[i].at == m.timers[j].at {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].at < m.timers[j].at
		})
		var due *manualTimer
		if len(m.timers) > 0 && m.timers[0].at <= now {
			due = m.timers[0]
			m.timers = m.timers[1:]
		}
		m.mu.Unlock()

		if due == nil {
			return
		}
		if !due.cancelled {
			due.fn()
		}
	}
}

// Pending counts timers that are still armed.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// Timers is a Scheduler that runs fn on the timer's own goroutine, for
// callers that do their own locking.
type Timers struct{}

func (Timers) After(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
