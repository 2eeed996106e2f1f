package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := New(8, nil)
	go loop.Run(ctx)

	var got []int
	for i := range 5 {
		loop.Post(func() { got = append(got, i) })
	}
	loop.Do(func() {})

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopSurvivesPanickingHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := New(8, nil)
	go loop.Run(ctx)

	loop.Post(func() { panic("boom") })

	ran := false
	loop.Do(func() { ran = true })
	assert.True(t, ran)
}

func TestLoopAfterPostsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := New(8, nil)
	go loop.Run(ctx)

	var fired atomic.Bool
	loop.After(10*time.Millisecond, func() { fired.Store(true) })
	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)

	var cancelled atomic.Bool
	stop := loop.After(50*time.Millisecond, func() { cancelled.Store(true) })
	stop()
	time.Sleep(80 * time.Millisecond)
	assert.False(t, cancelled.Load())
}

func TestLoopAfterCancelDropsQueuedCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := New(8, nil)
	go loop.Run(ctx)

	gate := make(chan struct{})
	loop.Post(func() { <-gate })

	var ran atomic.Bool
	stop := loop.After(time.Millisecond, func() { ran.Store(true) })
	require.Eventually(t, func() bool { return len(loop.queue) == 1 }, time.Second, time.Millisecond)

	stop()
	close(gate)
	loop.Do(func() {})
	assert.False(t, ran.Load())
}

func TestPostAfterCloseIsNoop(t *testing.T) {
	loop := New(1, nil)
	loop.Close()
	loop.Post(func() { t.Fatal("should not run") })
	loop.Do(func() { t.Fatal("should not run") })
}

func TestManualScheduler(t *testing.T) {
	m := NewManual()
	var order []string

	m.After(3*time.Second, func() { order = append(order, "revert") })
	m.After(1500*time.Millisecond, func() { order = append(order, "show") })
	cancel := m.After(time.Second, func() { order = append(order, "cancelled") })
	cancel()

	m.Advance(time.Second)
	assert.Empty(t, order)
	assert.Equal(t, 2, m.Pending())

	m.Advance(2 * time.Second)
	assert.Equal(t, []string{"show", "revert"}, order)
	assert.Zero(t, m.Pending())
}
