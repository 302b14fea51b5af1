package ioloop

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopSerializesTasks(t *testing.T) {
	p := NewPool(1)
	defer p.Stop()

	l := p.Next()

	// A counter incremented without synchronization: safe only if the loop
	// really serializes.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		ok := l.Post(func() {
			counter++
			wg.Done()
		})
		require.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestLoopPreservesSubmissionOrder(t *testing.T) {
	p := NewPool(1)
	defer p.Stop()

	l := p.Next()

	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		l.Post(func() {
			order = append(order, i)
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestPoolRoundRobin(t *testing.T) {
	p := NewPool(3)
	defer p.Stop()

	a, b, c, d := p.Next(), p.Next(), p.Next(), p.Next()
	assert.NotSame(t, a, b)
	assert.NotSame(t, b, c)
	assert.Same(t, a, d)
}

func TestPoolStopRunsQueuedTasks(t *testing.T) {
	p := NewPool(2)

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		p.Next().Post(func() { ran.Add(1) })
	}

	p.Stop()
	assert.Equal(t, int32(20), ran.Load(), "tasks queued before Stop must still run")

	// Post after stop is refused.
	ok := p.loops[0].Post(func() { ran.Add(1) })
	assert.False(t, ok)
	assert.Equal(t, int32(20), ran.Load())
}

func TestPoolNextAfterStopPanics(t *testing.T) {
	p := NewPool(1)
	p.Stop()
	assert.Panics(t, func() { p.Next() })
}

func TestPoolStopIdempotent(t *testing.T) {
	p := NewPool(2)
	p.Stop()
	p.Stop()
}
