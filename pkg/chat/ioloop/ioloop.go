// Package ioloop provides a fixed pool of serialized executor loops.
//
// Each accepted connection is affinitized to one loop for its lifetime, so
// everything posted on behalf of that connection runs on a single goroutine
// in submission order and its state needs no locking. Loops are handed out
// round-robin with an atomic counter; no lock sits on the hot path.
package ioloop

import (
	"sync"
	"sync/atomic"

	"github.com/quiver-im/quiver/internal/logger"
)

// taskBacklog bounds the per-loop task queue. Posting blocks once the
// backlog is full, providing natural backpressure onto producers.
const taskBacklog = 256

// Loop runs posted tasks one at a time on a dedicated goroutine.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
}

func newLoop() *Loop {
	return &Loop{
		tasks: make(chan func(), taskBacklog),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Post submits a task for serialized execution on the loop. It blocks while
// the backlog is full and reports false once the loop is stopping, in which
// case the task will not run.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// run executes tasks until the quit signal, then drains whatever is already
// queued before exiting. Queued work submitted before shutdown still runs.
func (l *Loop) run() {
	defer close(l.done)

	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Pool is a fixed set of loops created at startup.
type Pool struct {
	loops    []*Loop
	next     atomic.Uint32
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewPool starts n loops, one goroutine each. n must be positive.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}

	p := &Pool{loops: make([]*Loop, n)}
	for i := range p.loops {
		l := newLoop()
		p.loops[i] = l
		go l.run()
	}

	logger.Debug("I/O loop pool started", "loops", n)
	return p
}

// Next returns the next loop round-robin. Calling Next after Stop is a
// programming error and panics: sockets must not be dispatched onto a pool
// that is shutting down.
func (p *Pool) Next() *Loop {
	if p.stopped.Load() {
		panic("ioloop: Next called after Stop")
	}
	n := p.next.Add(1) - 1
	return p.loops[n%uint32(len(p.loops))]
}

// Size returns the number of loops.
func (p *Pool) Size() int {
	return len(p.loops)
}

// Stop signals every loop to finish, then joins them in order. Tasks queued
// before Stop still execute; Post returns false afterwards. Idempotent.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		for _, l := range p.loops {
			close(l.quit)
		}
		for _, l := range p.loops {
			<-l.done
		}
		logger.Debug("I/O loop pool stopped", "loops", len(p.loops))
	})
}
