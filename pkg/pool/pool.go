// Package pool provides a bounded, blocking pool of reusable backend
// handles. The same generic pool backs both database handles and RPC client
// connections; the database variant adds a Maintainer that health-checks and
// replaces broken handles.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/metrics"
)

// ErrClosed is returned by Acquire after the pool has been closed.
var ErrClosed = errors.New("pool: closed")

// Factory produces a fresh handle.
type Factory[T any] func() (T, error)

// Closer releases a handle that is being discarded. May be nil when handles
// need no teardown.
type Closer[T any] func(T)

// Pool is a bounded, blocking container of reusable handles.
//
// Between Acquire and Release exactly one caller owns a handle. Acquire
// blocks until a handle is available or the pool is closed; Close wakes all
// waiters. FIFO fairness among waiters is not guaranteed.
//
// The pool mutex is never held across handle construction or any other
// network operation.
type Pool[T any] struct {
	name    string
	size    int
	factory Factory[T]
	closer  Closer[T]
	metrics *metrics.PoolMetrics

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []T
	borrows int
	closed  bool
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithCloser sets the teardown function for discarded handles.
func WithCloser[T any](c Closer[T]) Option[T] {
	return func(p *Pool[T]) { p.closer = c }
}

// WithMetrics attaches pool metrics. A nil recorder is allowed.
func WithMetrics[T any](m *metrics.PoolMetrics) Option[T] {
	return func(p *Pool[T]) { p.metrics = m }
}

// New creates a pool and eagerly constructs size handles. Construction stops
// at the first factory error: the pool is torn down and the error returned,
// so a misconfigured backend fails at startup rather than on first use.
func New[T any](name string, size int, factory Factory[T], opts ...Option[T]) (*Pool[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool %s: size must be positive, got %d", name, size)
	}

	p := &Pool[T]{
		name:    name,
		size:    size,
		factory: factory,
		idle:    make([]T, 0, size),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < size; i++ {
		h, err := factory()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("pool %s: failed to create handle %d/%d: %w", name, i+1, size, err)
		}
		p.idle = append(p.idle, h)
	}

	logger.Info("Pool initialized", "pool", name, "size", size)
	return p, nil
}

// Acquire returns a handle, blocking until one is available, the pool is
// closed, or the context is done. On context cancellation the waiter is
// woken via Broadcast from a watcher goroutine; this is the only use of the
// context and costs one goroutine per blocked acquisition.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if !p.closed && len(p.idle) == 0 {
		p.metrics.RecordExhaustionWait(p.name)
	}

	// Wake this waiter if the context expires while blocked.
	var watcherDone chan struct{}
	if ctx.Done() != nil {
		watcherDone = make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				// Broadcast under the lock: the waiter holds the mutex
				// between its ctx.Err() check and cond.Wait, so a wakeup
				// sent here cannot slip into that window and get lost.
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-watcherDone:
			}
		}()
		defer close(watcherDone)
	}

	for !p.closed && len(p.idle) == 0 && ctx.Err() == nil {
		p.cond.Wait()
	}

	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return zero, err
	}

	h := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	p.borrows++
	p.mu.Unlock()

	p.metrics.RecordBorrow(p.name)
	return h, nil
}

// Release returns a handle to the pool. If the pool has been closed the
// handle is torn down instead.
func (p *Pool[T]) Release(h T) {
	p.mu.Lock()
	if p.closed {
		p.borrows--
		p.mu.Unlock()
		if p.closer != nil {
			p.closer(h)
		}
		return
	}
	p.idle = append(p.idle, h)
	p.borrows--
	p.cond.Signal()
	p.mu.Unlock()
}

// Discard drops a borrowed handle without returning it, tearing it down.
// The maintainer replaces discarded handles on its next pass.
func (p *Pool[T]) Discard(h T) {
	p.mu.Lock()
	p.borrows--
	p.mu.Unlock()
	if p.closer != nil {
		p.closer(h)
	}
}

// Close marks the pool closed, wakes all waiters, and tears down idle
// handles. Borrowed handles are torn down when released. Idempotent.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	drained := p.idle
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if p.closer != nil {
		for _, h := range drained {
			p.closer(h)
		}
	}
	logger.Debug("Pool closed", "pool", p.name)
}

// Len returns the number of idle handles.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Borrowed returns the number of handles currently checked out.
func (p *Pool[T]) Borrowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.borrows
}

// Name returns the pool name used in logs and metrics.
func (p *Pool[T]) Name() string {
	return p.name
}

// popIdle removes and returns one idle handle, or false when none remain.
// Used by the maintainer so probing happens outside the pool lock.
func (p *Pool[T]) popIdle() (T, bool) {
	var zero T
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle) == 0 {
		return zero, false
	}
	h := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return h, true
}

// pushIdle returns a probed handle. Reports false when the pool closed in
// the meantime, in which case the caller must tear the handle down.
func (p *Pool[T]) pushIdle(h T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.idle = append(p.idle, h)
	p.cond.Signal()
	return true
}

// snapshotLen returns the current idle count, used by the maintainer to
// bound a scan pass.
func (p *Pool[T]) snapshotLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
