package pool

import (
	"sync"
	"time"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/metrics"
)

// Healthcheck probes a handle and reports whether it is still usable. It is
// always invoked with the pool mutex released, so a slow or hung probe never
// blocks acquirers.
type Healthcheck[T any] func(T) bool

// Maintainer periodically scans a pool, probing idle handles and replacing
// the ones that fail.
//
// Each pass takes a snapshot of the current idle count and processes at most
// that many handles: pop one, probe it outside the lock, push it back on
// success or tear it down on failure. After the scan it rebuilds one
// replacement per accumulated failure, stopping at the first factory error
// so a dead backend is retried on the next cycle instead of being hammered.
type Maintainer[T any] struct {
	pool     *Pool[T]
	interval time.Duration
	check    Healthcheck[T]
	metrics  *metrics.PoolMetrics

	failCount int

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewMaintainer creates a maintainer for the pool. The interval is clamped
// to a 60 second minimum; probing more often than that buys nothing and adds
// backend load.
func NewMaintainer[T any](p *Pool[T], interval time.Duration, check Healthcheck[T], m *metrics.PoolMetrics) *Maintainer[T] {
	if interval < 60*time.Second {
		interval = 60 * time.Second
	}
	return &Maintainer[T]{
		pool:     p,
		interval: interval,
		check:    check,
		metrics:  m,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the maintenance goroutine.
func (m *Maintainer[T]) Start() {
	go m.run()
}

// Stop terminates the maintenance goroutine and waits for it to exit.
// Idempotent.
func (m *Maintainer[T]) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

func (m *Maintainer[T]) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep runs one maintenance pass. Exported indirectly through tests via
// RunOnce.
func (m *Maintainer[T]) sweep() {
	target := m.pool.snapshotLen()

	for processed := 0; processed < target; processed++ {
		h, ok := m.pool.popIdle()
		if !ok {
			break
		}

		// Probe with the pool lock released.
		if m.check(h) {
			if !m.pool.pushIdle(h) {
				// Pool closed mid-sweep.
				if m.pool.closer != nil {
					m.pool.closer(h)
				}
				return
			}
			continue
		}

		m.failCount++
		logger.Warn("Pool handle failed health check", "pool", m.pool.Name(), "failed", m.failCount)
		if m.pool.closer != nil {
			m.pool.closer(h)
		}
	}

	for m.failCount > 0 {
		h, err := m.pool.factory()
		if err != nil {
			logger.Warn("Pool handle reconnect failed, will retry next cycle",
				"pool", m.pool.Name(), "pending", m.failCount, "error", err)
			break
		}
		if !m.pool.pushIdle(h) {
			if m.pool.closer != nil {
				m.pool.closer(h)
			}
			return
		}
		m.failCount--
		m.metrics.RecordReconnect(m.pool.Name())
		logger.Info("Pool handle reconnected", "pool", m.pool.Name(), "pending", m.failCount)
	}
}

// RunOnce executes a single maintenance pass synchronously. Intended for
// tests and for forcing a repair after a known outage.
func (m *Maintainer[T]) RunOnce() {
	m.sweep()
}
