package chat

import (
	"context"
	"sync"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/chat/proto"
	"github.com/quiver-im/quiver/pkg/metrics"
)

// HandlerFunc processes one inbound frame on the dispatcher goroutine.
// Handlers may block on the database or on RPC; everything they touch is
// still serialized, so they need no locking of their own.
type HandlerFunc func(ctx context.Context, sess *Session, frame proto.Frame)

// logicNode pairs a frame with the session it arrived on.
type logicNode struct {
	sess  *Session
	frame proto.Frame
}

// Dispatcher serializes all message handling onto a single consumer
// goroutine behind an unbounded FIFO. Frames from any number of sessions
// are processed strictly in arrival order.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []logicNode
	stopped bool

	handlers map[uint16]HandlerFunc
	metrics  *metrics.ChatMetrics

	done chan struct{}
}

// NewDispatcher builds a dispatcher. Register handlers before Start.
func NewDispatcher(cm *metrics.ChatMetrics) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[uint16]HandlerFunc),
		metrics:  cm,
		done:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Register binds a handler to a message id. Startup-time only; not safe
// concurrently with Start.
func (d *Dispatcher) Register(id uint16, fn HandlerFunc) {
	d.handlers[id] = fn
}

// Post enqueues a frame for processing. Returns false once the dispatcher
// has stopped.
func (d *Dispatcher) Post(sess *Session, frame proto.Frame) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, logicNode{sess: sess, frame: frame})
	d.metrics.SetDispatchDepth(len(d.queue))
	d.mu.Unlock()

	d.cond.Signal()
	return true
}

// Start launches the consumer goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// run pops nodes in FIFO order until Stop. Remaining queued frames are
// drained before the goroutine exits.
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.stopped {
			d.mu.Unlock()
			return
		}
		node := d.queue[0]
		d.queue = d.queue[1:]
		d.metrics.SetDispatchDepth(len(d.queue))
		d.mu.Unlock()

		d.handle(ctx, node)
	}
}

// handle runs one node through its handler. Frames for sessions that died
// while queued are dropped; frames with no registered handler are logged
// and dropped without affecting the session.
func (d *Dispatcher) handle(ctx context.Context, node logicNode) {
	if node.sess.Closed() {
		d.metrics.RecordFrameDropped()
		return
	}

	fn, ok := d.handlers[node.frame.ID]
	if !ok {
		logger.Warn("Dropping frame with unknown message id",
			"msg_id", node.frame.ID, "session", node.sess.ID())
		d.metrics.RecordFrameDropped()
		return
	}

	fn(ctx, node.sess, node.frame)
}

// Stop refuses new frames, drains the queue, and joins the consumer.
// Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.cond.Signal()
	<-d.done
}
